package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/utils"
)

// AboutInfo describes the record store on the about resource.
type AboutInfo struct {
	Versions    []string
	Name        string
	Description string
}

// About returns a handler for GET /xapi/about. It needs no version header.
func About(info AboutInfo) fiber.Handler {
	response := dto.AboutResponse{
		Version: info.Versions,
		Extensions: map[string]interface{}{
			"name":        info.Name,
			"description": info.Description,
		},
	}

	return func(c *fiber.Ctx) error {
		return utils.SendResource(c, fiber.StatusOK, response)
	}
}
