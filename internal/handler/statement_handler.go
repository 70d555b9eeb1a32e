package handler

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-lrs/internal/dto"
	"github.com/noah-isme/gema-lrs/internal/middleware"
	"github.com/noah-isme/gema-lrs/internal/service"
	"github.com/noah-isme/gema-lrs/internal/utils"
)

// StatementHandler serves the xAPI statements resource.
type StatementHandler struct {
	statements service.StatementService
	queries    service.StatementQueryService
	schema     *jsonschema.Schema
	logger     zerolog.Logger
}

// NewStatementHandler builds a statement handler instance.
func NewStatementHandler(statements service.StatementService, queries service.StatementQueryService, logger zerolog.Logger) (*StatementHandler, error) {
	schema, err := LoadSchema(statementSchemaName)
	if err != nil {
		return nil, err
	}

	return &StatementHandler{
		statements: statements,
		queries:    queries,
		schema:     schema,
		logger:     logger.With().Str("component", "statement_handler").Logger(),
	}, nil
}

// Register attaches the routes to the provided router group. writeGuards run
// before POST and PUT only.
func (h *StatementHandler) Register(router fiber.Router, writeGuards ...fiber.Handler) {
	router.Get("", h.get)
	router.Post("", withGuards(writeGuards, h.post)...)
	router.Put("", withGuards(writeGuards, h.put)...)
}

func withGuards(guards []fiber.Handler, handler fiber.Handler) []fiber.Handler {
	handlers := make([]fiber.Handler, 0, len(guards)+1)
	handlers = append(handlers, guards...)
	return append(handlers, handler)
}

func (h *StatementHandler) post(c *fiber.Ctx) error {
	body := c.Body()
	if err := validateDocument(h.schema, body); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, schemaErrorMessage(err))
	}

	statements, batch, err := dto.DecodeStatements(body)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	if batch {
		ids, err := h.statements.StoreMany(c.UserContext(), statements)
		if err != nil {
			return h.handleError(c, err)
		}
		return utils.SendResource(c, fiber.StatusOK, ids)
	}

	id, err := h.statements.Store(c.UserContext(), statements[0], "")
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendResource(c, fiber.StatusOK, []string{id})
}

func (h *StatementHandler) put(c *fiber.Ctx) error {
	statementID := strings.TrimSpace(c.Query("statementId"))
	if statementID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "statementId parameter is required")
	}

	body := c.Body()
	if err := validateDocument(h.schema, body); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, schemaErrorMessage(err))
	}

	statements, batch, err := dto.DecodeStatements(body)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	if batch {
		return utils.SendError(c, fiber.StatusBadRequest, "PUT accepts a single statement")
	}

	statement := statements[0]
	if statement.ID == "" {
		statement.ID = statementID
	}

	if _, err := h.statements.Store(c.UserContext(), statement, statementID); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendNoContent(c)
}

func (h *StatementHandler) get(c *fiber.Ctx) error {
	query, err := parseStatementQuery(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	result, err := h.queries.Query(c.UserContext(), query)
	if err != nil {
		return h.handleError(c, err)
	}

	if query.IsSingle() {
		if len(result.Statements) == 0 {
			return h.handleError(c, service.ErrStatementNotFound)
		}
		return utils.SendResource(c, fiber.StatusOK, result.Statements[0])
	}

	return utils.SendResource(c, fiber.StatusOK, result)
}

func (h *StatementHandler) handleError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrValidation):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrConflict):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrStatementNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "statement not found")
	case errors.As(err, &validationErrors):
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	default:
		logger := middleware.RequestLogger(h.logger, c)
		logger.Error().Err(err).Str("method", c.Method()).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

// parseStatementQuery reads the statement query parameters. Parameters that
// are absent stay nil so that mode exclusivity can be checked downstream.
func parseStatementQuery(c *fiber.Ctx) (dto.StatementQuery, error) {
	query := dto.StatementQuery{
		StatementID:       strings.TrimSpace(c.Query("statementId")),
		VoidedStatementID: strings.TrimSpace(c.Query("voidedStatementId")),
		Verb:              strings.TrimSpace(c.Query("verb")),
		Activity:          strings.TrimSpace(c.Query("activity")),
		Registration:      strings.TrimSpace(c.Query("registration")),
	}

	if raw := strings.TrimSpace(c.Query("agent")); raw != "" {
		var agent dto.Actor
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			return dto.StatementQuery{}, errors.New("agent must be a JSON encoded actor")
		}
		query.Agent = &agent
	}

	var err error
	if query.RelatedActivities, err = parseQueryBool(c, "related_activities"); err != nil {
		return dto.StatementQuery{}, err
	}
	if query.RelatedAgents, err = parseQueryBool(c, "related_agents"); err != nil {
		return dto.StatementQuery{}, err
	}
	if query.Ascending, err = parseQueryBool(c, "ascending"); err != nil {
		return dto.StatementQuery{}, err
	}
	if query.Since, err = parseQueryTime(c, "since"); err != nil {
		return dto.StatementQuery{}, err
	}
	if query.Until, err = parseQueryTime(c, "until"); err != nil {
		return dto.StatementQuery{}, err
	}

	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return dto.StatementQuery{}, errors.New("limit must be an integer")
		}
		query.Limit = &limit
	}

	return query, nil
}

func parseQueryBool(c *fiber.Ctx, key string) (*bool, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New(key + " must be true or false")
	}
	return &value, nil
}

func parseQueryTime(c *fiber.Ctx, key string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	value, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, errors.New(key + " must be an RFC 3339 timestamp")
	}
	value = value.UTC()
	return &value, nil
}

func schemaErrorMessage(err error) string {
	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		leaf := validationErr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		location := leaf.InstanceLocation
		if location == "" {
			location = "/"
		}
		return "statement does not match schema at " + location + ": " + leaf.Message
	}
	return err.Error()
}
