package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lrs/internal/middleware"
)

func newVersionApp(now time.Time) *fiber.App {
	app := fiber.New()
	app.Use(middleware.XAPIVersion("1.0.3", func() time.Time { return now }))
	app.Get("/xapi/statements", func(c *fiber.Ctx) error {
		return c.SendString(middleware.RequestedXAPIVersion(c))
	})
	app.Get("/xapi/about", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestXAPIVersionRequiredOnStatements(t *testing.T) {
	app := newVersionApp(time.Now())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/xapi/statements", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "1.0.3", resp.Header.Get(middleware.HeaderXAPIVersion))
}

func TestXAPIVersionRejectsUnsupported(t *testing.T) {
	app := newVersionApp(time.Now())

	for _, version := range []string{"0.95", "2.0.0", "1.1.0", "1.0.", "1.0.abc", "1.0.1-rc", "1.0.1.2"} {
		req := httptest.NewRequest(http.MethodGet, "/xapi/statements", nil)
		req.Header.Set(middleware.HeaderXAPIVersion, version)

		resp, err := app.Test(req)
		require.NoError(t, err)
		require.Equal(t, fiber.StatusBadRequest, resp.StatusCode, version)
	}
}

func TestXAPIVersionNormalisesAndSetsConsistentThrough(t *testing.T) {
	now := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	app := newVersionApp(now)

	req := httptest.NewRequest(http.MethodGet, "/xapi/statements", nil)
	req.Header.Set(middleware.HeaderXAPIVersion, "1.0")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, now.Format(time.RFC3339Nano), resp.Header.Get(middleware.HeaderConsistentThrough))

	require.Equal(t, "1.0.0", readBody(t, resp))
}

func TestXAPIVersionAcceptsNumericPatch(t *testing.T) {
	app := newVersionApp(time.Now())

	req := httptest.NewRequest(http.MethodGet, "/xapi/statements", nil)
	req.Header.Set(middleware.HeaderXAPIVersion, "1.0.12")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "1.0.12", readBody(t, resp))
}

func TestXAPIVersionNotRequiredOutsideStatements(t *testing.T) {
	app := newVersionApp(time.Now())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/xapi/about", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "1.0.3", resp.Header.Get(middleware.HeaderXAPIVersion))
	require.Empty(t, resp.Header.Get(middleware.HeaderConsistentThrough))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return string(body)
}
