package response

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, StatusFor(CodeForbidden))
	assert.Equal(t, http.StatusConflict, StatusFor(CodeConflict))
	assert.Equal(t, http.StatusInternalServerError, StatusFor("SOMETHING_NEW"))
}

func TestRateLimited_RetryAfter(t *testing.T) {
	app := fiber.New()
	app.Get("/known", func(c *fiber.Ctx) error { return RateLimited(c, 1500*time.Millisecond) })
	app.Get("/unknown", func(c *fiber.Ctx) error { return RateLimited(c, -1) })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/known", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get(fiber.HeaderRetryAfter))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, CodeRateLimited, body.Error.Code)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/unknown", nil), -1)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(fiber.HeaderRetryAfter))
}
