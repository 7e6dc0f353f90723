package utils

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func perform(t *testing.T, handler fiber.Handler) (*http.Response, APIResponse) {
	t.Helper()
	app := fiber.New()
	app.Get("/", handler)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var parsed APIResponse
	require.NoError(t, json.Unmarshal(body, &parsed))
	return resp, parsed
}

func TestSendSuccessDefaults(t *testing.T) {
	resp, parsed := perform(t, func(c *fiber.Ctx) error {
		return SendSuccess(c, "", map[string]int{"count": 3})
	})

	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.True(t, parsed.Success)
	require.Equal(t, "success", parsed.Message)
	require.NotNil(t, parsed.Data)
}

func TestSendSuccessWithStatus(t *testing.T) {
	resp, parsed := perform(t, func(c *fiber.Ctx) error {
		return SendSuccessWithStatus(c, fiber.StatusCreated, "activity recorded", nil)
	})

	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.True(t, parsed.Success)
	require.Equal(t, "activity recorded", parsed.Message)
}

func TestSendErrorWithDetails(t *testing.T) {
	resp, parsed := perform(t, func(c *fiber.Ctx) error {
		return SendErrorWithDetails(c, fiber.StatusBadRequest, "invalid request",
			[]string{"ActivityID failed required validation"})
	})

	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.False(t, parsed.Success)
	require.Equal(t, []string{"ActivityID failed required validation"}, parsed.Errors)
}

func TestSendError(t *testing.T) {
	resp, parsed := perform(t, func(c *fiber.Ctx) error {
		return SendError(c, fiber.StatusForbidden, "You do not have permission to modify this resource")
	})

	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.False(t, parsed.Success)
	require.Equal(t, "You do not have permission to modify this resource", parsed.Message)
}
