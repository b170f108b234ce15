package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.New(core))})
	app.Get("/bad", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusBadRequest, "validation error: name is required")
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("pq: connection refused")
	})

	tests := []struct {
		path      string
		wantCode  int
		wantError string
		wantLevel string
	}{
		{path: "/bad", wantCode: fiber.StatusBadRequest, wantError: "validation error: name is required", wantLevel: "warn"},
		{path: "/boom", wantCode: fiber.StatusInternalServerError, wantError: "internal server error", wantLevel: "error"},
		{path: "/missing", wantCode: fiber.StatusNotFound, wantError: "Cannot GET /missing", wantLevel: "warn"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		req.Header.Set(fiber.HeaderXRequestID, "req-1")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test() error = %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != tt.wantCode {
			t.Fatalf("%s: status = %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
		}
		var parsed map[string]string
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if parsed["error"] != tt.wantError {
			t.Fatalf("%s: error = %q, want %q", tt.path, parsed["error"], tt.wantError)
		}

		entries := logs.TakeAll()
		if len(entries) != 1 || entries[0].Level.String() != tt.wantLevel {
			t.Fatalf("%s: log entries = %+v, want one %s entry", tt.path, entries, tt.wantLevel)
		}
		if entries[0].ContextMap()["correlationId"] != "req-1" {
			t.Fatalf("%s: correlationId not logged", tt.path)
		}
	}
}
