package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"rate limited", RateLimited(10, 0), http.StatusTooManyRequests},
		{"exhausted after attempts", SourceExhausted([]string{"akshare"}, nil, errors.New("boom")), http.StatusBadGateway},
		{"all down", SourceExhausted(nil, []string{"akshare"}, nil), http.StatusServiceUnavailable},
		{"invalid key", InvalidAPIKey("invalid_secret"), http.StatusUnauthorized},
		{"forbidden", Forbidden("market_not_allowed"), http.StatusForbidden},
		{"not found", NotFound("symbol %s", "X"), http.StatusNotFound},
		{"bad request", InvalidRequest("market is required"), http.StatusBadRequest},
		{"conflict", Conflict("task running"), http.StatusConflict},
		{"configuration", Configuration("bad source"), http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Status(); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInvalidAPIKeyHidesReason(t *testing.T) {
	err := InvalidAPIKey("invalid_secret")
	if err.Message != "unauthorized" {
		t.Errorf("Message = %q, want %q", err.Message, "unauthorized")
	}
	if err.Reason != "invalid_secret" {
		t.Errorf("Reason = %q, want %q", err.Reason, "invalid_secret")
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	base := NotFound("symbol %s", "600519")
	wrapped := fmt.Errorf("fetch kline: %w", base)

	if !IsCode(wrapped, CodeNotFound) {
		t.Error("IsCode(wrapped, NOT_FOUND) = false, want true")
	}
	if IsCode(wrapped, CodeRateLimited) {
		t.Error("IsCode(wrapped, RATE_LIMITED) = true, want false")
	}
	if !errors.Is(wrapped, &Error{Code: CodeNotFound}) {
		t.Error("errors.Is should match by code")
	}
}

func TestFromWrapsUnknown(t *testing.T) {
	e := From(errors.New("disk full"))
	if e.Code != CodeInternal {
		t.Errorf("Code = %s, want %s", e.Code, CodeInternal)
	}
	if e.Message != "internal error" {
		t.Errorf("Message = %q", e.Message)
	}
	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}
}
