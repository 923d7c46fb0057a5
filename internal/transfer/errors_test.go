package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "fetch_item",
				StatusCode: 503,
				APIMessage: "service unavailable",
			},
			wantFormat: "network error during fetch_item (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation:  "fetch_item",
				APIMessage: "connection timeout",
			},
			wantFormat: "network error during fetch_item: connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestAlreadyObtainedError_Error verifies error message formatting
func TestAlreadyObtainedError_Error(t *testing.T) {
	err := &AlreadyObtainedError{ItemID: "42"}

	expected := "item 42 was already downloaded recently"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}

	err.Message = "within 24h"

	expected = "item 42 was already downloaded recently: within 24h"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestUnwrap verifies error chain traversal for the wrapping error types
func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{"network", &NetworkError{Operation: "fetch_item", Err: cause}},
		{"validation", &ValidationError{ItemID: "1", Reason: "bad json", Err: cause}},
		{"authentication", &AuthenticationError{Operation: "fetch_item", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestIsTransient verifies only network errors are considered retryable
func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", &NetworkError{Operation: "fetch_item"}, true},
		{"wrapped network", fmt.Errorf("ctx: %w", &NetworkError{Operation: "fetch_item"}), true},
		{"not found", &NotFoundError{ItemID: "1"}, false},
		{"already obtained", &AlreadyObtainedError{ItemID: "1"}, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCategory verifies the label assigned to each error type
func TestCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"already obtained", fmt.Errorf("x: %w", &AlreadyObtainedError{ItemID: "1"}), ReasonAlreadyDownloaded},
		{"not found", &NotFoundError{ItemID: "1"}, ReasonNotFound},
		{"validation", &ValidationError{ItemID: "1"}, ReasonValidation},
		{"auth", &AuthenticationError{Operation: "fetch_item"}, "unauthorized"},
		{"network", &NetworkError{Operation: "fetch_item"}, "network"},
		{"other", errors.New("disk full"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Category(tt.err); got != tt.want {
				t.Errorf("Category() = %q, want %q", got, tt.want)
			}
		})
	}

	if !IsAlreadyObtained(fmt.Errorf("wrapped: %w", &AlreadyObtainedError{ItemID: "1"})) {
		t.Error("IsAlreadyObtained() should see through wrapping")
	}
}
