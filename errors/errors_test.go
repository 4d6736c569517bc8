package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"rate limited", ErrRateLimited, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"resource exhausted", ErrResourceExhausted, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"route not allowed", ErrRouteNotAllowed, true},
		{"checksum failed", ErrChecksumFailed, true},
		{"parsing failed", ErrParsingFailed, true},
		{"invalid data", ErrInvalidData, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := WrapInvalid(ErrRouteNotAllowed, "Sender", "NewDocument", "route validation")

	if !errors.Is(wrapped, ErrRouteNotAllowed) {
		t.Error("wrapped error should match ErrRouteNotAllowed via errors.Is")
	}

	var ce *ClassifiedError
	if !errors.As(wrapped, &ce) {
		t.Fatal("wrapped error should be a ClassifiedError")
	}
	if ce.Class != ErrorInvalid {
		t.Errorf("expected invalid class, got %s", ce.Class)
	}
	if ce.Component != "Sender" {
		t.Errorf("expected component Sender, got %s", ce.Component)
	}
}

func TestWrapFormat(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "Receiver", "Build", "concatenate fragments")
	want := "Receiver.Build: concatenate fragments failed: boom"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "C", "M", "a") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if WrapTransient(nil, "C", "M", "a") != nil {
		t.Error("WrapTransient(nil) should return nil")
	}
	if WrapInvalid(nil, "C", "M", "a") != nil {
		t.Error("WrapInvalid(nil) should return nil")
	}
	if WrapFatal(nil, "C", "M", "a") != nil {
		t.Error("WrapFatal(nil) should return nil")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults transient", nil, ErrorTransient},
		{"transient sentinel", ErrConnectionLost, ErrorTransient},
		{"fatal sentinel", ErrDataCorrupted, ErrorFatal},
		{"invalid sentinel", ErrChecksumFailed, ErrorInvalid},
		{"unknown defaults transient", fmt.Errorf("mystery"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestClassificationSurvivesWrapChain(t *testing.T) {
	inner := WrapInvalid(ErrChecksumFailed, "Fragment", "Validate", "fingerprint compare")
	outer := fmt.Errorf("receive pass: %w", inner)

	if !IsInvalid(outer) {
		t.Error("classification should survive fmt.Errorf wrapping")
	}
	if !strings.Contains(outer.Error(), "Fragment.Validate") {
		t.Error("component context should be present in the message")
	}
}
