package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTouchpoint = errors.New("invalid touchpoint")
	ErrInvalidPolicy     = errors.New("invalid attribution policy")
	ErrInvalidDecision   = errors.New("invalid attribution decision")
	ErrInvalidConversion = errors.New("invalid conversion")
)

// FieldError represents a single field's validation error
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidationError collects field errors for one payload
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		return e.Fields[0].Error()
	}
	return fmt.Sprintf("%d fields failed validation", len(e.Fields))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidTouchpoint }

// ByField groups messages by field name, the shape problem responses use
func (e *ValidationError) ByField() map[string][]string {
	out := make(map[string][]string, len(e.Fields))
	for _, fe := range e.Fields {
		out[fe.Field] = append(out[fe.Field], fe.Msg)
	}
	return out
}
