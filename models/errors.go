package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every pipeline failure wraps exactly one of these.
var (
	ErrInput     = errors.New("input error")
	ErrDecode    = errors.New("decode error")
	ErrInference = errors.New("inference error")
	ErrGeometry  = errors.New("geometry error")
)

type ProcessingError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is matches the error kind, so errors.Is(err, ErrGeometry) works through wrapping.
func (e *ProcessingError) Is(target error) bool {
	return e.Kind == target
}

func NewInputError(msg string, cause error) error {
	return &ProcessingError{Kind: ErrInput, Message: msg, Cause: cause}
}

func NewDecodeError(msg string, cause error) error {
	return &ProcessingError{Kind: ErrDecode, Message: msg, Cause: cause}
}

func NewInferenceError(msg string, cause error) error {
	return &ProcessingError{Kind: ErrInference, Message: msg, Cause: cause}
}

func NewGeometryError(msg string, cause error) error {
	return &ProcessingError{Kind: ErrGeometry, Message: msg, Cause: cause}
}
