package handler

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrGeneration       = errors.New("image generation failed")
)

// paramError carries the message shown to the client for a rejected field.
type paramError struct {
	detail string
	err    error
}

func invalid(detail string, err error) error {
	return &paramError{detail: detail, err: err}
}

func (e *paramError) Error() string {
	return "invalid parameter: " + e.err.Error()
}

func (e *paramError) Unwrap() error {
	return e.err
}

func (e *paramError) Is(target error) bool {
	return target == ErrInvalidParameter
}

type generationError struct {
	err error
}

func (e *generationError) Error() string {
	return "image generation failed: " + e.err.Error()
}

func (e *generationError) Unwrap() error {
	return e.err
}

func (e *generationError) Is(target error) bool {
	return target == ErrGeneration
}
