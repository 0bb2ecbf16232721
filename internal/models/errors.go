package models

import "errors"

// Error kinds surfaced by the engine. Callers match with errors.Is.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrIndexCorruption      = errors.New("index corruption")
	ErrProviderTimeout      = errors.New("provider timeout")
	ErrProviderExhausted    = errors.New("all providers failed")
	ErrCancelled            = errors.New("cancellation requested")
)
