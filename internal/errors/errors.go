package errors

import "errors"

// Centralized sentinel errors for the application. Services return these
// instead of transport-specific failures; the API layer maps them onto HTTP
// status codes with errors.Is, keeping business logic free of HTTP concerns.

var (
	// ErrNotFound signifies that a requested resource could not be located.
	// Mapped to 404 Not Found.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that client-provided input failed business rule
	// validation. Mapped to 400 Bad Request.
	ErrValidation = errors.New("validation failed")

	// ErrConflict signifies that an operation conflicts with the current state
	// of a resource, such as sending to a conversation that already has a
	// response in flight. Mapped to 409 Conflict.
	ErrConflict = errors.New("resource conflict")

	// ErrInternal signifies an unexpected server-side failure. Used to avoid
	// leaking implementation details to the client. Mapped to 500.
	ErrInternal = errors.New("internal server error")
)
