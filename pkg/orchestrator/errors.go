package orchestrator

import "errors"

// Pre-stream failures, mapped to HTTP statuses by the transport layer.
var (
	// ErrEmptyMessage reports a request without user text (400).
	ErrEmptyMessage = errors.New("message content is required")

	// ErrInvalidConversation reports a malformed conversation id (400).
	ErrInvalidConversation = errors.New("invalid conversation id")

	// ErrConversationNotFound reports a missing or foreign conversation (404).
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrUnknownModel reports a model no provider serves (400).
	ErrUnknownModel = errors.New("unknown model")

	// ErrModelNotAllowed reports a model outside the tenant's allowlist (400).
	ErrModelNotAllowed = errors.New("model not allowed for tenant")
)
