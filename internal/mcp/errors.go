// Package mcp exposes the vault search engine over the Model Context
// Protocol so AI clients can query notes through typed tools.
package mcp

import (
	"errors"

	"github.com/leeparayno/obsidx/internal/xerr"
)

// JSON-RPC error codes used by the tools.
const (
	ErrCodeInvalidParams = -32602
	ErrCodeInternalError = -32603

	// ErrCodeNoteNotFound indicates the requested note is not indexed.
	ErrCodeNoteNotFound = -32001

	// ErrCodeModelUnavailable indicates the model backend is down and the
	// operation could not degrade.
	ErrCodeModelUnavailable = -32002

	// ErrCodeIndexCorrupt indicates stored content failed hash verification.
	ErrCodeIndexCorrupt = -32003
)

// Error is an MCP protocol error with a JSON-RPC code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewInvalidParamsError creates an invalid-parameters error.
func NewInvalidParamsError(message string) *Error {
	return &Error{Code: ErrCodeInvalidParams, Message: message}
}

// MapError converts internal errors to protocol errors.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr
	}

	switch xerr.KindOf(err) {
	case xerr.KindNotFound:
		return &Error{Code: ErrCodeNoteNotFound, Message: err.Error()}
	case xerr.KindModelUnavailable:
		return &Error{Code: ErrCodeModelUnavailable, Message: err.Error()}
	case xerr.KindIndexCorrupt:
		return &Error{Code: ErrCodeIndexCorrupt, Message: err.Error()}
	default:
		return &Error{Code: ErrCodeInternalError, Message: err.Error()}
	}
}
