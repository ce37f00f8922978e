// Package storage persists chat messages per authenticated user.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lumenwell/serenity/backend/internal/model/chat"
)

var (
	// ErrUnauthenticated is returned when no user id is available.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrGateway matches every *GatewayError.
	ErrGateway = errors.New("gateway error")
	// ErrInvalidMessage rejects messages that cannot be stored.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrDuplicateMessage rejects an id that is already stored. Ids are
	// unique across the whole store, not per user.
	ErrDuplicateMessage = errors.New("duplicate message id")
)

// Gateway is the row store behind a conversation.
type Gateway interface {
	// LoadHistory returns the user's messages ordered by CreatedAt. A user
	// without history gets an empty slice.
	LoadHistory(ctx context.Context, userID string) ([]chat.Message, error)
	// Append stores one message for the user. A repeated id fails with
	// ErrDuplicateMessage.
	Append(ctx context.Context, userID string, msg chat.Message) error
	// ClearAll deletes every message owned by the user.
	ClearAll(ctx context.Context, userID string) error
}

// GatewayError wraps a storage or transport failure.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrGateway) match any gateway failure.
func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

// Wrap converts a backend error into a *GatewayError. Nil stays nil and
// sentinel errors of this package pass through untouched.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrDuplicateMessage) {
		return err
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	return &GatewayError{Op: op, Err: err}
}

// RequireUser validates the owner id shared by all operations.
func RequireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	return nil
}

// ValidateMessage checks a message before it is written.
func ValidateMessage(msg chat.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("%w: unsupported role %q", ErrInvalidMessage, msg.Role)
	}
	return nil
}
