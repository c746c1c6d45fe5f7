// Package service implements the coinflip settlement engine.
package service

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for transport-level mapping.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindAuthorization  Kind = "authorization"
	KindInfrastructure Kind = "infrastructure"
)

// Error is a typed engine error. Validation errors are rejected before any
// lock is taken; conflicts surface either fast at lock acquisition or late
// at transactional re-validation, and either path rolls back all partial
// work.
type Error struct {
	Kind Kind
	Code string
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf extracts the Kind of an error, defaulting to infrastructure for
// anything untyped.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// CodeOf extracts the machine-readable code of an error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

func infraError(msg string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Code: "internal", msg: msg, err: err}
}

// Engine errors.
var (
	ErrEmptyItems      = newError(KindValidation, "empty_items", "items list is empty")
	ErrDuplicateItems  = newError(KindValidation, "duplicate_items", "duplicate item instance ids")
	ErrTooManyItems    = newError(KindValidation, "too_many_items", "too many items")
	ErrInvalidItems    = newError(KindValidation, "invalid_items", "one or more items lack a positive value")
	ErrInvalidSide     = newError(KindValidation, "invalid_side", "side must be heads or tails")
	ErrValueOutOfRange = newError(KindValidation, "value_out_of_range", "stake value outside join range")

	ErrGameNotFound  = newError(KindNotFound, "game_not_found", "game not found")
	ErrUserNotFound  = newError(KindNotFound, "user_not_found", "user not found")
	ErrItemsNotOwned = newError(KindNotFound, "items_not_owned", "items missing from inventory")

	ErrItemsLocked   = newError(KindConflict, "items_locked", "items locked by another transaction")
	ErrStaleItems    = newError(KindConflict, "stale_items", "item state changed since read")
	ErrAlreadyJoined = newError(KindConflict, "already_joined", "game already has a joiner")
	ErrGameNotActive = newError(KindConflict, "game_not_active", "game is not active")

	ErrOwnGame    = newError(KindAuthorization, "own_game", "cannot join your own game")
	ErrNotCreator = newError(KindAuthorization, "not_creator", "only the creator can cancel a game")
)
