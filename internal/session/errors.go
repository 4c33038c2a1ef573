package session

import (
	"errors"
	"fmt"
)

// Precondition violations. These are rejected synchronously and leave the session unchanged.
var (
	ErrAlreadyStarted = errors.New("test already started")
	ErrNotStarted     = errors.New("test has not started")
	ErrCompleted      = errors.New("test is already completed")
	ErrExpired        = errors.New("time is up")
	ErrFetchPending   = errors.New("a question is still loading")
	ErrFinishing      = errors.New("test is being submitted")
	ErrNotCurrent     = errors.New("answer index is not the current question")
	ErrInvalidAnswer  = errors.New("answer is not one of the options")
	ErrNoAnswer       = errors.New("current question has no answer")
	ErrFirstQuestion  = errors.New("already at the first question")
	ErrIncomplete     = errors.New("not every question has been answered")
)

// GenerationError reports that the question provider failed or returned an
// unusable question.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError reports that the completion write was rejected by the store.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("save test: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
