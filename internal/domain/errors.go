package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidTransition   = errors.New("invalid job state transition")
	ErrRetryExhausted      = errors.New("retry budget exhausted")
	ErrQueueFull           = errors.New("offline queue full")
	ErrOffline             = errors.New("network unavailable")
	ErrDuplicateOperation  = errors.New("duplicate operation")
	ErrNoJob               = errors.New("no job available")
)
