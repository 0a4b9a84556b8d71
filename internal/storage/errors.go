package storage

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRunNotFound     = errors.New("run not found")
	ErrRequestNotFound = errors.New("user input request not found")
	ErrRequestClosed   = errors.New("user input request is no longer pending")
	ErrInvalidData     = errors.New("invalid data")
)
