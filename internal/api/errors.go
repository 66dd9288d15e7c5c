package api

import "errors"

var (
	ErrRateLimited      = errors.New("rate limited by API")
	ErrAuthExpired      = errors.New("authorization rejected after token refresh")
	ErrExhausted        = errors.New("max retries exceeded")
	ErrCursorExpired    = errors.New("cursor is too old")
	ErrUnexpectedStatus = errors.New("unexpected status")
)
