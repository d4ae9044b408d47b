package errors

import "github.com/pkg/errors"

var (
	// configuration errors
	ErrConfigMissing   = errors.New("protocol is not configured for this account")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")

	// connection errors
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionTimeout = errors.New("connection timeout")

	// protocol errors
	ErrBadGreeting    = errors.New("invalid server greeting")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrServerRejected = errors.New("server rejected command")

	// message errors
	ErrParse = errors.New("failed to parse message")
)
