package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrRouteNotFound   = errors.New("route not found")
	ErrRecordNotFound  = errors.New("booking record not found")
)

// NetworkError is a transport-level failure talking to the external ride
// service. It is surfaced rather than silently retried so every saga step
// stays individually observable.
type NetworkError struct {
	Op  string
	Err error
}

func (e NetworkError) Error() string { return fmt.Sprintf("%s: network error: %v", e.Op, e.Err) }
func (e NetworkError) Unwrap() error { return e.Err }

// AuthError means the account's credential was rejected. Fatal to a run.
type AuthError struct {
	AccountID string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("credential rejected for account %s", e.AccountID)
}

// RemoteRejected is an external business-rule rejection (outside service
// hours, outside boundary). The reason is surfaced verbatim to the operator.
type RemoteRejected struct {
	Reason string
}

func (e RemoteRejected) Error() string { return "rejected by ride service: " + e.Reason }
