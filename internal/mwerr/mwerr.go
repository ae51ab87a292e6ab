// Package mwerr defines the sentinel errors shared across the middleware
// packages.
package mwerr

import "errors"

var (
	// ErrInvalidArgument marks a null required field or a malformed id.
	ErrInvalidArgument = errors.New("mw: invalid argument")
	// ErrTransport marks a connect/send/disconnect failure.
	ErrTransport = errors.New("mw: transport failure")
	// ErrTimeout marks a blocking call that exceeded its deadline.
	ErrTimeout = errors.New("mw: blocking call timed out")
	// ErrNotFound marks a lookup for an unknown endpoint id or mapping.
	ErrNotFound = errors.New("mw: not found")
	// ErrAccessDenied marks a message dropped by access-subject enforcement.
	ErrAccessDenied = errors.New("mw: access denied")
)

// Code maps an error to the original protocol's negative-integer status
// codes, for dispatch handlers whose return kind is int.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument):
		return -2
	case errors.Is(err, ErrTransport):
		return -1
	case errors.Is(err, ErrNotFound):
		return -2
	default:
		return -1
	}
}
