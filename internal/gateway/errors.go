package gateway

import "errors"

// Domain errors for the gateway client package.
var (
	// ErrConnectionFailed is returned when the TCP connection to the
	// gateway cannot be established.
	ErrConnectionFailed = errors.New("gateway: connection failed")

	// ErrNotConnected is returned when an operation requires a live
	// connection but the session has been closed or has failed.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrCommandFailed is returned when writing a command to the gateway
	// fails. A partial write leaves the command stream in an unknown
	// state, so the session is marked disconnected.
	ErrCommandFailed = errors.New("gateway: command send failed")

	// ErrInvalidChannel is returned when a command targets a radio
	// front-end other than 1 or 2.
	ErrInvalidChannel = errors.New("gateway: invalid radio channel")

	// ErrInvalidValue is returned when a command argument is outside the
	// range the firmware accepts.
	ErrInvalidValue = errors.New("gateway: invalid command value")

	// ErrProtocolTimeout is returned when the gateway does not produce a
	// parseable info line within the configured number of query attempts.
	ErrProtocolTimeout = errors.New("gateway: no info response from device")

	// ErrScanActive is returned by QueryInfo while the scan loop owns the
	// socket reads.
	ErrScanActive = errors.New("gateway: scan active")

	// ErrSessionClosed is returned when an operation is interrupted by
	// Close.
	ErrSessionClosed = errors.New("gateway: session closed")
)
