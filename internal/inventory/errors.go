package inventory

import "errors"

var (
	// ErrSensorNotFound is returned when a sensor ID does not exist.
	ErrSensorNotFound = errors.New("sensor not found")
)
