package inventory

import "time"

// Sensor is one radio sensor observed by the gateway.
//
// The ID is the four-hex-digit address derived from the sensor's two id
// bytes. It stays stable across battery changes for most sensor models,
// so the inventory survives restarts of both gateway and sensors.
type Sensor struct {
	ID        string    `json:"id"`
	Type      int       `json:"type"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
