package gateway

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// readingFieldCount is the number of integer fields in a telemetry line.
// The firmware emits one field beyond the documented layout; it is carried
// on the wire but unused.
const readingFieldCount = 21

// Reading is one decoded telemetry line from a sensor.
//
// A Reading is a value snapshot and is never mutated after decoding;
// callbacks receive their own copy.
type Reading struct {
	// SensorType identifies the sensor model family.
	SensorType int

	// SensorID is the two raw ID bytes rendered as four uppercase hex
	// digits, e.g. bytes 9 and 248 become "09F8". IDs are unique enough
	// for routing but the firmware does not guarantee global uniqueness.
	SensorID string

	// OnTime is the accumulated on-time counter in seconds.
	OnTime uint32

	// TotalTime is the accumulated total-time counter in seconds.
	TotalTime uint32

	// Energy is the accumulated energy counter.
	Energy uint32

	// Power is the current power draw.
	Power uint16

	// MaxPower is the maximum power draw the sensor has seen.
	MaxPower uint16

	// Resets counts sensor restarts.
	Resets uint8
}

// String returns a short human-readable form, e.g. "id=09F8 pw=42".
func (r Reading) String() string {
	return fmt.Sprintf("id=%s pw=%d", r.SensorID, r.Power)
}

// ParseReading decodes a telemetry line of the form
//
//	OK 9 248 1 ... [79 1F F0 ...]
//
// that is, the literal token "OK" followed by at least 21 whitespace
// separated byte values. Anything after the 21st value (the firmware
// appends a bracketed raw frame dump) is ignored.
//
// Field layout, 0-indexed after the leading OK: 0 sensor type, 1-2 sensor
// ID, 3-6 on-time, 7-10 total time, 11-14 energy, 15-16 power, 17-18 max
// power, 19 reset count. Multi-byte values are big-endian.
//
// The boolean result reports whether the line matched. A non-matching
// line is not an error; the gateway interleaves other output (info
// responses, debug chatter) with telemetry.
func ParseReading(line string) (Reading, bool) {
	fields := strings.Fields(line)
	if len(fields) < readingFieldCount+1 || fields[0] != "OK" {
		return Reading{}, false
	}

	data := make([]byte, readingFieldCount)
	for i := range data {
		v, err := strconv.ParseUint(fields[i+1], 10, 8)
		if err != nil {
			return Reading{}, false
		}
		data[i] = byte(v)
	}

	return Reading{
		SensorType: int(data[0]),
		SensorID:   fmt.Sprintf("%02X%02X", data[1], data[2]),
		OnTime:     binary.BigEndian.Uint32(data[3:7]),
		TotalTime:  binary.BigEndian.Uint32(data[7:11]),
		Energy:     binary.BigEndian.Uint32(data[11:15]),
		Power:      binary.BigEndian.Uint16(data[15:17]),
		MaxPower:   binary.BigEndian.Uint16(data[17:19]),
		Resets:     data[19],
	}, true
}
