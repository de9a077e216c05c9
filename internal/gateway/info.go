package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// infoPattern matches the firmware's response to the version query, e.g.
//
//	[LaCrosseITPlusReader.Gateway.1.35 (1=RFM69 f:868300 r:8) {IP=192.168.178.40}]
//
// Only the first radio front-end is described in this format; gateways with
// a second front-end do not report it here.
var infoPattern = regexp.MustCompile(`^\[(\w+\.\w+).(.*) \(1=(\w+) (\w+):(\d+) (.*)\) \{IP=(.*)\}\]`)

// DeviceInfo is the decoded gateway identity and radio configuration.
//
// All fields are strings taken verbatim from the wire; the empty string
// means the field was absent. Exactly one of RFM1DataRate or the
// RFM1ToggleInterval/RFM1ToggleMask pair is populated, selected by the
// mode discriminator in the response. The zero value is a fully absent
// DeviceInfo.
type DeviceInfo struct {
	// Name is the firmware name, e.g. "LaCrosseITPlusReader.Gateway".
	Name string

	// Version is the firmware version, e.g. "1.35".
	Version string

	// Address is the IP address the gateway reports for itself.
	Address string

	// RFM1Name is the radio front-end chip name, e.g. "RFM69".
	RFM1Name string

	// RFM1Frequency is the tuned frequency in kHz.
	RFM1Frequency string

	// RFM1DataRate is the fixed data rate, set when the front-end
	// reports mode "r".
	RFM1DataRate string

	// RFM1ToggleInterval and RFM1ToggleMask are set when the front-end
	// reports toggle mode "t" (cycling between data rates).
	RFM1ToggleInterval string
	RFM1ToggleMask     string
}

// String returns a compact single-line form, e.g.
// "LaCrosseITPlusReader.Gateway.1.35 RFM69 f:868300 r:8 ip:192.168.178.40".
func (d DeviceInfo) String() string {
	if d.Name == "" {
		return "unknown device"
	}

	var b strings.Builder
	b.WriteString(d.Name)
	b.WriteString(".")
	b.WriteString(d.Version)
	if d.RFM1Name != "" {
		fmt.Fprintf(&b, " %s f:%s", d.RFM1Name, d.RFM1Frequency)
	}
	if d.RFM1DataRate != "" {
		fmt.Fprintf(&b, " r:%s", d.RFM1DataRate)
	}
	if d.RFM1ToggleInterval != "" {
		fmt.Fprintf(&b, " t:%s~%s", d.RFM1ToggleInterval, d.RFM1ToggleMask)
	}
	if d.Address != "" {
		fmt.Fprintf(&b, " ip:%s", d.Address)
	}
	return b.String()
}

// ParseInfo decodes a version/config response line.
//
// The mode discriminator selects how the trailing value is interpreted:
// "r" carries a fixed data rate, "t" carries "interval~mask" toggle
// settings. An unknown discriminator, an empty value or a structural
// mismatch yields (DeviceInfo{}, false); a partially decoded result is
// never returned.
func ParseInfo(line string) (DeviceInfo, bool) {
	m := infoPattern.FindStringSubmatch(line)
	if m == nil {
		return DeviceInfo{}, false
	}

	info := DeviceInfo{
		Name:          m[1],
		Version:       m[2],
		Address:       m[7],
		RFM1Name:      m[3],
		RFM1Frequency: m[5],
	}

	mode, value, found := strings.Cut(m[6], ":")
	if !found || value == "" {
		return DeviceInfo{}, false
	}

	switch mode {
	case "r":
		info.RFM1DataRate = value
	case "t":
		interval, mask, found := strings.Cut(value, "~")
		if !found || interval == "" || mask == "" {
			return DeviceInfo{}, false
		}
		info.RFM1ToggleInterval = interval
		info.RFM1ToggleMask = mask
	default:
		return DeviceInfo{}, false
	}

	return info, true
}
