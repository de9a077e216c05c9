package gateway

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Default connection parameters. Zero-valued Config fields are replaced
// with these at connect time.
const (
	// defaultConnectTimeout is the maximum time to wait for the TCP
	// connection to the gateway.
	defaultConnectTimeout = 10 * time.Second

	// defaultReadTimeout bounds a single socket read. The scan loop
	// treats an expired read deadline as "no traffic yet" and keeps
	// waiting; QueryInfo treats it as a failed attempt.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout bounds a single command write.
	defaultWriteTimeout = 5 * time.Second

	// defaultInfoAttempts is how many times QueryInfo re-sends the
	// version query before giving up.
	defaultInfoAttempts = 3

	// infoLinesPerAttempt is how many lines QueryInfo inspects after
	// each version query. The gateway interleaves telemetry with the
	// info response, so several lines may arrive first.
	infoLinesPerAttempt = 10
)

// Config holds gateway connection configuration.
type Config struct {
	// Host is the gateway hostname or IP address.
	Host string

	// Port is the gateway TCP port.
	Port int

	// ConnectTimeout is the maximum time to wait for the connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is the deadline applied to individual socket reads.
	// Default: 30 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the deadline applied to command writes.
	// Default: 5 seconds.
	WriteTimeout time.Duration

	// InfoAttempts is the number of times QueryInfo re-sends the
	// version query before returning ErrProtocolTimeout. Default: 3.
	InfoAttempts int
}

// applyDefaults fills zero-valued fields with package defaults.
func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.InfoAttempts == 0 {
		c.InfoAttempts = defaultInfoAttempts
	}
}

// Validate checks the configuration and returns an error describing every
// problem found.
func (c Config) Validate() error {
	var errs []string

	if c.Host == "" {
		errs = append(errs, "host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be 1-65535, got %d", c.Port))
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, "timeouts must not be negative")
	}
	if c.InfoAttempts < 0 {
		errs = append(errs, "info attempts must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("gateway config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Address returns the dial target in host:port form.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
