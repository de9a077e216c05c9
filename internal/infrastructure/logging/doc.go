// Package logging wraps log/slog for lacrossegw.
//
// Records go to stderr by default so stdout stays reserved for command
// output (scanned readings, the sensor listing). The text handler is the
// default; json is available for machine consumption. Every record
// carries service and version attributes.
//
// Configured from the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text, json
//	  output: "stderr"   # stderr, stdout
//
// Usage:
//
//	log := logging.New(cfg.Logging, version)
//	log.Info("gateway connected", "address", addr)
//	log.With("component", "scan").Debug("line received", "line", line)
package logging
