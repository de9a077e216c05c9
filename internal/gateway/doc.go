// Package gateway implements the TCP client for LaCrosse/JeeLink radio
// sensor gateways.
//
// A gateway is a small network device carrying one or two RFM radio
// front-ends. It receives transmissions from LaCrosse-compatible sensors
// (power meters, weather sensors) and republishes each one as a plain-text
// line over TCP. This package speaks that protocol: it configures the
// radios, decodes the telemetry stream and routes readings to registered
// listeners.
//
// # Architecture
//
//	┌─────────────┐   radio    ┌─────────────────┐    TCP     ┌─────────────────┐
//	│   Sensors   │ ─────────► │ LaCrosse        │ ◄────────► │  gateway.Client │
//	│  (868 MHz)  │            │ Gateway         │  text      │  (this pkg)     │
//	└─────────────┘            └─────────────────┘  lines     └─────────────────┘
//
// The protocol is line-oriented in both directions. Commands are short
// letter-coded strings terminated by CRLF ("868300f" tunes front-end 1 to
// 868.300 MHz); responses and telemetry are newline-terminated lines. A
// telemetry line starts with "OK" followed by the raw payload bytes in
// decimal; ParseReading reassembles the multi-byte counters.
//
// # Key Responsibilities
//
//   - Dial the gateway and manage one session per Client
//   - Encode configuration commands (frequency, data rate, toggle
//     settings, LED)
//   - Query the firmware identity and radio configuration
//   - Run the scan loop: read, decode and dispatch telemetry
//   - Track the latest reading per sensor id
//
// # Usage
//
// A typical session configures the radio, then scans:
//
//	client, err := gateway.Connect(ctx, gateway.Config{Host: "10.0.0.30", Port: 81})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	info, err := client.QueryInfo(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(info)
//
//	client.RegisterAll(func(r gateway.Reading, _ any) {
//	    fmt.Println(r)
//	}, nil)
//	client.StartScan()
//
// QueryInfo reads the socket synchronously and must run before StartScan;
// once the scan loop owns the reads it returns ErrScanActive.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Reading callbacks run
// synchronously on the scan goroutine, one at a time.
//
// # References
//
//   - LaCrosseGateway firmware: https://wiki.fhem.de/wiki/LaCrosseGateway
//   - JeeLink/LaCrosseITPlusReader sketch: https://svn.fhem.de/fhem/trunk/fhem/contrib/arduino
package gateway
