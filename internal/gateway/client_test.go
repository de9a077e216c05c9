package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestClient builds an unconnected client for unit tests that do not
// need a socket.
func newTestClient() *Client {
	return &Client{
		cfg: Config{
			Host:         "test",
			Port:         81,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			InfoAttempts: 1,
		},
		registry: make(map[string][]callbackEntry),
		sensors:  make(map[string]Reading),
		scanExit: newCloseOnce(),
		done:     newCloseOnce(),
	}
}

func TestClientNotConnected(t *testing.T) {
	client := newTestClient()

	ctx := context.Background()

	if err := client.SendCommand(ctx, "v"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() = %v, want ErrNotConnected", err)
	}
	if _, err := client.QueryInfo(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("QueryInfo() = %v, want ErrNotConnected", err)
	}
	if err := client.SetLED(ctx, true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetLED() = %v, want ErrNotConnected", err)
	}
}

func TestClientCommandValidation(t *testing.T) {
	client := newTestClient()
	ctx := context.Background()

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name:    "negative frequency",
			call:    func() error { return client.SetFrequency(ctx, -1, 1) },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "channel zero",
			call:    func() error { return client.SetFrequency(ctx, 868300, 0) },
			wantErr: ErrInvalidChannel,
		},
		{
			name:    "channel three",
			call:    func() error { return client.SetDataRate(ctx, 17241, 3) },
			wantErr: ErrInvalidChannel,
		},
		{
			name:    "negative data rate",
			call:    func() error { return client.SetDataRate(ctx, -5, 1) },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "negative toggle interval",
			call:    func() error { return client.SetToggleInterval(ctx, -1, 1) },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "toggle mask above range",
			call:    func() error { return client.SetToggleMask(ctx, 8, 1) },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "negative toggle mask",
			call:    func() error { return client.SetToggleMask(ctx, -1, 2) },
			wantErr: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientStatsZero(t *testing.T) {
	client := newTestClient()
	client.lastActivity.Store(time.Now().Unix())

	stats := client.Stats()
	if stats.CommandsTx != 0 {
		t.Errorf("CommandsTx = %d, want 0", stats.CommandsTx)
	}
	if stats.LinesRx != 0 {
		t.Errorf("LinesRx = %d, want 0", stats.LinesRx)
	}
	if stats.Connected {
		t.Error("Connected = true, want false")
	}
	if stats.Scanning {
		t.Error("Scanning = true, want false")
	}
}

func TestClientDispatchOrder(t *testing.T) {
	client := newTestClient()

	var mu sync.Mutex
	var order []string
	record := func(label string) ReadingCallback {
		return func(_ Reading, _ any) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		}
	}

	client.RegisterAll(record("all"), nil)
	client.RegisterCallback("09F8", record("first"), nil)
	client.RegisterCallback("09F8", record("second"), nil)
	client.RegisterCallback("AAAA", record("other"), nil)

	client.dispatch(Reading{SensorID: "09F8"})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"all", "first", "second"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", order, want)
		}
	}
}

func TestClientDispatchUserData(t *testing.T) {
	client := newTestClient()

	got := make(chan any, 1)
	client.RegisterCallback("09F8", func(_ Reading, userData any) {
		got <- userData
	}, "payload")

	client.dispatch(Reading{SensorID: "09F8"})

	select {
	case data := <-got:
		if data != "payload" {
			t.Errorf("userData = %v, want \"payload\"", data)
		}
	default:
		t.Fatal("callback not invoked")
	}
}

func TestClientDispatchRecoversPanic(t *testing.T) {
	client := newTestClient()

	invoked := false
	client.RegisterAll(func(_ Reading, _ any) {
		panic("faulty listener")
	}, nil)
	client.RegisterCallback("09F8", func(_ Reading, _ any) {
		invoked = true
	}, nil)

	client.dispatch(Reading{SensorID: "09F8"})

	if !invoked {
		t.Error("per-id listener not invoked after catch-all panic")
	}
	if got := client.Stats().CallbackPanics; got != 1 {
		t.Errorf("CallbackPanics = %d, want 1", got)
	}
}

func TestClientRegisterAllReplaces(t *testing.T) {
	client := newTestClient()

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)

	client.RegisterAll(func(_ Reading, _ any) { first <- struct{}{} }, nil)
	client.RegisterAll(func(_ Reading, _ any) { second <- struct{}{} }, nil)

	client.dispatch(Reading{SensorID: "09F8"})

	select {
	case <-first:
		t.Error("replaced catch-all still invoked")
	default:
	}
	select {
	case <-second:
	default:
		t.Error("current catch-all not invoked")
	}

	// A nil callback clears the slot.
	client.RegisterAll(nil, nil)
	client.dispatch(Reading{SensorID: "09F8"})
	select {
	case <-second:
		t.Error("cleared catch-all still invoked")
	default:
	}
}

func TestClientLastReading(t *testing.T) {
	client := newTestClient()

	if _, ok := client.LastReading("09F8"); ok {
		t.Error("LastReading() found a reading on a fresh client")
	}

	client.storeReading(Reading{SensorID: "09F8", Power: 10})
	client.storeReading(Reading{SensorID: "09F8", Power: 20})
	client.storeReading(Reading{SensorID: "AAAA", Power: 5})

	r, ok := client.LastReading("09F8")
	if !ok {
		t.Fatal("LastReading() = false, want true")
	}
	if r.Power != 20 {
		t.Errorf("Power = %d, want 20 (latest wins)", r.Power)
	}

	sensors := client.Sensors()
	if len(sensors) != 2 {
		t.Errorf("Sensors() has %d entries, want 2", len(sensors))
	}

	// The returned map is a copy; mutating it must not affect the client.
	delete(sensors, "09F8")
	if _, ok := client.LastReading("09F8"); !ok {
		t.Error("mutating the Sensors() copy affected the client")
	}
}

// MockGatewayServer simulates a LaCrosse gateway for testing.
type MockGatewayServer struct {
	listener     net.Listener
	conn         net.Conn
	received     []string // raw command lines, trailing \n stripped
	infoResponse []string // lines written when the version query arrives
	mu           sync.Mutex
	done         chan struct{}
}

// NewMockGatewayServer creates a mock gateway listening on a loopback port.
func NewMockGatewayServer(t *testing.T) *MockGatewayServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	server := &MockGatewayServer{
		listener: listener,
		done:     make(chan struct{}),
	}

	go server.acceptLoop(t)
	return server
}

func (s *MockGatewayServer) acceptLoop(t *testing.T) {
	conn, err := s.listener.Accept()
	if err != nil {
		select {
		case <-s.done:
			return
		default:
			t.Logf("Accept error: %v", err)
		}
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}

		raw := strings.TrimSuffix(line, "\n")

		s.mu.Lock()
		s.received = append(s.received, raw)
		response := s.infoResponse
		s.mu.Unlock()

		if strings.TrimSuffix(raw, "\r") == "v" {
			for _, l := range response {
				conn.Write([]byte(l + "\r\n"))
			}
		}
	}
}

func (s *MockGatewayServer) Address() (host string, port int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// SetInfoResponse configures the lines written when "v" arrives.
func (s *MockGatewayServer) SetInfoResponse(lines ...string) {
	s.mu.Lock()
	s.infoResponse = lines
	s.mu.Unlock()
}

// Commands returns the raw command lines received so far.
func (s *MockGatewayServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// WaitForCommand polls until the raw command line arrives.
func (s *MockGatewayServer) WaitForCommand(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, got := range s.Commands() {
			if got == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("command %q not received, got %v", want, s.Commands())
}

// clientConn polls until the client connection is accepted.
func (s *MockGatewayServer) clientConn(t *testing.T) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no client connection")
	return nil
}

// SendLine writes one line to the connected client.
func (s *MockGatewayServer) SendLine(t *testing.T, line string) {
	t.Helper()
	conn := s.clientConn(t)
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("Failed to send line: %v", err)
	}
}

// CloseClientConn drops the client connection, simulating a gateway reboot.
func (s *MockGatewayServer) CloseClientConn(t *testing.T) {
	t.Helper()
	s.clientConn(t).Close()
}

func (s *MockGatewayServer) Close() {
	close(s.done)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.listener.Close()
}

// connectTestClient dials the mock server with short test timeouts.
func connectTestClient(t *testing.T, server *MockGatewayServer) *Client {
	t.Helper()

	host, port := server.Address()
	cfg := Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    500 * time.Millisecond,
		WriteTimeout:   time.Second,
	}

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return client
}

func TestClientConnect(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
}

func TestClientConnectFailure(t *testing.T) {
	cfg := Config{
		Host:           "127.0.0.1",
		Port:           1, // Nothing listens here
		ConnectTimeout: 500 * time.Millisecond,
	}

	_, err := Connect(context.Background(), cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() = %v, want ErrConnectionFailed", err)
	}
}

func TestClientConnectInvalidConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{Port: 81})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() = %v, want ErrConnectionFailed", err)
	}
}

func TestClientCommandEncoding(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	defer client.Close()

	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want string // raw wire form without the trailing \n
	}{
		{
			name: "frequency front-end 1",
			call: func() error { return client.SetFrequency(ctx, 868300, 1) },
			want: "868300f\r",
		},
		{
			name: "frequency front-end 2",
			call: func() error { return client.SetFrequency(ctx, 868950, 2) },
			want: "868950F\r",
		},
		{
			name: "data rate front-end 1",
			call: func() error { return client.SetDataRate(ctx, 17241, 1) },
			want: "17241r\r",
		},
		{
			name: "data rate front-end 2",
			call: func() error { return client.SetDataRate(ctx, 9579, 2) },
			want: "9579R\r",
		},
		{
			name: "toggle interval front-end 1",
			call: func() error { return client.SetToggleInterval(ctx, 60, 1) },
			want: "60t\r",
		},
		{
			name: "toggle interval front-end 2",
			call: func() error { return client.SetToggleInterval(ctx, 0, 2) },
			want: "0T\r",
		},
		{
			name: "toggle mask front-end 1",
			call: func() error { return client.SetToggleMask(ctx, 3, 1) },
			want: "3m\r",
		},
		{
			name: "toggle mask front-end 2",
			call: func() error { return client.SetToggleMask(ctx, 7, 2) },
			want: "7M\r",
		},
		{
			name: "led on",
			call: func() error { return client.SetLED(ctx, true) },
			want: "1a\r",
		},
		{
			name: "led off",
			call: func() error { return client.SetLED(ctx, false) },
			want: "0a\r",
		},
		{
			name: "raw command passthrough",
			call: func() error { return client.SendCommand(ctx, "512h") },
			want: "512h\r",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("command error: %v", err)
			}
			server.WaitForCommand(t, tt.want)
		})
	}

	stats := client.Stats()
	if stats.CommandsTx != uint64(len(tests)) {
		t.Errorf("CommandsTx = %d, want %d", stats.CommandsTx, len(tests))
	}
}

func TestClientSendCommandCancelledContext(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.SendCommand(ctx, "v"); !errors.Is(err, ErrCommandFailed) {
		t.Errorf("SendCommand() = %v, want ErrCommandFailed", err)
	}
}

func TestClientQueryInfo(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	// Telemetry interleaved before the info line, as the firmware does.
	server.SetInfoResponse(
		"OK 22 9 248 0 0 0 1 0 0 0 2 0 0 0 3 0 42 0 99 5 0",
		"KVP chatter that parses as nothing",
		"[LaCrosseGateway.V1.30 (1=RFM69 f:868300 r:17241) {IP=10.0.0.30}]",
	)

	client := connectTestClient(t, server)
	defer client.Close()

	info, err := client.QueryInfo(context.Background())
	if err != nil {
		t.Fatalf("QueryInfo() error: %v", err)
	}

	if info.Name != "LaCrosseGateway.V1" {
		t.Errorf("Name = %q, want %q", info.Name, "LaCrosseGateway.V1")
	}
	if info.RFM1Frequency != "868300" {
		t.Errorf("RFM1Frequency = %q, want %q", info.RFM1Frequency, "868300")
	}
	if info.RFM1DataRate != "17241" {
		t.Errorf("RFM1DataRate = %q, want %q", info.RFM1DataRate, "17241")
	}
}

func TestClientQueryInfoTimeout(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	// The mock never answers the version query.
	host, port := server.Address()
	cfg := Config{
		Host:           host,
		Port:           port,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    200 * time.Millisecond,
		InfoAttempts:   2,
	}

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	_, err = client.QueryInfo(context.Background())
	if !errors.Is(err, ErrProtocolTimeout) {
		t.Errorf("QueryInfo() = %v, want ErrProtocolTimeout", err)
	}

	// Both attempts re-sent the query.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := 0
		for _, c := range server.Commands() {
			if c == "v\r" {
				sent++
			}
		}
		if sent == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("version query sent %d times, want 2", sent)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientQueryInfoWhileScanning(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	defer client.Close()

	client.StartScan()

	if _, err := client.QueryInfo(context.Background()); !errors.Is(err, ErrScanActive) {
		t.Errorf("QueryInfo() = %v, want ErrScanActive", err)
	}
}

func TestClientScanDispatch(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	defer client.Close()

	all := make(chan Reading, 4)
	perID := make(chan Reading, 4)
	client.RegisterAll(func(r Reading, _ any) { all <- r }, nil)
	client.RegisterCallback("09F8", func(r Reading, _ any) { perID <- r }, nil)

	client.StartScan()

	server.SendLine(t, "OK 22 9 248 0 0 0 1 0 0 0 2 0 0 0 3 0 42 0 99 5 0")
	server.SendLine(t, "not telemetry at all")
	server.SendLine(t, "OK 22 170 170 0 0 0 1 0 0 0 2 0 0 0 3 0 7 0 99 5 0")

	// The catch-all sees both readings.
	for _, wantID := range []string{"09F8", "AAAA"} {
		select {
		case r := <-all:
			if r.SensorID != wantID {
				t.Errorf("catch-all got id %q, want %q", r.SensorID, wantID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for catch-all reading %q", wantID)
		}
	}

	// The per-id listener sees only its sensor.
	select {
	case r := <-perID:
		if r.SensorID != "09F8" {
			t.Errorf("per-id got id %q, want 09F8", r.SensorID)
		}
		if r.Power != 42 {
			t.Errorf("per-id got power %d, want 42", r.Power)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for per-id reading")
	}
	select {
	case r := <-perID:
		t.Errorf("per-id listener got unexpected reading %v", r)
	default:
	}

	// Latest readings are retained per sensor.
	if r, ok := client.LastReading("AAAA"); !ok || r.Power != 7 {
		t.Errorf("LastReading(AAAA) = %v, %v", r, ok)
	}

	stats := client.Stats()
	if stats.ReadingsRx != 2 {
		t.Errorf("ReadingsRx = %d, want 2", stats.ReadingsRx)
	}
	if stats.LinesRx < 3 {
		t.Errorf("LinesRx = %d, want at least 3", stats.LinesRx)
	}
	if !stats.Scanning {
		t.Error("Scanning = false while scan loop runs")
	}
}

func TestClientStartScanIdempotent(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	defer client.Close()

	deliveries := make(chan struct{}, 8)
	client.RegisterAll(func(_ Reading, _ any) { deliveries <- struct{}{} }, nil)

	client.StartScan()
	client.StartScan()

	server.SendLine(t, "OK 22 9 248 0 0 0 1 0 0 0 2 0 0 0 3 0 42 0 99 5 0")

	select {
	case <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	// A second loop would deliver the line twice.
	select {
	case <-deliveries:
		t.Error("reading delivered more than once")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClientCloseUnblocksScan(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	client.StartScan()

	// No traffic flows; the loop is blocked in a read.
	closed := make(chan struct{})
	go func() {
		client.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return while scan loop was blocked")
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Close()")
	}

	if err := client.Err(); err != nil {
		t.Errorf("Err() = %v after clean Close, want nil", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	// Idempotent.
	if err := client.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestClientCloseWithoutScan(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)

	if err := client.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Close() without scan")
	}

	// The loop must not start on a closed session.
	client.StartScan()
	if client.Stats().Scanning {
		t.Error("Scanning = true after StartScan on closed session")
	}
}

func TestClientScanTerminalError(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	client := connectTestClient(t, server)
	defer client.Close()

	client.StartScan()
	server.CloseClientConn(t)

	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done() not closed after the peer dropped the connection")
	}

	if err := client.Err(); err == nil {
		t.Error("Err() = nil after terminal read failure")
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after terminal read failure")
	}

	// Writes now refuse cleanly.
	if err := client.SendCommand(context.Background(), "v"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() = %v, want ErrNotConnected", err)
	}
}

func TestClientQueryInfoThenScan(t *testing.T) {
	server := NewMockGatewayServer(t)
	defer server.Close()

	server.SetInfoResponse("[LaCrosseGateway.V1.30 (1=RFM69 f:868300 t:30~3) {IP=10.0.0.30}]")

	client := connectTestClient(t, server)
	defer client.Close()

	info, err := client.QueryInfo(context.Background())
	if err != nil {
		t.Fatalf("QueryInfo() error: %v", err)
	}
	if info.RFM1ToggleInterval != "30" || info.RFM1ToggleMask != "3" {
		t.Errorf("toggle = %q~%q, want 30~3", info.RFM1ToggleInterval, info.RFM1ToggleMask)
	}

	readings := make(chan Reading, 1)
	client.RegisterAll(func(r Reading, _ any) { readings <- r }, nil)
	client.StartScan()

	server.SendLine(t, "OK 22 9 248 0 0 0 1 0 0 0 2 0 0 0 3 0 42 0 99 5 0")

	select {
	case r := <-readings:
		if r.SensorID != "09F8" {
			t.Errorf("SensorID = %q, want 09F8", r.SensorID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reading after QueryInfo")
	}
}
