// lacrossegw - LaCrosse Gateway sensor CLI
//
// Command line tool for the LaCrosseGateway network service. It streams
// sensor readings, queries device information, adjusts radio settings and
// keeps a local inventory of every sensor ever seen on air.
//
// Usage:
//
//	lacrossegw [flags] <command> [args]
//
// Commands:
//
//	scan     print readings from all sensors as they arrive
//	info     query device information
//	led      set the traffic LED state (on|off)
//	sensors  list sensors recorded in the inventory
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/lacrosse-gateway/migrations"

	"github.com/nerrad567/lacrosse-gateway/internal/gateway"
	"github.com/nerrad567/lacrosse-gateway/internal/infrastructure/config"
	"github.com/nerrad567/lacrosse-gateway/internal/infrastructure/database"
	"github.com/nerrad567/lacrosse-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/lacrosse-gateway/internal/inventory"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// cliFlags holds the parsed command line options. Radio settings default
// to -1 meaning "leave the gateway as it is"; zero is a valid value for
// toggle interval and toggle mask.
type cliFlags struct {
	configPath  string
	host        string
	port        int
	verbose     bool
	showVersion bool

	frequency1      int
	frequency2      int
	dataRate1       int
	dataRate2       int
	toggleInterval1 int
	toggleInterval2 int
	toggleMask1     int
	toggleMask2     int
}

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	// This is the Go pattern for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean exit, or error describing failure
func run(ctx context.Context) error {
	flags := parseFlags()

	if flags.showVersion {
		fmt.Printf("lacrossegw %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()

	cfg, err := loadConfig(flags, log)
	if err != nil {
		return err
	}

	// Command line overrides
	if flags.host != "" {
		cfg.Gateway.Host = flags.host
	}
	if flags.port != 0 {
		cfg.Gateway.Port = flags.port
	}
	if flags.verbose {
		cfg.Logging.Level = "debug"
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("no command given")
	}

	// The sensors command reads the local inventory and needs no gateway
	// connection.
	if args[0] == "sensors" {
		return runSensors(ctx, cfg, log)
	}

	session, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			log.Error("error closing session", "error", closeErr)
		}
	}()

	// Apply any radio settings given on the command line before the
	// command itself runs, matching the order settings are flagged in.
	if err := applyRadioSettings(ctx, session, flags); err != nil {
		return err
	}

	switch args[0] {
	case "scan":
		return runScan(ctx, cfg, session, log)
	case "info":
		return runInfo(ctx, session, log)
	case "led":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			return fmt.Errorf("led command requires a state argument: on or off")
		}
		if err := session.SetLED(ctx, args[1] == "on"); err != nil {
			return fmt.Errorf("setting led: %w", err)
		}
		log.Info("traffic led set", "state", args[1])
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// parseFlags defines and parses all command line flags.
// The short radio flags mirror the gateway's own command letters:
// lowercase acts on RFM1, uppercase on RFM2.
func parseFlags() *cliFlags {
	f := &cliFlags{}
	flag.StringVar(&f.configPath, "config", "", "path to the config file (default "+defaultConfigPath+")")
	flag.StringVar(&f.host, "host", "", "gateway host name or ip address")
	flag.IntVar(&f.port, "port", 0, "gateway data port")
	flag.BoolVar(&f.verbose, "v", false, "enable debug logging")
	flag.BoolVar(&f.showVersion, "version", false, "print version and exit")
	flag.IntVar(&f.frequency1, "f", -1, "set the frequency for RFM1 in kHz")
	flag.IntVar(&f.frequency2, "F", -1, "set the frequency for RFM2 in kHz")
	flag.IntVar(&f.dataRate1, "r", -1, "set the data rate for RFM1")
	flag.IntVar(&f.dataRate2, "R", -1, "set the data rate for RFM2")
	flag.IntVar(&f.toggleInterval1, "t", -1, "set the toggle interval for RFM1 in seconds")
	flag.IntVar(&f.toggleInterval2, "T", -1, "set the toggle interval for RFM2 in seconds")
	flag.IntVar(&f.toggleMask1, "m", -1, "set the toggle mask for RFM1 (OR of 1=17.241, 2=9.579, 4=8.842 kbps)")
	flag.IntVar(&f.toggleMask2, "M", -1, "set the toggle mask for RFM2 (OR of 1=17.241, 2=9.579, 4=8.842 kbps)")
	flag.Usage = usage
	flag.Parse()
	return f
}

// usage prints command line help including the available commands.
func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: lacrossegw [flags] <command> [args]\n\n")
	fmt.Fprintf(out, "Commands:\n")
	fmt.Fprintf(out, "  scan          print readings from all sensors as they arrive\n")
	fmt.Fprintf(out, "  info          query device information\n")
	fmt.Fprintf(out, "  led <on|off>  set the traffic LED state\n")
	fmt.Fprintf(out, "  sensors       list sensors recorded in the inventory\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

// loadConfig resolves the configuration file path and loads it.
//
// An explicitly named file (flag or LACROSSEGW_CONFIG) must exist. The
// default path is optional: when nothing is there the built-in defaults
// are used and the gateway host has to come from the command line.
func loadConfig(flags *cliFlags, log *logging.Logger) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = os.Getenv("LACROSSEGW_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			log.Debug("no config file found, using defaults", "path", defaultConfigPath)
			return config.Default(), nil
		}
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)
	return cfg, nil
}

// connect dials the gateway using the settings from config.
func connect(ctx context.Context, cfg *config.Config, log *logging.Logger) (*gateway.Client, error) {
	if cfg.Gateway.Host == "" {
		return nil, fmt.Errorf("missing gateway host: set -host or gateway.host in config")
	}

	gwCfg := gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		ConnectTimeout: cfg.GetConnectTimeout(),
		ReadTimeout:    cfg.GetReadTimeout(),
		WriteTimeout:   cfg.GetWriteTimeout(),
		InfoAttempts:   cfg.Gateway.InfoAttempts,
	}

	session, err := gateway.Connect(ctx, gwCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}
	session.SetLogger(log)
	log.Info("gateway connected", "address", gwCfg.Address())
	return session, nil
}

// applyRadioSettings applies radio options from the command line.
// Values below zero were not given and leave the gateway untouched.
func applyRadioSettings(ctx context.Context, session gateway.Session, flags *cliFlags) error {
	settings := []struct {
		value   int
		channel int
		name    string
		apply   func(context.Context, int, int) error
	}{
		{flags.frequency1, 1, "frequency", session.SetFrequency},
		{flags.frequency2, 2, "frequency", session.SetFrequency},
		{flags.dataRate1, 1, "data rate", session.SetDataRate},
		{flags.dataRate2, 2, "data rate", session.SetDataRate},
		{flags.toggleMask1, 1, "toggle mask", session.SetToggleMask},
		{flags.toggleMask2, 2, "toggle mask", session.SetToggleMask},
		{flags.toggleInterval1, 1, "toggle interval", session.SetToggleInterval},
		{flags.toggleInterval2, 2, "toggle interval", session.SetToggleInterval},
	}

	for _, s := range settings {
		if s.value < 0 {
			continue
		}
		if err := s.apply(ctx, s.value, s.channel); err != nil {
			return fmt.Errorf("setting %s on channel %d: %w", s.name, s.channel, err)
		}
	}
	return nil
}

// runScan streams readings to stdout until interrupted.
//
// Each reading is printed on its own line with the sensor name from config
// appended:
//
//	id=09F8 pw=42 name=washing machine
//
// When the inventory is enabled every sighting is recorded, so the sensors
// command can list what has been on air even long after the scan stopped.
func runScan(ctx context.Context, cfg *config.Config, session gateway.Session, log *logging.Logger) error {
	var repo inventory.Repository
	known := make(map[string]bool)

	if cfg.Inventory.Enabled {
		db, err := openInventory(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing inventory", "error", closeErr)
			}
		}()

		sqlRepo := inventory.NewSQLiteRepository(db.DB)
		sensors, err := sqlRepo.List(ctx)
		if err != nil {
			return fmt.Errorf("loading inventory: %w", err)
		}
		for _, s := range sensors {
			known[s.ID] = true
		}
		repo = sqlRepo
		log.Info("inventory open", "path", db.Path(), "sensors", len(sensors))
	} else {
		log.Info("inventory disabled")
	}

	session.RegisterAll(func(r gateway.Reading, _ any) {
		name, ok := cfg.SensorName(r.SensorID)
		if !ok {
			name = "unknown"
		}
		fmt.Printf("%s name=%s\n", r, name)

		if repo == nil {
			return
		}
		if !known[r.SensorID] {
			known[r.SensorID] = true
			log.Info("new sensor discovered", "sensor_id", r.SensorID, "type", r.SensorType)
		}
		if err := repo.RecordSighting(ctx, r.SensorID, r.SensorType, time.Now()); err != nil {
			log.Error("recording sighting", "sensor_id", r.SensorID, "error", err)
		}
	}, nil)

	session.StartScan()
	log.Info("scan started")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-session.Done():
		if err := session.Err(); err != nil {
			return fmt.Errorf("scan stopped: %w", err)
		}
	}

	// Detach the callback before the deferred inventory close.
	session.RegisterAll(nil, nil)

	st := session.Stats()
	log.Debug("session statistics",
		"lines_rx", st.LinesRx,
		"readings_rx", st.ReadingsRx,
		"commands_tx", st.CommandsTx,
		"callback_panics", st.CallbackPanics,
		"errors_total", st.ErrorsTotal,
	)
	return nil
}

// runInfo queries device information and prints it.
func runInfo(ctx context.Context, session gateway.Session, log *logging.Logger) error {
	info, err := session.QueryInfo(ctx)
	if err != nil {
		return fmt.Errorf("querying device info: %w", err)
	}
	log.Debug("device info received", "device", info.String())

	fmt.Printf("name:     %s\n", info.Name)
	fmt.Printf("version:  %s\n", info.Version)
	if info.RFM1Name != "" {
		fmt.Printf("rfm1name: %s\n", info.RFM1Name)
		fmt.Printf("rfm1frequency: %s\n", info.RFM1Frequency)
		fmt.Printf("rfm1datarate: %s\n", info.RFM1DataRate)
		fmt.Printf("rfm1toggleinterval: %s\n", info.RFM1ToggleInterval)
		fmt.Printf("rfm1togglemask: %s\n", info.RFM1ToggleMask)
	}
	return nil
}

// runSensors lists the sensors recorded in the local inventory.
func runSensors(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	if !cfg.Inventory.Enabled {
		return fmt.Errorf("sensor inventory is disabled in config")
	}

	db, err := openInventory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing inventory", "error", closeErr)
		}
	}()

	repo := inventory.NewSQLiteRepository(db.DB)
	sensors, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sensors: %w", err)
	}

	if len(sensors) == 0 {
		fmt.Println("no sensors recorded yet")
		return nil
	}

	for _, s := range sensors {
		name, ok := cfg.SensorName(s.ID)
		if !ok {
			name = "unknown"
		}
		fmt.Printf("id=%s type=%d name=%s first_seen=%s last_seen=%s\n",
			s.ID, s.Type, name,
			s.FirstSeen.Format(time.RFC3339),
			s.LastSeen.Format(time.RFC3339))
	}
	return nil
}

// openInventory opens the sensor inventory database and applies migrations.
func openInventory(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Inventory.Path,
		WALMode:     cfg.Inventory.WALMode,
		BusyTimeout: cfg.Inventory.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening inventory: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("migrating inventory: %w", err)
	}

	return db, nil
}
