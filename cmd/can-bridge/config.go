package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/kstaniek/go-can-bridge/internal/bridge"
	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/hub"
	"github.com/kstaniek/go-can-bridge/internal/logging"
)

// envPrefix is prepended to upper-cased flag names to form override variables
// (a-backend -> CAN_BRIDGE_A_BACKEND).
const envPrefix = "CAN_BRIDGE_"

// busConfig describes the device behind one side of the bridge (or the host
// serial link).
type busConfig struct {
	Backend     string        `yaml:"backend"`
	Interface   string        `yaml:"interface"`
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type hostConfig struct {
	Sink             string        `yaml:"sink"`
	Serial           busConfig     `yaml:"serial"`
	Listen           string        `yaml:"listen"`
	MaxClients       int           `yaml:"max_clients"`
	Buffer           int           `yaml:"buffer"`
	Policy           string        `yaml:"policy"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	MDNSEnable       bool          `yaml:"mdns_enable"`
	MDNSName         string        `yaml:"mdns_name"`
}

type appConfig struct {
	BusA                busConfig     `yaml:"bus_a"`
	BusB                busConfig     `yaml:"bus_b"`
	Host                hostConfig    `yaml:"host"`
	ControlID           uint32        `yaml:"control_id"`
	FeedbackID          uint32        `yaml:"feedback_id"`
	ForwardWhenDisabled bool          `yaml:"forward_when_disabled"`
	TxQueue             int           `yaml:"tx_queue"`
	LogFormat           string        `yaml:"log_format"`
	LogLevel            string        `yaml:"log_level"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	LogMetricsEvery     time.Duration `yaml:"log_metrics_interval"`
}

func defaultConfig() *appConfig {
	return &appConfig{
		BusA:       busConfig{Backend: "socketcan", Interface: "can0", Baud: 115200, ReadTimeout: 50 * time.Millisecond},
		BusB:       busConfig{Backend: "socketcan", Interface: "can1", Baud: 115200, ReadTimeout: 50 * time.Millisecond},
		ControlID:  bridge.DefaultControlID,
		FeedbackID: bridge.DefaultFeedbackID,
		TxQueue:    1024,
		LogFormat:  "text",
		LogLevel:   "info",
		Host: hostConfig{
			Sink:             "a",
			Serial:           busConfig{Backend: "serial", Baud: 115200, ReadTimeout: 50 * time.Millisecond},
			Listen:           ":20000",
			Buffer:           64,
			Policy:           "drop",
			HandshakeTimeout: 3 * time.Second,
			ReadTimeout:      60 * time.Second,
		},
	}
}

func bindBusFlags(fs *pflag.FlagSet, prefix, bus string, b *busConfig, withBackend bool) {
	if withBackend {
		fs.StringVar(&b.Backend, prefix+"backend", b.Backend, "Backend for bus "+bus+": socketcan|serial")
		fs.StringVar(&b.Interface, prefix+"if", b.Interface, "SocketCAN interface for bus "+bus)
	}
	fs.StringVar(&b.Device, prefix+"serial", b.Device, "Serial device for "+bus)
	fs.IntVar(&b.Baud, prefix+"baud", b.Baud, "Serial baud rate for "+bus)
	fs.DurationVar(&b.ReadTimeout, prefix+"serial-read-timeout", b.ReadTimeout, "Serial read timeout for "+bus)
}

// bindFlags registers every setting on fs, using c's current values as
// defaults and as storage.
func bindFlags(fs *pflag.FlagSet, c *appConfig) {
	bindBusFlags(fs, "a-", "A", &c.BusA, true)
	bindBusFlags(fs, "b-", "B", &c.BusB, true)
	bindBusFlags(fs, "host-", "the host link", &c.Host.Serial, false)
	fs.StringVar(&c.Host.Sink, "host", c.Host.Sink, "Feedback sink: a|b|serial|tcp|none")
	fs.StringVar(&c.Host.Listen, "listen", c.Host.Listen, "TCP listen address (--host=tcp)")
	fs.IntVar(&c.Host.MaxClients, "max-clients", c.Host.MaxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.IntVar(&c.Host.Buffer, "hub-buffer", c.Host.Buffer, "Per-client queue (frames)")
	fs.StringVar(&c.Host.Policy, "hub-policy", c.Host.Policy, "Slow client policy: drop|kick")
	fs.DurationVar(&c.Host.HandshakeTimeout, "handshake-timeout", c.Host.HandshakeTimeout, "Client handshake timeout")
	fs.DurationVar(&c.Host.ReadTimeout, "client-read-timeout", c.Host.ReadTimeout, "Per-connection read deadline")
	fs.BoolVar(&c.Host.MDNSEnable, "mdns-enable", c.Host.MDNSEnable, "Advertise the TCP feed via mDNS")
	fs.StringVar(&c.Host.MDNSName, "mdns-name", c.Host.MDNSName, "mDNS instance name (default can-bridge-<hostname>)")
	fs.Uint32Var(&c.ControlID, "control-id", c.ControlID, "Reserved control identifier")
	fs.Uint32Var(&c.FeedbackID, "feedback-id", c.FeedbackID, "Reserved feedback identifier")
	fs.BoolVar(&c.ForwardWhenDisabled, "forward-when-disabled", c.ForwardWhenDisabled, "Keep forwarding data frames while the bridge is turned off")
	fs.IntVar(&c.TxQueue, "tx-queue", c.TxQueue, "Per-interface transmit queue (frames)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text|json")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.LogMetricsEvery, "log-metrics-interval", c.LogMetricsEvery, "If >0, periodically log metrics counters")
}

// loadConfigFile overlays the YAML document at path onto c.
func loadConfigFile(path string, c *appConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(raw, c, yaml.Strict()); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// applyEnvOverrides sets every flag in fs from its CAN_BRIDGE_* variable
// unless the flag was set on the command line. Empty values are ignored.
func applyEnvOverrides(fs *pflag.FlagSet, explicit func(name string) bool) error {
	var errs error
	fs.VisitAll(func(f *pflag.Flag) {
		if explicit(f.Name) {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if v = strings.TrimSpace(v); !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	return errs
}

// resolveConfig layers defaults, the optional config file, environment and
// the flags explicitly set on cmdFlags, in that order of precedence.
func resolveConfig(cmdFlags *pflag.FlagSet, path string) (*appConfig, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}
	eff := pflag.NewFlagSet("effective", pflag.ContinueOnError)
	bindFlags(eff, cfg)
	explicit := func(name string) bool { return cmdFlags.Changed(name) }
	if err := applyEnvOverrides(eff, explicit); err != nil {
		return nil, err
	}
	var errs error
	cmdFlags.Visit(func(f *pflag.Flag) {
		if eff.Lookup(f.Name) == nil {
			return
		}
		errs = multierr.Append(errs, eff.Set(f.Name, f.Value.String()))
	})
	if errs != nil {
		return nil, errs
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (b busConfig) validate(name string, withBackend bool) error {
	var errs error
	backend := b.Backend
	if !withBackend {
		backend = "serial"
	}
	switch backend {
	case "socketcan":
		if b.Interface == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: socketcan interface required", name))
		}
	case "serial":
		if b.Device == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s: serial device required", name))
		}
		if b.Baud <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: baud must be > 0 (got %d)", name, b.Baud))
		}
		if b.ReadTimeout <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: serial-read-timeout must be > 0", name))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("%s: invalid backend %q (use socketcan|serial)", name, b.Backend))
	}
	return errs
}

// endpoint identifies the device a busConfig opens, for duplicate detection.
func (b busConfig) endpoint() string {
	if b.Backend == "socketcan" {
		return "socketcan:" + b.Interface
	}
	return "serial:" + b.Device
}

// validate checks values and ranges; it does not open devices or listeners.
// All problems are reported together.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	var errs error
	errs = multierr.Append(errs, c.BusA.validate("bus a", true))
	errs = multierr.Append(errs, c.BusB.validate("bus b", true))
	if c.BusA.endpoint() == c.BusB.endpoint() {
		errs = multierr.Append(errs, fmt.Errorf("bus a and bus b use the same device %s", c.BusA.endpoint()))
	}
	switch c.Host.Sink {
	case "a", "b", "none":
	case "serial":
		errs = multierr.Append(errs, c.Host.Serial.validate("host", false))
		host := busConfig{Backend: "serial", Device: c.Host.Serial.Device}.endpoint()
		if host == c.BusA.endpoint() || host == c.BusB.endpoint() {
			errs = multierr.Append(errs, fmt.Errorf("host serial device %s is already bridged", c.Host.Serial.Device))
		}
	case "tcp":
		if c.Host.Listen == "" {
			errs = multierr.Append(errs, errors.New("host: listen address required"))
		}
		if _, ok := hub.ParsePolicy(c.Host.Policy); !ok {
			errs = multierr.Append(errs, fmt.Errorf("invalid hub-policy: %s", c.Host.Policy))
		}
		if c.Host.Buffer <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("hub-buffer must be > 0 (got %d)", c.Host.Buffer))
		}
		if c.Host.MaxClients < 0 {
			errs = multierr.Append(errs, errors.New("max-clients must be >= 0"))
		}
		if c.Host.HandshakeTimeout <= 0 || c.Host.ReadTimeout <= 0 {
			errs = multierr.Append(errs, errors.New("handshake-timeout and client-read-timeout must be > 0"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid host sink %q (use a|b|serial|tcp|none)", c.Host.Sink))
	}
	if c.ControlID > can.CAN_EFF_MASK || c.FeedbackID > can.CAN_EFF_MASK {
		errs = multierr.Append(errs, errors.New("control-id and feedback-id must fit in 29 bits"))
	}
	if c.ControlID == c.FeedbackID {
		errs = multierr.Append(errs, fmt.Errorf("control-id and feedback-id must differ (0x%X)", c.ControlID))
	}
	if c.TxQueue <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("tx-queue must be > 0 (got %d)", c.TxQueue))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid log-format: %s", c.LogFormat))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.LogMetricsEvery < 0 {
		errs = multierr.Append(errs, errors.New("log-metrics-interval must be >= 0"))
	}
	return errs
}
