// Package config loads the process configuration from flags, an optional YAML file and
// LIFTSYNC_* environment variables, in increasing order of precedence below flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/lift-sync/internal/bridge"
	"github.com/lowaak/smart-trainer/lift-sync/internal/capture"
	"github.com/lowaak/smart-trainer/lift-sync/internal/link"
	"github.com/lowaak/smart-trainer/lift-sync/internal/logging"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
	"github.com/lowaak/smart-trainer/lift-sync/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. LIFTSYNC_LINK_KIND
const EnvPrefix = "LIFTSYNC"

const (
	RoleHost     = "host"
	RoleWearable = "wearable"
	RoleDemo     = "demo" // both ends in one process over an in-memory link

	BlobFS = "fs"
	BlobS3 = "s3"
)

type Config struct {
	Role    string        `mapstructure:"role"`
	Log     LogConfig     `mapstructure:"log"`
	Link    LinkConfig    `mapstructure:"link"`
	Capture CaptureConfig `mapstructure:"capture"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Session SessionConfig `mapstructure:"session"`
	Storage StorageConfig `mapstructure:"storage"`
	Relay   RelayConfig   `mapstructure:"relay"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Console bool          `mapstructure:"console"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Stderr     bool   `mapstructure:"stderr"` // also write to stderr
}

type LinkConfig struct {
	Kind          string        `mapstructure:"kind"`
	ServiceUUID   string        `mapstructure:"service_uuid"`
	RXUUID        string        `mapstructure:"rx_uuid"`
	TXUUID        string        `mapstructure:"tx_uuid"`
	DeviceAddress string        `mapstructure:"device_address"`
	LocalName     string        `mapstructure:"local_name"`
	MTU           int           `mapstructure:"mtu"`
	ScanTimeout   time.Duration `mapstructure:"scan_timeout"`
	SerialPort    string        `mapstructure:"serial_port"`
	BaudRate      int           `mapstructure:"baud_rate"`
}

type CaptureConfig struct {
	ExecutionHz   float64       `mapstructure:"execution_hz"`
	RestHz        float64       `mapstructure:"rest_hz"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	Window        time.Duration `mapstructure:"window"`
	RestThreshold float64       `mapstructure:"rest_threshold"`
	ExecThreshold float64       `mapstructure:"exec_threshold"`
	RestSustain   time.Duration `mapstructure:"rest_sustain"`
	ExecSustain   time.Duration `mapstructure:"exec_sustain"`
	HeartRateAddr string        `mapstructure:"heart_rate_address"` // BLE strap, empty for simulated readings
	ReplayFile    string        `mapstructure:"replay_file"`        // encoded aggregate played back instead of simulated motion
}

type BridgeConfig struct {
	OverflowMultiplier int           `mapstructure:"overflow_multiplier"`
	TelemetryInterval  time.Duration `mapstructure:"telemetry_interval"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	FragmentSize       int           `mapstructure:"fragment_size"`
}

type SessionConfig struct {
	DefaultRest        time.Duration `mapstructure:"default_rest"`
	GraceDelay         time.Duration `mapstructure:"grace_delay"`
	MinCompensatedRest time.Duration `mapstructure:"min_compensated_rest"`
	DefaultTargetReps  int           `mapstructure:"default_target_reps"`
	FreeSetCap         int           `mapstructure:"free_set_cap"`
	Premium            bool          `mapstructure:"premium"`
	PlanFile           string        `mapstructure:"plan_file"`
}

type StorageConfig struct {
	Path     string `mapstructure:"path"`
	Blob     string `mapstructure:"blob"`
	BlobDir  string `mapstructure:"blob_dir"`
	Bucket   string `mapstructure:"s3_bucket"`
	Region   string `mapstructure:"s3_region"`
	Endpoint string `mapstructure:"s3_endpoint"`
	Prefix   string `mapstructure:"s3_prefix"`
}

type RelayConfig struct {
	NATSURL string `mapstructure:"nats_url"` // empty disables the relay
	Subject string `mapstructure:"subject"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the API
}

func setDefaults(v *viper.Viper) {
	capt := capture.DefaultConfig()
	br := bridge.DefaultConfig()
	sess := session.DefaultConfig()
	ble := link.DefaultBLEConfig()

	v.SetDefault("role", RoleHost)
	v.SetDefault("console", true)

	v.SetDefault("log.file", "lift-sync.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)
	v.SetDefault("log.stderr", false)

	v.SetDefault("link.kind", "") // loopback for the demo role, ble otherwise
	v.SetDefault("link.service_uuid", ble.ServiceUUID)
	v.SetDefault("link.rx_uuid", ble.RXUUID)
	v.SetDefault("link.tx_uuid", ble.TXUUID)
	v.SetDefault("link.device_address", "")
	v.SetDefault("link.local_name", ble.LocalName)
	v.SetDefault("link.mtu", ble.MTU)
	v.SetDefault("link.scan_timeout", ble.ScanTimeout)
	v.SetDefault("link.serial_port", "")
	v.SetDefault("link.baud_rate", 115200)

	v.SetDefault("capture.execution_hz", capt.ExecutionHz)
	v.SetDefault("capture.rest_hz", capt.RestHz)
	v.SetDefault("capture.chunk_size", capt.ChunkSize)
	v.SetDefault("capture.window", capt.Window)
	v.SetDefault("capture.rest_threshold", capt.Detector.RestThreshold)
	v.SetDefault("capture.exec_threshold", capt.Detector.ExecThreshold)
	v.SetDefault("capture.rest_sustain", capt.Detector.RestSustain)
	v.SetDefault("capture.exec_sustain", capt.Detector.ExecSustain)
	v.SetDefault("capture.heart_rate_address", "")
	v.SetDefault("capture.replay_file", "")

	v.SetDefault("bridge.overflow_multiplier", br.OverflowMultiplier)
	v.SetDefault("bridge.telemetry_interval", br.TelemetryInterval)
	v.SetDefault("bridge.command_timeout", br.CommandTimeout)
	v.SetDefault("bridge.ack_timeout", br.AckTimeout)
	v.SetDefault("bridge.fragment_size", br.FragmentSize)

	v.SetDefault("session.default_rest", sess.DefaultRest)
	v.SetDefault("session.grace_delay", sess.GraceDelay)
	v.SetDefault("session.min_compensated_rest", sess.MinCompensatedRest)
	v.SetDefault("session.default_target_reps", sess.DefaultTargetReps)
	v.SetDefault("session.free_set_cap", session.DefaultFreeSetCap)
	v.SetDefault("session.premium", false)
	v.SetDefault("session.plan_file", "")

	v.SetDefault("storage.path", "lift-sync.db")
	v.SetDefault("storage.blob", BlobFS)
	v.SetDefault("storage.blob_dir", "blobs")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_region", "eu-south-1")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_prefix", "lift-sync")

	v.SetDefault("relay.nats_url", "")
	v.SetDefault("relay.subject", "liftsync")

	v.SetDefault("http.addr", "")
}

// NewFlagSet declares the command line flags. Flag names match the config keys.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "YAML config file")
	fs.String("role", RoleHost, "process role: host, wearable or demo")
	fs.Bool("console", true, "run the terminal console (host and demo roles)")
	fs.String("log.file", "lift-sync.log", "log file, rotated by size")
	fs.Bool("log.stderr", false, "also log to stderr")
	fs.String("link.kind", "", "link transport: loopback, ble or serial")
	fs.String("link.device_address", "", "BLE address of the wearable (host role)")
	fs.String("link.serial_port", "", "serial device of the dev-kit link")
	fs.String("session.plan_file", "", "YAML workout plan to start from")
	fs.Bool("session.premium", false, "lift the per-exercise set cap")
	fs.String("storage.path", "lift-sync.db", "sqlite history database")
	fs.String("storage.blob", BlobFS, "sensor blob backend: fs or s3")
	fs.String("relay.nats_url", "", "publish session snapshots to this NATS server")
	fs.String("http.addr", "", "serve the status API on this address")
	return fs
}

// Load parses args and builds the configuration
func Load(args []string) (Config, error) {
	fs := NewFlagSet("lift-sync")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return load(fs)
}

func load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// only flags given on the command line override file and environment
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return Config{}, bindErr
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Link.Kind == "" {
		cfg.Link.Kind = string(link.KindBLE)
		if cfg.Role == RoleDemo {
			cfg.Link.Kind = string(link.KindLoopback)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown kinds and inconsistent values
func (c Config) Validate() error {
	switch c.Role {
	case RoleHost, RoleWearable, RoleDemo:
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}
	kind, err := link.ParseKind(c.Link.Kind)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch {
	case c.Role == RoleDemo && kind != link.KindLoopback:
		return fmt.Errorf("config: role %q runs over the %q link", RoleDemo, link.KindLoopback)
	case c.Role != RoleDemo && kind == link.KindLoopback:
		return fmt.Errorf("config: link kind %q only works with role %q", link.KindLoopback, RoleDemo)
	case kind == link.KindSerial && c.Link.SerialPort == "":
		return errors.New("config: link.serial_port is required for the serial link")
	}
	switch c.Storage.Blob {
	case BlobFS:
	case BlobS3:
		if c.Storage.Bucket == "" {
			return errors.New("config: storage.s3_bucket is required for the s3 blob store")
		}
	default:
		return fmt.Errorf("config: unknown blob backend %q", c.Storage.Blob)
	}
	if err := c.CaptureConfig().Validate(); err != nil {
		return fmt.Errorf("config: capture: %w", err)
	}
	if err := c.BridgeConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Session.FreeSetCap < 0 {
		return errors.New("config: session.free_set_cap cannot be negative")
	}
	return nil
}

func (c Config) LogOptions() logging.Options {
	return logging.Options{
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
		Stderr:     c.Log.Stderr,
	}
}

// LinkKind is the validated link transport
func (c Config) LinkKind() link.Kind {
	return link.Kind(c.Link.Kind)
}

func (c Config) CaptureConfig() capture.Config {
	return capture.Config{
		ExecutionHz: c.Capture.ExecutionHz,
		RestHz:      c.Capture.RestHz,
		ChunkSize:   c.Capture.ChunkSize,
		Window:      c.Capture.Window,
		Detector: capture.DetectorConfig{
			RestThreshold: c.Capture.RestThreshold,
			ExecThreshold: c.Capture.ExecThreshold,
			RestSustain:   c.Capture.RestSustain,
			ExecSustain:   c.Capture.ExecSustain,
		},
	}
}

func (c Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		OverflowMultiplier: c.Bridge.OverflowMultiplier,
		TelemetryInterval:  c.Bridge.TelemetryInterval,
		CommandTimeout:     c.Bridge.CommandTimeout,
		AckTimeout:         c.Bridge.AckTimeout,
		FragmentSize:       c.Bridge.FragmentSize,
	}
}

func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.DefaultRest = c.Session.DefaultRest
	cfg.GraceDelay = c.Session.GraceDelay
	cfg.MinCompensatedRest = c.Session.MinCompensatedRest
	cfg.DefaultTargetReps = c.Session.DefaultTargetReps
	return cfg
}

func (c Config) Entitlements() session.StaticEntitlements {
	return session.StaticEntitlements{Premium: c.Session.Premium, FreeCap: c.Session.FreeSetCap}
}

func (c Config) BLEConfig() link.BLEConfig {
	cfg := link.DefaultBLEConfig()
	cfg.ServiceUUID = c.Link.ServiceUUID
	cfg.RXUUID = c.Link.RXUUID
	cfg.TXUUID = c.Link.TXUUID
	cfg.DeviceAddress = c.Link.DeviceAddress
	cfg.LocalName = c.Link.LocalName
	cfg.MTU = c.Link.MTU
	cfg.ScanTimeout = c.Link.ScanTimeout
	return cfg
}

func (c Config) SerialConfig() link.SerialConfig {
	return link.SerialConfig{Path: c.Link.SerialPort, BaudRate: c.Link.BaudRate}
}

func (c Config) S3Config() store.S3Config {
	return store.S3Config{
		Bucket:   c.Storage.Bucket,
		Region:   c.Storage.Region,
		Endpoint: c.Storage.Endpoint,
		Prefix:   c.Storage.Prefix,
	}
}
