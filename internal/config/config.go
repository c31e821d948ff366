package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the daemon's configuration surface. The rdma core reads it
// only during device initialization.
type Config struct {
	// DeviceName selects the RDMA device; empty means "first device found".
	DeviceName string
	// PortNum is the 1-based physical port to bind.
	PortNum uint8
	// LocalGID is the requested local GID, written as eight colon-separated
	// groups of two hex bytes (e.g. "fe80:0000:...:0001"). Malformed or
	// empty falls back to GID table index 0.
	LocalGID string
	// RoCEVer is the RoCE version a matching GID table entry must carry
	// (1 or 2).
	RoCEVer uint8

	// ReceiveBuffers and SendBuffers cap the receive/send work request
	// depths; the device capability may negotiate them down.
	ReceiveBuffers uint32
	SendBuffers    uint32
	// BufferSize is the per-buffer byte size registered with the NIC.
	BufferSize uint32
	// EnableHugePages backs buffer regions with huge pages when possible.
	EnableHugePages bool

	LogLevel          string
	OtelCollectorAddr string
}

// SetupFlags registers the daemon's command line flags.
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "rdmastack.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("device-name", "", "RDMA device to use (empty selects the first device)")
	flagSet.Uint8("port-num", 1, "Physical port number to bind (1-based)")
	flagSet.String("local-gid", "", "Local GID to select from the port's GID table")
	flagSet.Uint8("roce-ver", 2, "RoCE version the selected GID entry must carry (1 or 2)")
	flagSet.Uint32("receive-buffers", 32768, "Receive buffer count (capped by device capability)")
	flagSet.Uint32("send-buffers", 1024, "Send buffer count (capped by device capability)")
	flagSet.Uint32("buffer-size", 32768, "Per-buffer size in bytes")
	flagSet.Bool("enable-hugepage", false, "Back buffer regions with huge pages")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.String("otel-collector-addr", "", "OTLP collector address (empty disables metrics export)")
}

// Load builds the configuration from flags, environment variables and an
// optional config file.
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RDMASTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DeviceName:        v.GetString("device-name"),
		PortNum:           uint8(v.GetUint("port-num")),
		LocalGID:          v.GetString("local-gid"),
		RoCEVer:           uint8(v.GetUint("roce-ver")),
		ReceiveBuffers:    v.GetUint32("receive-buffers"),
		SendBuffers:       v.GetUint32("send-buffers"),
		BufferSize:        v.GetUint32("buffer-size"),
		EnableHugePages:   v.GetBool("enable-hugepage"),
		LogLevel:          v.GetString("log-level"),
		OtelCollectorAddr: v.GetString("otel-collector-addr"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PortNum == 0 {
		return fmt.Errorf("port-num must be >= 1")
	}
	if c.RoCEVer != 1 && c.RoCEVer != 2 {
		return fmt.Errorf("roce-ver must be 1 or 2, got %d", c.RoCEVer)
	}
	if c.ReceiveBuffers == 0 || c.SendBuffers == 0 {
		return fmt.Errorf("receive-buffers and send-buffers must be > 0")
	}
	if c.BufferSize == 0 {
		return fmt.Errorf("buffer-size must be > 0")
	}
	return nil
}

// WriteDefaultConfig writes a commented default configuration file,
// creating the parent directory if needed.
func WriteDefaultConfig(path string) error {
	content := `# rdmastack configuration
device-name: "" # Leave empty to use the first RDMA device
port-num: 1
local-gid: "" # eight colon-separated groups of two hex bytes; empty uses GID index 0
roce-ver: 2
receive-buffers: 32768
send-buffers: 1024
buffer-size: 32768
enable-hugepage: false
log-level: "info" # trace, debug, info, warn, error
otel-collector-addr: "" # e.g. grpc://localhost:4317; empty disables metrics export
`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
