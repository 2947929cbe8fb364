// Package config loads environment-driven configuration for every binary
// in this repository (cluster node, bridge, LLM gateway): an optional
// .env file, env-tagged struct parsing, then explicit validation.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// NodeConfig configures a single cluster node process: its client/peer
// listening ports, its slot range and role, and the logging/metrics/
// admission-control surface.
type NodeConfig struct {
	Addr string `env:"WS_NODE_ADDR" envDefault:":4000"`

	RangeLo int    `env:"WS_NODE_RANGE_LO,required"`
	RangeHi int    `env:"WS_NODE_RANGE_HI,required"`
	Role    string `env:"WS_NODE_ROLE" envDefault:"master"`

	// PeerPorts is a comma-separated list of other nodes' client-facing
	// ports to dial at startup.
	PeerPorts string `env:"WS_PEER_PORTS" envDefault:""`

	DataDir string `env:"WS_DATA_DIR" envDefault:"."`

	MaxConnections     int     `env:"WS_MAX_CONNECTIONS" envDefault:"500"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"WS_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`
	MaxBroadcastRate   int     `env:"WS_MAX_BROADCAST_RATE" envDefault:"200"`
	MemoryLimitBytes   int64   `env:"WS_MEMORY_LIMIT_BYTES" envDefault:"536870912"`
	MaxGoroutines      int     `env:"WS_MAX_GOROUTINES" envDefault:"10000"`

	MetricsAddr string `env:"WS_METRICS_ADDR" envDefault:":9100"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE" envDefault:""`

	AuditKafkaBrokers string `env:"AUDIT_KAFKA_BROKERS" envDefault:""`
	AuditKafkaTopic   string `env:"AUDIT_KAFKA_TOPIC" envDefault:"cluster-audit"`
}

// ClientPort returns the node's client-facing port.
func (c *NodeConfig) ClientPort() (int, error) {
	return portFromAddr(c.Addr)
}

// PeerAddr returns the peer-facing (client port + 10000) listen address.
func (c *NodeConfig) PeerAddr() (string, error) {
	p, err := c.ClientPort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(":%d", p+10000), nil
}

// PeerClientPorts parses PeerPorts into individual client-facing ports.
func (c *NodeConfig) PeerClientPorts() []int {
	var out []int
	for _, s := range strings.Split(c.PeerPorts, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if p, err := strconv.Atoi(s); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func portFromAddr(addr string) (int, error) {
	parts := strings.Split(addr, ":")
	return strconv.Atoi(parts[len(parts)-1])
}

// LoadNodeConfig loads and validates a NodeConfig. A missing .env file is
// logged, not fatal.
func LoadNodeConfig(logger *zerolog.Logger) (*NodeConfig, error) {
	logEnvFileResult(logger)

	cfg := &NodeConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse node config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *NodeConfig) Validate() error {
	if c.RangeLo < 0 || c.RangeHi > 16384 || c.RangeLo >= c.RangeHi {
		return fmt.Errorf("invalid slot range [%d, %d)", c.RangeLo, c.RangeHi)
	}
	role := strings.ToLower(c.Role)
	if role != "master" && role != "replica" {
		return fmt.Errorf("WS_NODE_ROLE must be master or replica, got %q", c.Role)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("WS_CPU_PAUSE_THRESHOLD (%.1f) must be >= WS_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.MemoryLimitBytes < 0 {
		return fmt.Errorf("WS_MEMORY_LIMIT_BYTES must be >= 0 (0 disables), got %d", c.MemoryLimitBytes)
	}
	if c.MaxGoroutines < 0 {
		return fmt.Errorf("WS_MAX_GOROUTINES must be >= 0 (0 disables), got %d", c.MaxGoroutines)
	}
	if !validLogLevel(c.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	if !validLogFormat(c.LogFormat) {
		return fmt.Errorf("LOG_FORMAT must be one of json, text, pretty (got %s)", c.LogFormat)
	}
	if _, err := c.ClientPort(); err != nil {
		return fmt.Errorf("WS_NODE_ADDR must end in :<port>: %w", err)
	}
	return nil
}

func (c *NodeConfig) Print() {
	fmt.Println("=== Node Configuration ===")
	fmt.Printf("Addr:            %s\n", c.Addr)
	fmt.Printf("Role:            %s\n", c.Role)
	fmt.Printf("Range:           [%d, %d)\n", c.RangeLo, c.RangeHi)
	fmt.Printf("Peer ports:      %s\n", c.PeerPorts)
	fmt.Printf("Data dir:        %s\n", c.DataDir)
	fmt.Printf("Max connections: %d\n", c.MaxConnections)
	fmt.Printf("Memory limit:    %d MB\n", c.MemoryLimitBytes/(1024*1024))
	fmt.Printf("Max goroutines:  %d\n", c.MaxGoroutines)
	fmt.Printf("Metrics addr:    %s\n", c.MetricsAddr)
	fmt.Printf("Log level/fmt:   %s/%s\n", c.LogLevel, c.LogFormat)
}

func (c *NodeConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("role", c.Role).
		Int("range_lo", c.RangeLo).
		Int("range_hi", c.RangeHi).
		Str("peer_ports", c.PeerPorts).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Int64("memory_limit_bytes", c.MemoryLimitBytes).
		Int("max_goroutines", c.MaxGoroutines).
		Msg("node configuration loaded")
}

// BridgeConfig configures the bridge process: which cluster node(s) to
// attach to, the write-back cadence, and logging.
type BridgeConfig struct {
	// RedisNodeHosts is a comma-separated list of cluster node host:ports.
	RedisNodeHosts string `env:"REDIS_NODE_HOSTS,required"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"LOG_FILE" envDefault:""`

	PersistInterval string `env:"WS_BRIDGE_PERSIST_INTERVAL" envDefault:"3s"`

	AuditKafkaBrokers string `env:"AUDIT_KAFKA_BROKERS" envDefault:""`
	AuditKafkaTopic   string `env:"AUDIT_KAFKA_TOPIC" envDefault:"cluster-audit"`
}

func (c *BridgeConfig) NodeHosts() []string {
	var out []string
	for _, s := range strings.Split(c.RedisNodeHosts, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func LoadBridgeConfig(logger *zerolog.Logger) (*BridgeConfig, error) {
	logEnvFileResult(logger)

	cfg := &BridgeConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse bridge config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bridge config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *BridgeConfig) Validate() error {
	if len(c.NodeHosts()) == 0 {
		return fmt.Errorf("REDIS_NODE_HOSTS must list at least one host:port")
	}
	if !validLogLevel(c.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	if !validLogFormat(c.LogFormat) {
		return fmt.Errorf("LOG_FORMAT must be one of json, text, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// LLMGatewayConfig configures the LLM gateway process.
type LLMGatewayConfig struct {
	UpstreamAddr   string `env:"WS_LLM_UPSTREAM_ADDR,required"`
	RedisNodeHosts string `env:"REDIS_NODE_HOSTS,required"`

	ReconnectBackoff string `env:"WS_LLM_RECONNECT_BACKOFF" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func (c *LLMGatewayConfig) NodeHosts() []string {
	var out []string
	for _, s := range strings.Split(c.RedisNodeHosts, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func LoadLLMGatewayConfig(logger *zerolog.Logger) (*LLMGatewayConfig, error) {
	logEnvFileResult(logger)

	cfg := &LLMGatewayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse llm gateway config: %w", err)
	}
	if !validLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %s)", cfg.LogLevel)
	}
	if !validLogFormat(cfg.LogFormat) {
		return nil, fmt.Errorf("LOG_FORMAT must be one of json, text, pretty (got %s)", cfg.LogFormat)
	}
	return cfg, nil
}

func logEnvFileResult(logger *zerolog.Logger) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}
}

func validLogLevel(l string) bool {
	switch l {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func validLogFormat(f string) bool {
	switch f {
	case "json", "text", "pretty":
		return true
	}
	return false
}
