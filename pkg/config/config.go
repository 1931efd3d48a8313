// Package config provides configuration management for the proxy, the backend
// cache node and the client.
//
// The package supports configuration through multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables
//  3. YAML configuration file (-config flag or MIRPROXY_CONFIG)
//  4. Default values (lowest priority)
//
// Proxy Configuration:
//   - Front-end bind address
//   - Shard addresses, virtual nodes, replication factor
//   - Read pool size, queue capacity and overflow policy
//   - Key locator, ring digest, sampling and instrumentation
//   - Backend timeouts
//
// Example proxy usage:
//
//	cfg, err := config.LoadProxyConfig(os.Args[1:])
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Example YAML file:
//
//	port: 11212
//	shards:
//	  - 10.0.0.1:11211
//	  - 10.0.0.2:11211
//	  - 10.0.0.3:11211
//	replication_factor: 2
//	request_timeout: 2s
//
// Environment variables are prefixed with "MIRPROXY_" and use uppercase names.
// For example, the proxy port can be set with MIRPROXY_PORT=11212.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/cachemir/mirproxy/pkg/hash"
	"github.com/cachemir/mirproxy/pkg/protocol"
)

// Default proxy configuration constants
const (
	DefaultProxyPort         = 11212
	DefaultBackendPort       = 11211
	DefaultReplicationFactor = 1
	DefaultReadPoolSize      = 8
	DefaultSampleRate        = 100
	DefaultQueueCapacity     = 5000
	DefaultMaxInFlight       = 1000
	DefaultConnTimeout       = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxConnsPerNode   = 10
	DefaultRetryAttempts     = 3
)

// Enumerated settings.
const (
	QueuePolicyBlock  = "block"
	QueuePolicyReject = "reject"

	KeyLocatorFixed = "fixed"
	KeyLocatorToken = "token"

	InstrumentCSV  = "csv"
	InstrumentCBOR = "cbor"
)

var (
	validLogLevels         = []string{"debug", "info", "warn", "error"}
	validQueuePolicies     = []string{QueuePolicyBlock, QueuePolicyReject}
	validKeyLocators       = []string{KeyLocatorFixed, KeyLocatorToken}
	validRingDigests       = []string{"md5", "xxhash"}
	validInstrumentFormats = []string{InstrumentCSV, InstrumentCBOR}
)

// ProxyConfig holds every option of a proxy instance.
//
// The number of shards is the length of Shards; shard i is Shards[i].
type ProxyConfig struct {
	Host              string        `yaml:"host"`
	LogLevel          string        `yaml:"log_level"`
	QueuePolicy       string        `yaml:"queue_policy"`
	KeyLocator        string        `yaml:"key_locator"`
	RingDigest        string        `yaml:"ring_digest"`
	InstrumentFile    string        `yaml:"instrument_file"`
	InstrumentFormat  string        `yaml:"instrument_format"`
	Shards            []string      `yaml:"shards"`
	Port              int           `yaml:"port"`
	VirtualNodes      int           `yaml:"virtual_nodes"`
	ReplicationFactor int           `yaml:"replication_factor"`
	ReadPoolSize      int           `yaml:"read_pool_size"`
	SampleRate        int           `yaml:"sample_rate"`    // sample 1 in N requests per kind; 0 disables
	QueueCapacity     int           `yaml:"queue_capacity"` // per shard and per queue
	MaxInFlight       int           `yaml:"max_in_flight"`  // awaiting replies per backend connection
	GetKeyOffset      int           `yaml:"get_key_offset"`
	SetKeyOffset      int           `yaml:"set_key_offset"`
	DeleteKeyOffset   int           `yaml:"delete_key_offset"`
	KeyLength         int           `yaml:"key_length"`
	ConnTimeout       time.Duration `yaml:"conn_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"` // 0 disables
}

// DefaultProxyConfig returns a ProxyConfig populated with defaults.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		Host:              "0.0.0.0",
		LogLevel:          "info",
		QueuePolicy:       QueuePolicyBlock,
		KeyLocator:        KeyLocatorFixed,
		RingDigest:        "md5",
		InstrumentFormat:  InstrumentCSV,
		Shards:            []string{fmt.Sprintf("localhost:%d", DefaultBackendPort)},
		Port:              DefaultProxyPort,
		VirtualNodes:      hash.DefaultVirtualNodes,
		ReplicationFactor: DefaultReplicationFactor,
		ReadPoolSize:      DefaultReadPoolSize,
		SampleRate:        DefaultSampleRate,
		QueueCapacity:     DefaultQueueCapacity,
		MaxInFlight:       DefaultMaxInFlight,
		GetKeyOffset:      protocol.DefaultGetKeyOffset,
		SetKeyOffset:      protocol.DefaultSetKeyOffset,
		DeleteKeyOffset:   protocol.DefaultDeleteKeyOffset,
		KeyLength:         protocol.DefaultKeyLength,
		ConnTimeout:       DefaultConnTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}
}

// LoadProxyConfig builds a ProxyConfig from defaults, the optional YAML file,
// MIRPROXY_* environment variables and the given command-line arguments.
//
// Command-line flags:
//
//	-config: YAML configuration file
//	-host, -port: front-end bind address
//	-shards: comma-separated backend addresses
//	-virtual-nodes, -replication-factor, -read-pool-size
//	-sample-rate, -queue-capacity, -queue-policy, -max-in-flight
//	-key-locator, -get-key-offset, -set-key-offset, -delete-key-offset, -key-length
//	-ring-digest, -instrument-file, -instrument-format, -log-level
//	-conn-timeout, -read-timeout, -write-timeout, -request-timeout
//
// Returns:
//   - ProxyConfig with values loaded from all sources
//   - Error if the file cannot be read or a flag cannot be parsed
func LoadProxyConfig(args []string) (*ProxyConfig, error) {
	cfg := DefaultProxyConfig()

	path := configPath(args, os.Getenv("MIRPROXY_CONFIG"))
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	fs := flag.NewFlagSet("mirproxy", flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Front-end host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Front-end port")
	shards := fs.String("shards", strings.Join(cfg.Shards, ","), "Comma-separated backend addresses")
	fs.IntVar(&cfg.VirtualNodes, "virtual-nodes", cfg.VirtualNodes, "Virtual nodes per shard")
	fs.IntVar(&cfg.ReplicationFactor, "replication-factor", cfg.ReplicationFactor, "Shards each write is sent to")
	fs.IntVar(&cfg.ReadPoolSize, "read-pool-size", cfg.ReadPoolSize, "Read workers per shard")
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "Sample 1 in N requests (0 disables)")
	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "Per-shard queue capacity")
	fs.StringVar(&cfg.QueuePolicy, "queue-policy", cfg.QueuePolicy, "Queue overflow policy (block, reject)")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "Awaiting replies per backend connection")
	fs.StringVar(&cfg.KeyLocator, "key-locator", cfg.KeyLocator, "Key locator (fixed, token)")
	fs.IntVar(&cfg.GetKeyOffset, "get-key-offset", cfg.GetKeyOffset, "Key offset in GET commands")
	fs.IntVar(&cfg.SetKeyOffset, "set-key-offset", cfg.SetKeyOffset, "Key offset in SET commands")
	fs.IntVar(&cfg.DeleteKeyOffset, "delete-key-offset", cfg.DeleteKeyOffset, "Key offset in DELETE commands")
	fs.IntVar(&cfg.KeyLength, "key-length", cfg.KeyLength, "Fixed key length")
	fs.StringVar(&cfg.RingDigest, "ring-digest", cfg.RingDigest, "Ring digest (md5, xxhash)")
	fs.StringVar(&cfg.InstrumentFile, "instrument-file", cfg.InstrumentFile, "Instrumentation output file (empty disables)")
	fs.StringVar(&cfg.InstrumentFormat, "instrument-format", cfg.InstrumentFormat, "Instrumentation format (csv, cbor)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.ConnTimeout, "conn-timeout", cfg.ConnTimeout, "Backend dial timeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Backend read timeout for GETs")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Backend write timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Replicated write timeout (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Shards = splitList(*shards)

	return cfg, nil
}

func (c *ProxyConfig) applyEnv() {
	c.Host = envString("MIRPROXY_HOST", c.Host)
	c.Port = envInt("MIRPROXY_PORT", c.Port)
	if shards := os.Getenv("MIRPROXY_SHARDS"); shards != "" {
		c.Shards = splitList(shards)
	}
	c.VirtualNodes = envInt("MIRPROXY_VIRTUAL_NODES", c.VirtualNodes)
	c.ReplicationFactor = envInt("MIRPROXY_REPLICATION_FACTOR", c.ReplicationFactor)
	c.ReadPoolSize = envInt("MIRPROXY_READ_POOL_SIZE", c.ReadPoolSize)
	c.SampleRate = envInt("MIRPROXY_SAMPLE_RATE", c.SampleRate)
	c.QueueCapacity = envInt("MIRPROXY_QUEUE_CAPACITY", c.QueueCapacity)
	c.QueuePolicy = envString("MIRPROXY_QUEUE_POLICY", c.QueuePolicy)
	c.MaxInFlight = envInt("MIRPROXY_MAX_IN_FLIGHT", c.MaxInFlight)
	c.KeyLocator = envString("MIRPROXY_KEY_LOCATOR", c.KeyLocator)
	c.RingDigest = envString("MIRPROXY_RING_DIGEST", c.RingDigest)
	c.InstrumentFile = envString("MIRPROXY_INSTRUMENT_FILE", c.InstrumentFile)
	c.InstrumentFormat = envString("MIRPROXY_INSTRUMENT_FORMAT", c.InstrumentFormat)
	c.LogLevel = envString("MIRPROXY_LOG_LEVEL", c.LogLevel)
	c.ConnTimeout = envDuration("MIRPROXY_CONN_TIMEOUT", c.ConnTimeout)
	c.ReadTimeout = envDuration("MIRPROXY_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = envDuration("MIRPROXY_WRITE_TIMEOUT", c.WriteTimeout)
	c.RequestTimeout = envDuration("MIRPROXY_REQUEST_TIMEOUT", c.RequestTimeout)
}

// Address returns the front-end bind address in "host:port" format.
func (c *ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NumShards returns the number of configured shards.
func (c *ProxyConfig) NumShards() int {
	return len(c.Shards)
}

// Locators returns the key locators selected by KeyLocator.
func (c *ProxyConfig) Locators() protocol.KeyLocators {
	if c.KeyLocator == KeyLocatorToken {
		return protocol.TokenLocators()
	}
	return protocol.FixedLocators(c.GetKeyOffset, c.SetKeyOffset, c.DeleteKeyOffset, c.KeyLength)
}

// Digest returns the ring digest selected by RingDigest.
func (c *ProxyConfig) Digest() (hash.Digest, error) {
	return hash.DigestByName(c.RingDigest)
}

// Debug reports whether debug logging is enabled.
func (c *ProxyConfig) Debug() bool {
	return c.LogLevel == "debug"
}

// Validate checks if the ProxyConfig contains valid values.
//
// Validation rules:
//   - Port must be between 1 and 65535
//   - Between 1 and hash.MaxShards shards, each a non-empty host:port
//   - ReplicationFactor between 1 and the number of shards
//   - Positive virtual nodes, read pool size, queue capacity, max in flight
//   - Non-negative sample rate and key offsets, positive key length
//   - Positive connection, read and write timeouts; non-negative request timeout
//   - Enumerated settings must hold a known value
//
// Returns:
//   - nil if configuration is valid
//   - Error describing the first validation failure found
func (c *ProxyConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if len(c.Shards) == 0 {
		return fmt.Errorf("at least one shard must be specified")
	}
	if len(c.Shards) > hash.MaxShards {
		return fmt.Errorf("too many shards: %d (max %d)", len(c.Shards), hash.MaxShards)
	}
	for _, shard := range c.Shards {
		if err := validateAddress(shard); err != nil {
			return err
		}
	}

	if c.ReplicationFactor < 1 || c.ReplicationFactor > len(c.Shards) {
		return fmt.Errorf("replication factor must be between 1 and %d: %d", len(c.Shards), c.ReplicationFactor)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"virtual nodes", c.VirtualNodes},
		{"read pool size", c.ReadPoolSize},
		{"queue capacity", c.QueueCapacity},
		{"max in flight", c.MaxInFlight},
		{"key length", c.KeyLength},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("%s must be positive: %d", p.name, p.value)
		}
	}

	if c.SampleRate < 0 {
		return fmt.Errorf("sample rate must be non-negative: %d", c.SampleRate)
	}
	if c.GetKeyOffset < 0 || c.SetKeyOffset < 0 || c.DeleteKeyOffset < 0 {
		return fmt.Errorf("key offsets must be non-negative")
	}

	if c.ConnTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive: %v", c.ConnTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive: %v", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive: %v", c.WriteTimeout)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be non-negative: %v", c.RequestTimeout)
	}

	enums := []struct {
		name  string
		value string
		valid []string
	}{
		{"log level", c.LogLevel, validLogLevels},
		{"queue policy", c.QueuePolicy, validQueuePolicies},
		{"key locator", c.KeyLocator, validKeyLocators},
		{"ring digest", c.RingDigest, validRingDigests},
		{"instrument format", c.InstrumentFormat, validInstrumentFormats},
	}
	for _, e := range enums {
		if !slices.Contains(e.valid, e.value) {
			return fmt.Errorf("invalid %s: %s", e.name, e.value)
		}
	}

	return nil
}

// BackendConfig holds the options of an in-memory backend cache node.
type BackendConfig struct {
	Host     string
	LogLevel string
	Port     int
}

// LoadBackendConfig builds a BackendConfig from defaults, MIRPROXY_BACKEND_*
// environment variables and the given command-line arguments.
//
// Command-line flags:
//
//	-host: Backend host (default: "0.0.0.0")
//	-port: Backend port (default: 11211)
//	-log-level: Log level (default: "info")
func LoadBackendConfig(args []string) (*BackendConfig, error) {
	cfg := &BackendConfig{
		Host:     envString("MIRPROXY_BACKEND_HOST", "0.0.0.0"),
		Port:     envInt("MIRPROXY_BACKEND_PORT", DefaultBackendPort),
		LogLevel: envString("MIRPROXY_BACKEND_LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("mirbackend", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Backend host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Backend port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Address returns the bind address in "host:port" format.
func (c *BackendConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the BackendConfig contains valid values.
func (c *BackendConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// ClientConfig holds the options of a client talking to one proxy.
//
// Example:
//
//	cfg := &config.ClientConfig{
//		Address:       "localhost:11212",
//		MaxConns:      20,
//		ConnTimeout:   5 * time.Second,
//		ReadTimeout:   30 * time.Second,
//		WriteTimeout:  10 * time.Second,
//		RetryAttempts: 3,
//	}
//	c := client.NewWithConfig(cfg)
type ClientConfig struct {
	Address       string        // Proxy address (default: "localhost:11212")
	MaxConns      int           // Max pooled connections (default: 10)
	ConnTimeout   time.Duration // Dial timeout (default: 5s)
	ReadTimeout   time.Duration // Read timeout (default: 30s)
	WriteTimeout  time.Duration // Write timeout (default: 10s)
	RetryAttempts int           // Retries on network errors (default: 3)
}

// LoadClientConfig creates a ClientConfig from MIRPROXY_CLIENT_* environment
// variables with defaults.
//
// Environment variables:
//
//	MIRPROXY_CLIENT_ADDR: Proxy address
//	MIRPROXY_CLIENT_MAX_CONNS: Maximum pooled connections
//	MIRPROXY_CLIENT_CONN_TIMEOUT: Dial timeout (Go duration)
//	MIRPROXY_CLIENT_READ_TIMEOUT: Read timeout (Go duration)
//	MIRPROXY_CLIENT_WRITE_TIMEOUT: Write timeout (Go duration)
//	MIRPROXY_CLIENT_RETRY_ATTEMPTS: Number of retry attempts
func LoadClientConfig() *ClientConfig {
	return &ClientConfig{
		Address:       envString("MIRPROXY_CLIENT_ADDR", fmt.Sprintf("localhost:%d", DefaultProxyPort)),
		MaxConns:      envInt("MIRPROXY_CLIENT_MAX_CONNS", DefaultMaxConnsPerNode),
		ConnTimeout:   envDuration("MIRPROXY_CLIENT_CONN_TIMEOUT", DefaultConnTimeout),
		ReadTimeout:   envDuration("MIRPROXY_CLIENT_READ_TIMEOUT", DefaultReadTimeout),
		WriteTimeout:  envDuration("MIRPROXY_CLIENT_WRITE_TIMEOUT", DefaultWriteTimeout),
		RetryAttempts: envInt("MIRPROXY_CLIENT_RETRY_ATTEMPTS", DefaultRetryAttempts),
	}
}

// Validate checks if the ClientConfig contains valid values.
func (c *ClientConfig) Validate() error {
	if err := validateAddress(c.Address); err != nil {
		return err
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("max connections must be positive: %d", c.MaxConns)
	}
	if c.ConnTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive: %v", c.ConnTimeout)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive: %v", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive: %v", c.WriteTimeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must be non-negative: %d", c.RetryAttempts)
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if !strings.Contains(addr, ":") {
		return fmt.Errorf("invalid address format: %s", addr)
	}
	return nil
}

// configPath finds the -config flag in args without parsing the rest.
func configPath(args []string, fallback string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}

func loadYAML(path string, cfg *ProxyConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
