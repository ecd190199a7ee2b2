package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pulsemarket/crypto"

	"github.com/BurntSushi/toml"
)

// Environment variables that override file-sourced secrets.
const (
	EnvRPCToken    = "PULSE_RPC_TOKEN"
	EnvAdminSecret = "PULSE_ADMIN_SECRET"
)

// Config captures the marketd runtime configuration.
type Config struct {
	ListenRPC            string    `toml:"ListenRPC"`
	ListenAdmin          string    `toml:"ListenAdmin"`
	DataDir              string    `toml:"DataDir"`
	ArchivePath          string    `toml:"ArchivePath"`
	OracleStorePath      string    `toml:"OracleStorePath"`
	SeedsFile            string    `toml:"SeedsFile"`
	NetworkName          string    `toml:"NetworkName"`
	OperatorKeystorePath string    `toml:"OperatorKeystorePath"`
	RPCToken             string    `toml:"RPCToken"`
	RPCTokenFile         string    `toml:"RPCTokenFile"`
	AdminSecret          string    `toml:"AdminSecret"`
	AdminSecretFile      string    `toml:"AdminSecretFile"`
	Logs                 Logs      `toml:"logs"`
	Telemetry            Telemetry `toml:"telemetry"`
	RateLimit            RateLimit `toml:"rate_limit"`
	Oracle               Oracle    `toml:"oracle"`
	Exports              Exports   `toml:"exports"`
}

// Logs controls the optional rotating log sink.
type Logs struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// RateLimit bounds per-client throughput on the admin gateway and the
// JSON-RPC trading surface.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
	TradesPerMinute   int     `toml:"TradesPerMinute"`
}

// Oracle wires the optional HTTP score feed. The poller only runs when an
// endpoint is configured.
type Oracle struct {
	FeedEndpoint        string `toml:"FeedEndpoint"`
	FeedAPIKey          string `toml:"FeedAPIKey"`
	FeedIntervalSeconds int    `toml:"FeedIntervalSeconds"`
	FeedTimeoutSeconds  int    `toml:"FeedTimeoutSeconds"`
	// FeedMaxAgeSeconds rejects observations older than this; zero disables
	// the freshness check.
	FeedMaxAgeSeconds int `toml:"FeedMaxAgeSeconds"`
}

// Exports controls the daily reconciliation export run. An empty Dir
// disables the scheduler.
type Exports struct {
	Dir       string `toml:"Dir"`
	RunHour   int    `toml:"RunHour"`
	RunMinute int    `toml:"RunMinute"`
}

const defaultConfigTOML = `# marketd service configuration.

# JSON-RPC listen address.
ListenRPC = ":8645"
# Admin gateway listen address.
ListenAdmin = ":8646"
# Root directory for databases and reconciliation exports.
DataDir = "./pulse-data"
# Network label attached to logs and telemetry.
NetworkName = "pulse-local"

# Encrypted operator keystore, generated on first start when missing.
OperatorKeystorePath = "operator.keystore"

# Bearer token required by mutating JSON-RPC methods. Prefer the
# PULSE_RPC_TOKEN environment variable over an inline value.
RPCToken = ""
RPCTokenFile = ""

# HMAC secret for admin gateway JWTs. Prefer PULSE_ADMIN_SECRET.
AdminSecret = ""
AdminSecretFile = ""

# Optional YAML manifest of markets ensured at startup.
SeedsFile = ""

# Override the derived paths when the archive or oracle store live
# outside DataDir.
# ArchivePath = ""
# OracleStorePath = ""

[logs]
# Mirror logs into a rotating file when File is set.
File = ""
MaxSizeMB = 100
MaxBackups = 3
MaxAgeDays = 14

[telemetry]
Endpoint = "localhost:4318"
Insecure = true
Metrics = false
Traces = false

[rate_limit]
RequestsPerMinute = 120.0
Burst = 30
TradesPerMinute = 30

[oracle]
# Poll pending market subjects against an HTTP score endpoint when set.
FeedEndpoint = ""
FeedAPIKey = ""
FeedIntervalSeconds = 30
FeedTimeoutSeconds = 10
FeedMaxAgeSeconds = 300

[exports]
# Write daily settlement reconciliation exports (CSV + Parquet) into Dir.
# Empty Dir disables the run.
Dir = ""
RunHour = 3
RunMinute = 0
`

type loadOptions struct {
	passphrase  func() (string, error)
	dataDir     string
	listenRPC   string
	listenAdmin string
	seedsFile   string
}

// Option adjusts how Load resolves the configuration.
type Option func(*loadOptions)

// WithKeystorePassphraseSource supplies the passphrase used when the
// operator keystore has to be generated on first start.
func WithKeystorePassphraseSource(fn func() (string, error)) Option {
	return func(o *loadOptions) { o.passphrase = fn }
}

// WithDataDir overrides the configured data directory. Derived paths such
// as the archive and oracle store follow the override unless set explicitly.
func WithDataDir(dir string) Option {
	return func(o *loadOptions) { o.dataDir = strings.TrimSpace(dir) }
}

// WithListenRPC overrides the JSON-RPC listen address.
func WithListenRPC(addr string) Option {
	return func(o *loadOptions) { o.listenRPC = strings.TrimSpace(addr) }
}

// WithListenAdmin overrides the admin gateway listen address.
func WithListenAdmin(addr string) Option {
	return func(o *loadOptions) { o.listenAdmin = strings.TrimSpace(addr) }
}

// WithSeedsFile overrides the market seed manifest path.
func WithSeedsFile(path string) Option {
	return func(o *loadOptions) { o.seedsFile = strings.TrimSpace(path) }
}

// Load reads the configuration at path, writing a commented default file
// first when none exists. Secrets resolve env > file reference > inline.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path must not be empty")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyOverrides(options)
	cfg.normalise(path)
	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ensureKeystore(cfg.OperatorKeystorePath, options.passphrase); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides lands CLI-sourced values before path derivation so the
// archive and oracle store follow a redirected data directory.
func (c *Config) applyOverrides(o loadOptions) {
	if o.dataDir != "" {
		c.DataDir = o.dataDir
	}
	if o.listenRPC != "" {
		c.ListenRPC = o.listenRPC
	}
	if o.listenAdmin != "" {
		c.ListenAdmin = o.listenAdmin
	}
	if o.seedsFile != "" {
		c.SeedsFile = o.seedsFile
	}
}

func writeDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfigTOML), 0o644)
}

func (c *Config) normalise(configPath string) {
	c.ListenRPC = strings.TrimSpace(c.ListenRPC)
	c.ListenAdmin = strings.TrimSpace(c.ListenAdmin)
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.ArchivePath = strings.TrimSpace(c.ArchivePath)
	c.OracleStorePath = strings.TrimSpace(c.OracleStorePath)
	c.SeedsFile = strings.TrimSpace(c.SeedsFile)
	c.NetworkName = strings.TrimSpace(c.NetworkName)
	c.OperatorKeystorePath = strings.TrimSpace(c.OperatorKeystorePath)
	c.RPCTokenFile = strings.TrimSpace(c.RPCTokenFile)
	c.AdminSecretFile = strings.TrimSpace(c.AdminSecretFile)
	c.Logs.File = strings.TrimSpace(c.Logs.File)

	if c.ListenRPC == "" {
		c.ListenRPC = ":8645"
	}
	if c.ListenAdmin == "" {
		c.ListenAdmin = ":8646"
	}
	if c.DataDir == "" {
		c.DataDir = "./pulse-data"
	}
	if c.NetworkName == "" {
		c.NetworkName = "pulse-local"
	}
	if c.ArchivePath == "" {
		c.ArchivePath = filepath.Join(c.DataDir, "archive.db")
	}
	if c.OracleStorePath == "" {
		c.OracleStorePath = filepath.Join(c.DataDir, "oracle.db")
	}
	if c.OperatorKeystorePath == "" {
		c.OperatorKeystorePath = filepath.Join(filepath.Dir(configPath), "operator.keystore")
	} else if !filepath.IsAbs(c.OperatorKeystorePath) {
		c.OperatorKeystorePath = filepath.Join(filepath.Dir(configPath), c.OperatorKeystorePath)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 30
	}
	if c.RateLimit.TradesPerMinute <= 0 {
		c.RateLimit.TradesPerMinute = 30
	}
	c.Oracle.FeedEndpoint = strings.TrimSpace(c.Oracle.FeedEndpoint)
	if c.Oracle.FeedIntervalSeconds <= 0 {
		c.Oracle.FeedIntervalSeconds = 30
	}
	if c.Oracle.FeedTimeoutSeconds <= 0 {
		c.Oracle.FeedTimeoutSeconds = 10
	}
	if c.Oracle.FeedMaxAgeSeconds < 0 {
		c.Oracle.FeedMaxAgeSeconds = 0
	}
	c.Exports.Dir = strings.TrimSpace(c.Exports.Dir)
	if c.Logs.File != "" {
		if c.Logs.MaxSizeMB <= 0 {
			c.Logs.MaxSizeMB = 100
		}
		if c.Logs.MaxBackups <= 0 {
			c.Logs.MaxBackups = 3
		}
		if c.Logs.MaxAgeDays <= 0 {
			c.Logs.MaxAgeDays = 14
		}
	}
}

func (c *Config) resolveSecrets() error {
	token, err := resolveSecret(EnvRPCToken, c.RPCTokenFile, c.RPCToken)
	if err != nil {
		return fmt.Errorf("resolve rpc token: %w", err)
	}
	c.RPCToken = token

	secret, err := resolveSecret(EnvAdminSecret, c.AdminSecretFile, c.AdminSecret)
	if err != nil {
		return fmt.Errorf("resolve admin secret: %w", err)
	}
	c.AdminSecret = secret
	return nil
}

func resolveSecret(envName, filePath, inline string) (string, error) {
	if value := strings.TrimSpace(os.Getenv(envName)); value != "" {
		return value, nil
	}
	if filePath != "" {
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", filePath, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return strings.TrimSpace(inline), nil
}

// Validate rejects configurations that cannot serve traffic.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.ListenRPC == c.ListenAdmin {
		return fmt.Errorf("ListenRPC and ListenAdmin must differ")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DataDir must be configured")
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit: RequestsPerMinute <= 0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit: Burst <= 0")
	}
	return nil
}

// ensureKeystore generates the operator key on first start so the daemon has
// a stable identity without manual provisioning. A nil passphrase source
// leaves the keystore unprotected.
func ensureKeystore(path string, pass func() (string, error)) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	secret := ""
	if pass != nil {
		value, err := pass()
		if err != nil {
			return fmt.Errorf("resolve keystore passphrase: %w", err)
		}
		secret = value
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, key, secret)
}
