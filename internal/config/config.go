package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr string
	// Tokens maps a bearer token to the owner it authenticates.
	Tokens map[string]string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// BridgeConfig points at the automation bridge.
type BridgeConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

// ThrottleConfig bounds the randomized pauses of the engine.
type ThrottleConfig struct {
	TargetMin time.Duration
	TargetMax time.Duration
	ActionMin time.Duration
	ActionMax time.Duration
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Bridge       BridgeConfig
	Throttle     ThrottleConfig

	// MCPOwner is the owner every MCP tool call acts for.
	MCPOwner string
	// Mode selects the surfaces served: http, mcp or both.
	Mode string

	StateDir      string
	UseUTC        bool
	ShutdownGrace time.Duration
	SweepInterval time.Duration
}

// DefaultOwner is used when a token carries no explicit owner.
const DefaultOwner = "local"

const (
	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultMode          = "http"
	defaultShutdownGrace = 10 * time.Second
	defaultSweepInterval = time.Minute
	defaultBridgeTimeout = 2 * time.Minute
	defaultBridgeRetries = 3
	defaultTargetMin     = 30 * time.Second
	defaultTargetMax     = 90 * time.Second
	defaultActionMin     = 5 * time.Second
	defaultActionMax     = 15 * time.Second
)

// BindFlags registers the flags that override the environment.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("addr", "", "HTTP listen address (overrides env)")
	fs.String("state-dir", "", "Directory to store the database")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Also write logs to this rotated file")
	fs.String("mode", "", "Surfaces to serve: http, mcp or both")
	fs.String("bridge-url", "", "Automation bridge base URL")
	fs.String("mcp-owner", "", "Owner id used by MCP tools")
	fs.Bool("use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.Duration("shutdown-grace", 0, "Grace period when shutting down")
	fs.Duration("sweep-interval", 0, "Interval of the due-task sweep")
}

// Load builds Config from defaults, .env files, environment variables and
// flags, in increasing priority. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "groupscan", ".env"))
	}
	return load(fs, envFiles)
}

func load(fs *pflag.FlagSet, envFiles []string) (*Config, error) {
	for _, f := range envFiles {
		// Missing files are fine; earlier files win because Load never overrides.
		_ = godotenv.Load(f)
	}

	tokens, err := ParseTokens(getEnvString("GROUPSCAN_AUTH_TOKENS", ""))
	if err != nil {
		return nil, err
	}
	if single := getEnvString("GROUPSCAN_AUTH_TOKEN", ""); single != "" {
		tokens[single] = DefaultOwner
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:   getEnvString("GROUPSCAN_ADDR", defaultAddr),
			Tokens: tokens,
		},
		Log: LogConfig{
			Level: getEnvString("GROUPSCAN_LOG_LEVEL", defaultLogLevel),
			File:  getEnvString("GROUPSCAN_LOG_FILE", ""),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("GROUPSCAN_BARK_URL", ""),
				Enabled: getEnvBool("GROUPSCAN_BARK_ENABLED", false),
			},
		},
		Bridge: BridgeConfig{
			URL:        getEnvString("GROUPSCAN_BRIDGE_URL", ""),
			Token:      getEnvString("GROUPSCAN_BRIDGE_TOKEN", ""),
			Timeout:    getEnvDuration("GROUPSCAN_BRIDGE_TIMEOUT", defaultBridgeTimeout),
			MaxRetries: getEnvInt("GROUPSCAN_BRIDGE_RETRIES", defaultBridgeRetries),
		},
		Throttle: ThrottleConfig{
			TargetMin: getEnvDuration("GROUPSCAN_TARGET_DELAY_MIN", defaultTargetMin),
			TargetMax: getEnvDuration("GROUPSCAN_TARGET_DELAY_MAX", defaultTargetMax),
			ActionMin: getEnvDuration("GROUPSCAN_ACTION_DELAY_MIN", defaultActionMin),
			ActionMax: getEnvDuration("GROUPSCAN_ACTION_DELAY_MAX", defaultActionMax),
		},
		MCPOwner:      getEnvString("GROUPSCAN_MCP_OWNER", DefaultOwner),
		Mode:          getEnvString("GROUPSCAN_MODE", defaultMode),
		StateDir:      getEnvString("GROUPSCAN_STATE_DIR", ""),
		UseUTC:        getEnvBool("GROUPSCAN_USE_UTC", false),
		ShutdownGrace: getEnvDuration("GROUPSCAN_SHUTDOWN_GRACE", defaultShutdownGrace),
		SweepInterval: getEnvDuration("GROUPSCAN_SWEEP_INTERVAL", defaultSweepInterval),
	}

	if fs != nil {
		if err := applyFlags(fs, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags copies only the flags that were set explicitly.
func applyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "addr":
			cfg.Server.Addr = f.Value.String()
		case "state-dir":
			cfg.StateDir = f.Value.String()
		case "log-level":
			cfg.Log.Level = f.Value.String()
		case "log-file":
			cfg.Log.File = f.Value.String()
		case "mode":
			cfg.Mode = f.Value.String()
		case "bridge-url":
			cfg.Bridge.URL = f.Value.String()
		case "mcp-owner":
			cfg.MCPOwner = f.Value.String()
		case "use-utc":
			cfg.UseUTC, err = fs.GetBool(f.Name)
		case "shutdown-grace":
			cfg.ShutdownGrace, err = fs.GetDuration(f.Name)
		case "sweep-interval":
			cfg.SweepInterval, err = fs.GetDuration(f.Name)
		}
	})
	return err
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (want http, mcp or both)", c.Mode)
	}
	if c.Throttle.TargetMin < 0 || c.Throttle.TargetMax < c.Throttle.TargetMin {
		return fmt.Errorf("invalid target delay range %s..%s", c.Throttle.TargetMin, c.Throttle.TargetMax)
	}
	if c.Throttle.ActionMin < 0 || c.Throttle.ActionMax < c.Throttle.ActionMin {
		return fmt.Errorf("invalid action delay range %s..%s", c.Throttle.ActionMin, c.Throttle.ActionMax)
	}
	if c.Bridge.MaxRetries < 1 {
		return errors.New("bridge retries must be at least 1")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if strings.TrimSpace(c.MCPOwner) == "" {
		return errors.New("mcp owner must not be empty")
	}
	return nil
}

// ParseTokens parses "owner:token,owner2:token2". A bare token maps to DefaultOwner.
func ParseTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		owner, token, found := strings.Cut(part, ":")
		if !found {
			owner, token = DefaultOwner, part
		}
		owner, token = strings.TrimSpace(owner), strings.TrimSpace(token)
		if owner == "" || token == "" {
			return nil, fmt.Errorf("invalid auth token entry %q", part)
		}
		if prev, dup := tokens[token]; dup && prev != owner {
			return nil, fmt.Errorf("auth token shared by owners %q and %q", prev, owner)
		}
		tokens[token] = owner
	}
	return tokens, nil
}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "groupscan")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
