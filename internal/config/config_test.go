package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func isolate(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GROUPSCAN_ADDR", "GROUPSCAN_AUTH_TOKENS", "GROUPSCAN_AUTH_TOKEN", "GROUPSCAN_LOG_LEVEL",
		"GROUPSCAN_LOG_FILE", "GROUPSCAN_MODE", "GROUPSCAN_MCP_OWNER", "GROUPSCAN_BRIDGE_URL",
		"GROUPSCAN_BRIDGE_RETRIES", "GROUPSCAN_TARGET_DELAY_MIN", "GROUPSCAN_TARGET_DELAY_MAX",
		"GROUPSCAN_SWEEP_INTERVAL", "GROUPSCAN_USE_UTC",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("GROUPSCAN_STATE_DIR", t.TempDir())
}

func TestDefaults(t *testing.T) {
	isolate(t)
	cfg, err := load(nil, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != defaultAddr || cfg.Mode != "http" || cfg.MCPOwner != DefaultOwner {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Throttle.TargetMin != 30*time.Second || cfg.Throttle.ActionMax != 15*time.Second {
		t.Fatalf("unexpected throttle defaults: %+v", cfg.Throttle)
	}
	if len(cfg.Server.Tokens) != 0 {
		t.Fatalf("expected no tokens, got %v", cfg.Server.Tokens)
	}
}

func TestPriorityFlagsOverEnvOverDotenv(t *testing.T) {
	isolate(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "GROUPSCAN_ADDR=127.0.0.1:1\nGROUPSCAN_LOG_LEVEL=debug\nGROUPSCAN_MODE=both\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GROUPSCAN_ADDR", "127.0.0.1:2")
	t.Setenv("GROUPSCAN_SWEEP_INTERVAL", "30s")
	t.Cleanup(func() {
		os.Unsetenv("GROUPSCAN_LOG_LEVEL")
		os.Unsetenv("GROUPSCAN_MODE")
	})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{"--mode", "mcp", "--use-utc"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(fs, []string{envFile})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:2" {
		t.Errorf("addr = %q, env should beat .env", cfg.Server.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want value from .env", cfg.Log.Level)
	}
	if cfg.Mode != "mcp" {
		t.Errorf("mode = %q, flag should beat .env", cfg.Mode)
	}
	if !cfg.UseUTC || cfg.SweepInterval != 30*time.Second {
		t.Errorf("use-utc=%v sweep=%s", cfg.UseUTC, cfg.SweepInterval)
	}
}

func TestParseTokens(t *testing.T) {
	tokens, err := ParseTokens("alice:tok-a, bob:tok-b,bare")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{"tok-a": "alice", "tok-b": "bob", "bare": DefaultOwner}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %v", tokens)
	}
	for token, owner := range want {
		if tokens[token] != owner {
			t.Errorf("token %q owner = %q, want %q", token, tokens[token], owner)
		}
	}

	for _, bad := range []string{"alice:", ":tok", "alice:x,bob:x"} {
		if _, err := ParseTokens(bad); err == nil {
			t.Errorf("ParseTokens(%q) should fail", bad)
		}
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	isolate(t)
	t.Setenv("GROUPSCAN_TARGET_DELAY_MIN", "2m")
	t.Setenv("GROUPSCAN_TARGET_DELAY_MAX", "1m")
	if _, err := load(nil, nil); err == nil {
		t.Fatal("expected inverted delay range to be rejected")
	}

	t.Setenv("GROUPSCAN_TARGET_DELAY_MIN", "1s")
	t.Setenv("GROUPSCAN_MODE", "grpc")
	if _, err := load(nil, nil); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}
