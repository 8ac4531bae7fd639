package infra

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"perp_go/internal/domain"
)

const validYAML = `
app:
  name: perp
  version: "1.0"
api:
  bitget:
    rest_url: https://api.bitget.com
    ws_url: wss://ws.bitget.com/v2/ws/public
    access_key: file-key
    secret_key: file-secret
    passphrase: file-pass
trading:
  symbols: [BTCUSDT, ETHUSDT]
  cycle_interval_sec: 30
rate_limit:
  safety_factor: 0.9
  emergency_threshold: 0.95
risk:
  max_drawdown_pct: 15.0
  max_daily_loss_pct: 5.0
  max_position_pct: 50.0
  cooldown_sec: 3600
logging:
  level: info
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if len(cfg.Trading.Symbols) != 2 {
		t.Errorf("expected 2 symbols, got %v", cfg.Trading.Symbols)
	}
	if cfg.RateLimit.SafetyFactor != 0.9 {
		t.Errorf("SafetyFactor = %v", cfg.RateLimit.SafetyFactor)
	}
	// Defaults fill in what the file omits.
	if cfg.Storage.Path == "" || cfg.Logging.Dir == "" || cfg.Trading.OrderIDPrefix == "" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("PERP_BITGET_KEY", "env-key")
	t.Setenv("PERP_BITGET_SECRET", "env-secret")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.API.Bitget.AccessKey != "env-key" || cfg.API.Bitget.SecretKey != "env-secret" {
		t.Errorf("env overrides not applied: key=%s", cfg.API.Bitget.AccessKey)
	}
	if cfg.API.Bitget.Passphrase != "file-pass" {
		t.Errorf("unset env var must not clobber file value, got %s", cfg.API.Bitget.Passphrase)
	}
}

func TestLoadConfig_InvalidThresholds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  string
		replace string
	}{
		{"safety factor above 1", "safety_factor: 0.9", "safety_factor: 1.5"},
		{"zero drawdown limit", "max_drawdown_pct: 15.0", "max_drawdown_pct: 0"},
		{"zero cooldown", "cooldown_sec: 3600", "cooldown_sec: 0"},
		{"http rest url", "rest_url: https://api.bitget.com", "rest_url: http://api.bitget.com"},
		{"no symbols", "symbols: [BTCUSDT, ETHUSDT]", "symbols: []"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := strings.Replace(validYAML, tt.mutate, tt.replace, 1)
			_, err := LoadConfig(writeConfig(t, yaml))
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}
