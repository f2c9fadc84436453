// Package config loads and validates the ladder engine's configuration
// surface: mode, symbol universe, capital limits, the per-ladder-index
// policy table, and the timing parameters governing scans, cooldowns,
// and trailing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/kestrelq/ladderengine/internal/models"
)

var validate = validator.New()

// ValidationError aggregates every violation found at load time so an
// operator sees all of them at once instead of fixing one env var per
// restart.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration invalid: %s", strings.Join(e.Errors, "; "))
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// PositionPolicyConfig is models.PositionPolicy as it appears in
// configuration, each field a decimal percent (2.5 means 2.5%).
type PositionPolicyConfig struct {
	StopLossPct     decimal.Decimal `validate:"required"`
	TargetPct       decimal.Decimal
	TrailPct        decimal.Decimal `validate:"required"`
	EntryPnLPctGate decimal.Decimal
}

// Config is the engine's full typed configuration, validated once at
// startup. Fields guarded by mu are safe to hot-reload; everything else
// requires a restart (see Reload).
type Config struct {
	mu sync.RWMutex

	Mode models.TradingMode `validate:"required,oneof=paper live"`

	UniversePath string `validate:"required"`

	TotalCapital       decimal.Decimal `validate:"required"`
	CapitalPerPosition decimal.Decimal `validate:"required"`
	MaxPositions       int             `validate:"required,gt=0"`

	ScanIntervalSeconds int             `validate:"required,gt=0"`
	MinRankFinal        decimal.Decimal `validate:"required"`
	AccelWeight         decimal.Decimal `validate:"required"`

	Policies map[models.PositionIndex]PositionPolicyConfig

	CooldownSeconds  int             `validate:"required,gt=0"`
	AntiFlipPct      decimal.Decimal `validate:"required"`
	DebounceSeconds  int             `validate:"required,gt=0"`

	SessionStart time.Duration
	SessionEnd   time.Duration

	BrokerTimeoutSeconds int `validate:"required,gt=0"`

	DatabasePath string `validate:"required"`
	LogLevel     string `validate:"required,oneof=debug info warn error"`

	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceUseUS     bool

	EnvFile string
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads .env (if present) and environment variables, builds a
// Config, and validates it. A non-nil error is always *ValidationError
// or a wrapped FatalConfigError.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile) // missing .env is not an error; env vars still apply

	cfg := &Config{
		Mode:                models.TradingMode(getEnv("MODE", "paper")),
		UniversePath:        getEnv("UNIVERSE", ""),
		TotalCapital:        getEnvDecimal("TOTAL_CAPITAL", decimal.NewFromInt(100000)),
		CapitalPerPosition:  getEnvDecimal("CAPITAL_PER_POSITION", decimal.NewFromInt(3000)),
		MaxPositions:        getEnvInt("MAX_POSITIONS", 50),
		ScanIntervalSeconds: getEnvInt("SCAN_INTERVAL_SECONDS", 60),
		MinRankFinal:        getEnvDecimal("MIN_RANK_FINAL_THRESHOLD", decimal.NewFromFloat(2.5)),
		AccelWeight:         getEnvDecimal("ACCEL_WEIGHT", decimal.NewFromFloat(0.3)),
		CooldownSeconds:     getEnvInt("COOLDOWN_SECONDS", 180),
		AntiFlipPct:         getEnvDecimal("ANTI_FLIP_PCT", decimal.NewFromFloat(0.25)),
		DebounceSeconds:     getEnvInt("DEBOUNCE_SECONDS", 5),
		SessionStart:        getEnvClock("SESSION_START", 9*time.Hour+30*time.Minute),
		SessionEnd:          getEnvClock("SESSION_END", 15*time.Hour+30*time.Minute),
		BrokerTimeoutSeconds: getEnvInt("BROKER_TIMEOUT_SECONDS", 5),
		DatabasePath:        getEnv("DATABASE_PATH", "./data/ladder.db"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		BinanceAPIKey:       getEnv("BINANCE_API_KEY", ""),
		BinanceAPISecret:    getEnv("BINANCE_API_SECRET", ""),
		BinanceUseUS:        getEnv("BINANCE_USE_US", "false") == "true",
		EnvFile:             envFile,
	}

	cfg.Policies = defaultPolicies()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultPolicies returns the §4.5 per-position policy table defaults.
func defaultPolicies() map[models.PositionIndex]PositionPolicyConfig {
	return map[models.PositionIndex]PositionPolicyConfig{
		models.P1: {
			StopLossPct: decimal.NewFromFloat(-2.5),
			TargetPct:   decimal.NewFromFloat(5.0),
			TrailPct:    decimal.NewFromFloat(2.5),
		},
		models.P2: {
			StopLossPct:     decimal.NewFromFloat(-2.5),
			TrailPct:        decimal.NewFromFloat(0.1),
			EntryPnLPctGate: decimal.NewFromFloat(0.25),
		},
		models.P3: {
			StopLossPct:     decimal.NewFromFloat(-5.0),
			TrailPct:        decimal.NewFromFloat(0.1),
			EntryPnLPctGate: decimal.NewFromFloat(1.0),
		},
	}
}

// Validate aggregates every violation into one *ValidationError rather
// than failing on the first.
func (c *Config) Validate() error {
	ve := &ValidationError{}

	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				ve.add("%s: %s", fe.Field(), fe.Tag())
			}
		} else {
			ve.add("%v", err)
		}
	}

	if c.Mode != models.ModePaper && c.Mode != models.ModeLive {
		ve.add("mode: must be 'paper' or 'live', got %q", c.Mode)
	}
	if c.UniversePath == "" {
		ve.add("universe: required")
	}
	if !validLogLevels[c.LogLevel] {
		ve.add("log_level: invalid %q", c.LogLevel)
	}
	if c.Mode == models.ModeLive && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		ve.add("binance credentials required for live mode")
	}
	for _, idx := range []models.PositionIndex{models.P1, models.P2, models.P3} {
		if _, ok := c.Policies[idx]; !ok {
			ve.add("position[%d]: policy missing", idx)
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// IsDryRun reports whether the engine should avoid issuing real broker
// calls.
func (c *Config) IsDryRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Mode == models.ModePaper
}

// ReloadChange describes one field difference detected by Reload.
type ReloadChange struct {
	Field        string
	Old, New     string
	RestartOnly  bool
}

// ReloadResult reports what changed and whether a restart is required
// to apply all of it.
type ReloadResult struct {
	Changes        []ReloadChange
	RestartNeeded  bool
}

// Reload re-reads the env file and applies hot-reloadable fields
// (cooldown/anti-flip/debounce/log level/policy table) in place;
// mode, universe, and scan interval changes are reported but not
// applied without a restart.
func (c *Config) Reload() (*ReloadResult, error) {
	fresh, err := Load(c.EnvFile)
	if err != nil {
		return nil, err
	}

	result := &ReloadResult{}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Mode != fresh.Mode {
		result.Changes = append(result.Changes, ReloadChange{"mode", string(c.Mode), string(fresh.Mode), true})
		result.RestartNeeded = true
	}
	if c.UniversePath != fresh.UniversePath {
		result.Changes = append(result.Changes, ReloadChange{"universe", c.UniversePath, fresh.UniversePath, true})
		result.RestartNeeded = true
	}
	if c.ScanIntervalSeconds != fresh.ScanIntervalSeconds {
		result.Changes = append(result.Changes, ReloadChange{
			"scan_interval_seconds",
			strconv.Itoa(c.ScanIntervalSeconds), strconv.Itoa(fresh.ScanIntervalSeconds), true,
		})
		result.RestartNeeded = true
	}

	if c.CooldownSeconds != fresh.CooldownSeconds {
		result.Changes = append(result.Changes, ReloadChange{
			"cooldown_seconds", strconv.Itoa(c.CooldownSeconds), strconv.Itoa(fresh.CooldownSeconds), false,
		})
		c.CooldownSeconds = fresh.CooldownSeconds
	}
	if !c.AntiFlipPct.Equal(fresh.AntiFlipPct) {
		result.Changes = append(result.Changes, ReloadChange{"anti_flip_pct", c.AntiFlipPct.String(), fresh.AntiFlipPct.String(), false})
		c.AntiFlipPct = fresh.AntiFlipPct
	}
	if c.DebounceSeconds != fresh.DebounceSeconds {
		result.Changes = append(result.Changes, ReloadChange{
			"debounce_seconds", strconv.Itoa(c.DebounceSeconds), strconv.Itoa(fresh.DebounceSeconds), false,
		})
		c.DebounceSeconds = fresh.DebounceSeconds
	}
	if c.LogLevel != fresh.LogLevel {
		result.Changes = append(result.Changes, ReloadChange{"log_level", c.LogLevel, fresh.LogLevel, false})
		c.LogLevel = fresh.LogLevel
	}
	c.Policies = fresh.Policies

	return result, nil
}

// Policy returns the policy for the given ladder index under a read lock.
func (c *Config) Policy(idx models.PositionIndex) PositionPolicyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Policies[idx]
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvClock parses "HH:MM" into a duration since midnight.
func getEnvClock(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return fallback
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return fallback
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
}
