// Package config loads raffled configuration. Values come from defaults, an
// optional YAML file, an optional .env file and the process environment, in
// increasing order of precedence.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/raffle_layer/internal/database"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
	"github.com/R3E-Network/raffle_layer/services/automation"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "config/raffled.yaml"

// RaffleConfig is the deployment configuration of the raffle.
type RaffleConfig struct {
	Name                 string        `yaml:"name" env:"RAFFLE_NAME"`
	EntranceFee          string        `yaml:"entrance_fee" env:"RAFFLE_ENTRANCE_FEE"`
	Interval             time.Duration `yaml:"interval" env:"RAFFLE_INTERVAL"`
	KeyHash              string        `yaml:"key_hash" env:"RAFFLE_KEY_HASH"`
	SubscriptionID       uint64        `yaml:"subscription_id" env:"RAFFLE_SUBSCRIPTION_ID"`
	RequestConfirmations uint16        `yaml:"request_confirmations" env:"RAFFLE_REQUEST_CONFIRMATIONS"`
	CallbackGasLimit     uint32        `yaml:"callback_gas_limit" env:"RAFFLE_CALLBACK_GAS_LIMIT"`
	NumWords             uint32        `yaml:"num_words" env:"RAFFLE_NUM_WORDS"`
	AutoPayout           bool          `yaml:"auto_payout" env:"RAFFLE_AUTO_PAYOUT"`
}

// VRFConfig configures the development coordinator.
type VRFConfig struct {
	SeedHex      string        `yaml:"seed" env:"RAFFLE_VRF_SEED"`
	AutoFulfill  bool          `yaml:"auto_fulfill" env:"RAFFLE_VRF_AUTO_FULFILL"`
	FulfillDelay time.Duration `yaml:"fulfill_delay" env:"RAFFLE_VRF_FULFILL_DELAY"`
}

// RedisConfig configures the event publisher. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"RAFFLE_REDIS_ADDR"`
	Password string `yaml:"password" env:"RAFFLE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"RAFFLE_REDIS_DB"`
	Channel  string `yaml:"channel" env:"RAFFLE_REDIS_CHANNEL"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string        `yaml:"addr" env:"RAFFLE_HTTP_ADDR"`
	OracleSecret   string        `yaml:"oracle_secret" env:"RAFFLE_ORACLE_SECRET"`
	EntrantSecret  string        `yaml:"entrant_secret" env:"RAFFLE_ENTRANT_SECRET"`
	RateLimit      float64       `yaml:"rate_limit" env:"RAFFLE_RATE_LIMIT"`
	RateBurst      int           `yaml:"rate_burst" env:"RAFFLE_RATE_BURST"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"RAFFLE_ALLOWED_ORIGINS"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"RAFFLE_HTTP_READ_TIMEOUT"`
}

// Payout modes.
const (
	PayoutNone = "none"
	PayoutBank = "bank"
	PayoutHTTP = "http"
)

// PayoutConfig selects where entrance fees are collected from and how
// winnings leave custody. Wallets seeds bank mode balances, keyed by Neo
// address.
type PayoutConfig struct {
	Mode     string            `yaml:"mode" env:"RAFFLE_PAYOUT_MODE"`
	Treasury string            `yaml:"treasury" env:"RAFFLE_PAYOUT_TREASURY"`
	Wallets  map[string]string `yaml:"wallets"`
	URL      string            `yaml:"url" env:"RAFFLE_PAYOUT_URL"`
	Secret   string            `yaml:"secret" env:"RAFFLE_PAYOUT_SECRET"`
	Timeout  time.Duration     `yaml:"timeout" env:"RAFFLE_PAYOUT_TIMEOUT"`
}

// Config is the complete raffled configuration.
type Config struct {
	Raffle   RaffleConfig         `yaml:"raffle"`
	VRF      VRFConfig            `yaml:"vrf"`
	Keeper   automation.Config    `yaml:"keeper"`
	Database database.Config      `yaml:"database"`
	Redis    RedisConfig          `yaml:"redis"`
	Server   ServerConfig         `yaml:"server"`
	Payout   PayoutConfig         `yaml:"payout"`
	Logging  logger.LoggingConfig `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Raffle: RaffleConfig{
			Name:        "default",
			EntranceFee: "10000000",
			Interval:    30 * time.Second,
		},
		Keeper: automation.Config{Schedule: automation.DefaultSchedule},
		Database: database.Config{
			Driver:       "postgres",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{Channel: "raffle:events"},
		Server: ServerConfig{
			Addr:        ":8080",
			RateLimit:   20,
			RateBurst:   40,
			ReadTimeout: 15 * time.Second,
		},
		Payout: PayoutConfig{Mode: PayoutNone, Timeout: 30 * time.Second},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load builds the configuration. An empty path falls back to DefaultPath
// when that file exists. envFile, when non-empty, must exist; otherwise a
// .env in the working directory is loaded if present.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var problems []string

	if _, err := c.RaffleConfig(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.VRF.SeedHex != "" {
		if _, err := c.VRFSeed(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	switch c.Payout.Mode {
	case PayoutNone, "":
	case PayoutBank:
		if c.Payout.Treasury != "" {
			if _, ok := math.NewIntFromString(c.Payout.Treasury); !ok {
				problems = append(problems, "payout.treasury must be an integer")
			}
		}
		if _, err := c.PayoutWallets(); err != nil {
			problems = append(problems, err.Error())
		}
	case PayoutHTTP:
		if c.Payout.URL == "" {
			problems = append(problems, "payout.url is required for http payouts")
		}
	default:
		problems = append(problems, fmt.Sprintf("payout.mode %q is not one of none, bank, http", c.Payout.Mode))
	}
	if c.Server.RateLimit < 0 {
		problems = append(problems, "server.rate_limit must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RaffleConfig converts the raffle section into a validated raffle.Config.
func (c Config) RaffleConfig() (raffle.Config, error) {
	fee, ok := math.NewIntFromString(strings.TrimSpace(c.Raffle.EntranceFee))
	if !ok {
		return raffle.Config{}, fmt.Errorf("raffle.entrance_fee %q is not an integer", c.Raffle.EntranceFee)
	}
	cfg := raffle.Config{
		EntranceFee: fee,
		Interval:    c.Raffle.Interval,
		Request: raffle.RequestParams{
			KeyHash:              c.Raffle.KeyHash,
			SubscriptionID:       c.Raffle.SubscriptionID,
			RequestConfirmations: c.Raffle.RequestConfirmations,
			CallbackGasLimit:     c.Raffle.CallbackGasLimit,
			NumWords:             c.Raffle.NumWords,
		}.WithDefaults(),
		AutoPayout: c.Raffle.AutoPayout,
	}
	if err := cfg.Validate(); err != nil {
		return raffle.Config{}, fmt.Errorf("raffle: %w", err)
	}
	return cfg, nil
}

// VRFSeed decodes the configured seed.
func (c Config) VRFSeed() ([]byte, error) {
	if c.VRF.SeedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(c.VRF.SeedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("vrf.seed must be hex: %w", err)
	}
	return seed, nil
}

// PayoutWallets decodes the bank mode wallet seeds.
func (c Config) PayoutWallets() (map[raffle.Participant]math.Int, error) {
	out := make(map[raffle.Participant]math.Int, len(c.Payout.Wallets))
	for addr, raw := range c.Payout.Wallets {
		who, err := address.StringToUint160(addr)
		if err != nil {
			return nil, fmt.Errorf("payout.wallets: %q is not a Neo address", addr)
		}
		amount, ok := math.NewIntFromString(strings.TrimSpace(raw))
		if !ok || amount.IsNegative() {
			return nil, fmt.Errorf("payout.wallets[%s] must be a non-negative integer", addr)
		}
		out[who] = amount
	}
	return out, nil
}

// PayoutTreasury returns the initial bank treasury.
func (c Config) PayoutTreasury() math.Int {
	if v, ok := math.NewIntFromString(c.Payout.Treasury); ok {
		return v
	}
	return math.ZeroInt()
}
