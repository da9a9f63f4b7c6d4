// Package config loads service settings from defaults, an optional YAML
// file, a .env file and REWARD_ prefixed environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/withdrawals"
)

const EnvPrefix = "REWARD"

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Log         LogConfig
	Auth        AuthConfig
	Reconcile   ReconcileConfig
	Tasks       TasksConfig
	Rewards     RewardsConfig
	Withdrawals WithdrawalsConfig
	Ledger      LedgerConfig
}

type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Path string
}

type LogConfig struct {
	Level       string
	Development bool
}

type AuthConfig struct {
	BotToken   string
	MaxAuthAge time.Duration
	AdminToken string
}

type ReconcileConfig struct {
	Enabled  bool
	Interval time.Duration
}

type TasksConfig struct {
	CacheTTL time.Duration
}

// RewardsConfig keeps amounts as strings so they parse exactly as decimals.
type RewardsConfig struct {
	AdReward       string
	AdCooldown     time.Duration
	MilestoneCount int64
	MilestoneBonus string
	ReferralReward string
}

type WithdrawalsConfig struct {
	MinAmount string
}

type LedgerConfig struct {
	MaxRetries int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("database.path", "rewards.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("auth.bot_token", "")
	v.SetDefault("auth.max_auth_age", 24*time.Hour)
	v.SetDefault("auth.admin_token", "")
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", time.Hour)
	v.SetDefault("tasks.cache_ttl", 10*time.Minute)
	v.SetDefault("rewards.ad_reward", "0.005")
	v.SetDefault("rewards.ad_cooldown", 30*time.Second)
	v.SetDefault("rewards.milestone_count", 100)
	v.SetDefault("rewards.milestone_bonus", "0.1")
	v.SetDefault("rewards.referral_reward", "0.05")
	v.SetDefault("withdrawals.min_amount", "1")
	v.SetDefault("ledger.max_retries", 5)
}

// Load reads configuration. path may be empty, in which case ./config.yaml
// is used when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Database: DatabaseConfig{Path: v.GetString("database.path")},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Auth: AuthConfig{
			BotToken:   v.GetString("auth.bot_token"),
			MaxAuthAge: v.GetDuration("auth.max_auth_age"),
			AdminToken: v.GetString("auth.admin_token"),
		},
		Reconcile: ReconcileConfig{
			Enabled:  v.GetBool("reconcile.enabled"),
			Interval: v.GetDuration("reconcile.interval"),
		},
		Tasks: TasksConfig{CacheTTL: v.GetDuration("tasks.cache_ttl")},
		Rewards: RewardsConfig{
			AdReward:       v.GetString("rewards.ad_reward"),
			AdCooldown:     v.GetDuration("rewards.ad_cooldown"),
			MilestoneCount: v.GetInt64("rewards.milestone_count"),
			MilestoneBonus: v.GetString("rewards.milestone_bonus"),
			ReferralReward: v.GetString("rewards.referral_reward"),
		},
		Withdrawals: WithdrawalsConfig{MinAmount: v.GetString("withdrawals.min_amount")},
		Ledger:      LedgerConfig{MaxRetries: v.GetInt("ledger.max_retries")},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting that the services would otherwise reject
// at construction time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Reconcile.Enabled && c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive, got %s", c.Reconcile.Interval)
	}
	rc, err := c.RewardsConfig()
	if err != nil {
		return err
	}
	if err := rc.Validate(); err != nil {
		return err
	}
	wc, err := c.WithdrawalsConfig()
	if err != nil {
		return err
	}
	return wc.Validate()
}

// RewardsConfig converts to the reward engine's config.
func (c *Config) RewardsConfig() (rewards.Config, error) {
	adReward, err := parseAmount("rewards.ad_reward", c.Rewards.AdReward)
	if err != nil {
		return rewards.Config{}, err
	}
	bonus, err := parseAmount("rewards.milestone_bonus", c.Rewards.MilestoneBonus)
	if err != nil {
		return rewards.Config{}, err
	}
	referral, err := parseAmount("rewards.referral_reward", c.Rewards.ReferralReward)
	if err != nil {
		return rewards.Config{}, err
	}
	return rewards.Config{
		AdReward:       adReward,
		AdCooldown:     c.Rewards.AdCooldown,
		MilestoneCount: c.Rewards.MilestoneCount,
		MilestoneBonus: bonus,
		ReferralReward: referral,
		MaxRetries:     c.Ledger.MaxRetries,
	}, nil
}

// WithdrawalsConfig converts to the withdrawal manager's config.
func (c *Config) WithdrawalsConfig() (withdrawals.Config, error) {
	minAmount, err := parseAmount("withdrawals.min_amount", c.Withdrawals.MinAmount)
	if err != nil {
		return withdrawals.Config{}, err
	}
	return withdrawals.Config{
		MinAmount:  minAmount,
		MaxRetries: c.Ledger.MaxRetries,
	}, nil
}

func parseAmount(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
