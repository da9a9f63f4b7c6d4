package rewards

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/reward-ledger/ledger"
)

// Config holds the reward constants. All of them are configurable; the
// defaults are the production values.
type Config struct {
	AdReward       decimal.Decimal
	AdCooldown     time.Duration
	MilestoneCount int64 // 0 disables the milestone bonus
	MilestoneBonus decimal.Decimal
	ReferralReward decimal.Decimal
	MaxRetries     int
}

func DefaultConfig() Config {
	return Config{
		AdReward:       decimal.RequireFromString("0.005"),
		AdCooldown:     30 * time.Second,
		MilestoneCount: 100,
		MilestoneBonus: decimal.RequireFromString("0.1"),
		ReferralReward: decimal.RequireFromString("0.05"),
		MaxRetries:     ledger.DefaultMaxRetries,
	}
}

var ErrInvalidConfig = errors.New("invalid rewards config")

func (c Config) Validate() error {
	switch {
	case !c.AdReward.IsPositive():
		return fmt.Errorf("%w: ad reward must be positive, got %s", ErrInvalidConfig, c.AdReward)
	case c.AdCooldown < 0:
		return fmt.Errorf("%w: ad cooldown must not be negative, got %s", ErrInvalidConfig, c.AdCooldown)
	case c.MilestoneCount < 0:
		return fmt.Errorf("%w: milestone count must not be negative, got %d", ErrInvalidConfig, c.MilestoneCount)
	case c.MilestoneBonus.IsNegative():
		return fmt.Errorf("%w: milestone bonus must not be negative, got %s", ErrInvalidConfig, c.MilestoneBonus)
	case c.ReferralReward.IsNegative():
		return fmt.Errorf("%w: referral reward must not be negative, got %s", ErrInvalidConfig, c.ReferralReward)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	return nil
}
