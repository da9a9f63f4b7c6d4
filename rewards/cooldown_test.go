package rewards_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/reward-ledger/rewards"
)

func TestEligible(t *testing.T) {
	cooldown := 30 * time.Second
	last := t0

	tests := []struct {
		name          string
		last          *time.Time
		now           time.Time
		wantAllowed   bool
		wantRemaining time.Duration
	}{
		{"never watched", nil, t0, true, 0},
		{"same instant", &last, t0, false, 30 * time.Second},
		{"10s later", &last, t0.Add(10 * time.Second), false, 20 * time.Second},
		{"sub-second remaining", &last, t0.Add(29*time.Second + 500*time.Millisecond), false, 500 * time.Millisecond},
		{"exactly at cooldown", &last, t0.Add(30 * time.Second), true, 0},
		{"31s later", &last, t0.Add(31 * time.Second), true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rewards.Eligible(tt.last, tt.now, cooldown)
			assert.Equal(t, tt.wantAllowed, got.Allowed)
			assert.Equal(t, tt.wantRemaining, got.Remaining)
			if tt.last != nil {
				assert.Equal(t, tt.last.Add(cooldown), got.NextEligibleAt)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, rewards.DefaultConfig().Validate())

	cfg := rewards.DefaultConfig()
	cfg.AdReward = dec("0")
	assert.ErrorIs(t, cfg.Validate(), rewards.ErrInvalidConfig)

	cfg = rewards.DefaultConfig()
	cfg.AdCooldown = -time.Second
	assert.ErrorIs(t, cfg.Validate(), rewards.ErrInvalidConfig)

	cfg = rewards.DefaultConfig()
	cfg.ReferralReward = dec("-0.05")
	assert.ErrorIs(t, cfg.Validate(), rewards.ErrInvalidConfig)
}
