package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablehost/fable/pkg/config"
)

type fakeTierSource struct {
	tiers map[string]string
	err   error
}

func (f *fakeTierSource) UserTier(ctx context.Context, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if tier, ok := f.tiers[userID]; ok {
		return tier, nil
	}
	return "basic", nil
}

func TestBasicDefaults(t *testing.T) {
	d := Basic()
	assert.Equal(t, 12, d.RecentMemoryLimit)
	assert.Equal(t, 850, d.TokenizeThreshold)
	assert.Equal(t, 230, d.ChunkMaxTokens)
	assert.Equal(t, 6, d.MaxActiveChunks)
	assert.Equal(t, 300, d.DeepMemoryMaxTokens)
	assert.Equal(t, 1000, d.MaxWorldTokens)
	assert.Equal(t, []string{"Narrator:", "#", "Chapter"}, d.StopTokens)
}

func TestSafePromptLimitIsComputed(t *testing.T) {
	d := Basic()
	assert.Equal(t, 4096-180, d.SafePromptLimit())

	d.ModelMaxTokens = 8192
	assert.Equal(t, 8192-180, d.SafePromptLimit())
}

func TestGetResolvesOverrides(t *testing.T) {
	source := &fakeTierSource{tiers: map[string]string{"vip": "elite"}}
	provider := NewProvider(source, map[string]config.TierConfig{
		"elite": {RecentMemoryLimit: 24, ModelMaxTokens: 8192},
	})

	d, err := provider.Get(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, "elite", d.Tier)
	assert.Equal(t, 24, d.RecentMemoryLimit)
	assert.Equal(t, 8192, d.ModelMaxTokens)
	// Fields the tier does not override inherit basic.
	assert.Equal(t, 850, d.TokenizeThreshold)
}

func TestGetUnknownTierFallsBackToBasic(t *testing.T) {
	source := &fakeTierSource{tiers: map[string]string{"u": "legacy-gold"}}
	provider := NewProvider(source, nil)

	d, err := provider.Get(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "basic", d.Tier)
	assert.Equal(t, Basic(), d)
}

func TestGetPropagatesSourceError(t *testing.T) {
	source := &fakeTierSource{err: errors.New("db down")}
	provider := NewProvider(source, nil)

	_, err := provider.Get(context.Background(), "u")
	assert.Error(t, err)
}

func TestInvalidateAndUpdateTiers(t *testing.T) {
	source := &fakeTierSource{tiers: map[string]string{"vip": "elite"}}
	provider := NewProvider(source, map[string]config.TierConfig{
		"elite": {RecentMemoryLimit: 24},
	})

	d, err := provider.Get(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, 24, d.RecentMemoryLimit)

	provider.UpdateTiers(map[string]config.TierConfig{
		"elite": {RecentMemoryLimit: 48},
	})

	d, err = provider.Get(context.Background(), "vip")
	require.NoError(t, err)
	assert.Equal(t, 48, d.RecentMemoryLimit)
}
