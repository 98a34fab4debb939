package engine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solara/loyalty-engine/engine"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := engine.DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, int64(1000), cfg.EligibilityThreshold)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, []int{10}, cfg.MilestoneBoundaries)
}

func TestConfig_Amount(t *testing.T) {
	cfg := engine.DefaultConfig()

	// 50 currency units per point
	assert.True(t, decimal.NewFromInt(50000).Equal(cfg.Amount(1000)))
	assert.True(t, decimal.Zero.Equal(cfg.Amount(0)))
}

func TestParseConfig_OverridesDefaults(t *testing.T) {
	// GIVEN: A YAML config overriding a subset of fields
	// WHEN: Parsing
	// THEN: Overridden fields take effect, the rest keep defaults

	yaml := `
eligibility_threshold: 500
point_value: "0.5"
currency: USD
milestone_boundaries: [5, 10, 25]
retraction_window: 48h
products:
  - id: inv-5kw
    name: "5kW inverter"
    serial_prefix: SL5
    serial_length: 10
    points: 400
`
	cfg, err := engine.ParseConfig([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, int64(500), cfg.EligibilityThreshold)
	assert.True(t, decimal.NewFromFloat(0.5).Equal(cfg.PointValue))
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, []int{5, 10, 25}, cfg.MilestoneBoundaries)
	assert.Equal(t, 48*time.Hour, cfg.RetractionWindow)
	assert.True(t, decimal.NewFromInt(500).Equal(cfg.MilestoneBonus), "bonus keeps default")

	require.Len(t, cfg.Products, 1)
	assert.Equal(t, engine.ProductID("inv-5kw"), cfg.Products[0].ID)
	assert.Equal(t, int64(400), cfg.Products[0].Points)
}

func TestParseConfig_RejectsBadDecimal(t *testing.T) {
	_, err := engine.ParseConfig([]byte(`point_value: "fifty"`))
	assert.Error(t, err)
}

func TestConfig_Validate_Rejections(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.PointValue = decimal.Zero
	assert.Error(t, cfg.Validate(), "zero point value")

	cfg = engine.DefaultConfig()
	cfg.EligibilityThreshold = -1
	assert.Error(t, cfg.Validate(), "negative threshold")

	cfg = engine.DefaultConfig()
	cfg.RetractionWindow = 0
	assert.Error(t, cfg.Validate(), "zero retraction window")
}
