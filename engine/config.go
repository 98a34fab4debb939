/*
config.go - Externally-overridable engine constants

PURPOSE:
  Carries the configuration the engine consumes: eligibility threshold,
  point-to-currency rate, milestone boundaries and bonus, retraction window,
  and the product catalog. Loaded from a YAML file with sensible defaults.

DEFAULTS (current deployment):
  eligibility_threshold: 1000 points
  point_value:           50 currency units per point
  milestone_boundaries:  [10] units
  retraction_window:     24h

EXAMPLE FILE:
  eligibility_threshold: 1000
  point_value: "50"
  currency: EUR
  milestone_boundaries: [10]
  milestone_bonus: "500"
  retraction_window: 24h
  products:
    - id: inv-5k
      name: "5kW Inverter"
      serial_prefix: "INV5"
      points: 400

SEE ALSO:
  - catalog.go: StaticCatalog built from Config.Products
  - cmd/server/main.go: loads the file at startup
*/
package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every externally-overridable constant of the engine.
type Config struct {
	// EligibilityThreshold is the earned-points floor for payment requests.
	EligibilityThreshold int64

	// PointValue is the currency value of one point.
	PointValue decimal.Decimal

	// Currency is the ISO code stamped on payment requests.
	Currency string

	// MilestoneBoundaries are the equipment counts that trigger one-time
	// bonus requests. Each boundary fires at most once per installer.
	MilestoneBoundaries []int

	// MilestoneBonus is the flat amount of a milestone bonus request.
	MilestoneBonus decimal.Decimal

	// RetractionWindow bounds how long after a claim a serial can be
	// released.
	RetractionWindow time.Duration

	// Products is the read-only catalog (serial pattern -> point value).
	Products []Product
}

// DefaultConfig returns the currently deployed configuration.
func DefaultConfig() Config {
	return Config{
		EligibilityThreshold: 1000,
		PointValue:           decimal.NewFromInt(50),
		Currency:             "EUR",
		MilestoneBoundaries:  []int{10},
		MilestoneBonus:       decimal.NewFromInt(500),
		RetractionWindow:     24 * time.Hour,
	}
}

// Amount converts a point quantity to its currency value.
func (c Config) Amount(points int64) decimal.Decimal {
	return c.PointValue.Mul(decimal.NewFromInt(points))
}

// fileConfig is the YAML wire shape. Decimal fields are strings so values
// like "0.5" survive without float rounding.
type fileConfig struct {
	EligibilityThreshold *int64        `yaml:"eligibility_threshold"`
	PointValue           string        `yaml:"point_value"`
	Currency             string        `yaml:"currency"`
	MilestoneBoundaries  []int         `yaml:"milestone_boundaries"`
	MilestoneBonus       string        `yaml:"milestone_bonus"`
	RetractionWindow     time.Duration `yaml:"retraction_window"`
	Products             []fileProduct `yaml:"products"`
}

type fileProduct struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	SerialPrefix string `yaml:"serial_prefix"`
	SerialLength int    `yaml:"serial_length"`
	Points       int64  `yaml:"points"`
}

// LoadConfig reads a YAML config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config bytes over the defaults.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	if fc.EligibilityThreshold != nil {
		cfg.EligibilityThreshold = *fc.EligibilityThreshold
	}
	if fc.PointValue != "" {
		v, err := decimal.NewFromString(fc.PointValue)
		if err != nil {
			return Config{}, fmt.Errorf("invalid point_value %q: %w", fc.PointValue, err)
		}
		cfg.PointValue = v
	}
	if fc.Currency != "" {
		cfg.Currency = fc.Currency
	}
	if len(fc.MilestoneBoundaries) > 0 {
		cfg.MilestoneBoundaries = fc.MilestoneBoundaries
	}
	if fc.MilestoneBonus != "" {
		v, err := decimal.NewFromString(fc.MilestoneBonus)
		if err != nil {
			return Config{}, fmt.Errorf("invalid milestone_bonus %q: %w", fc.MilestoneBonus, err)
		}
		cfg.MilestoneBonus = v
	}
	if fc.RetractionWindow > 0 {
		cfg.RetractionWindow = fc.RetractionWindow
	}
	for _, p := range fc.Products {
		cfg.Products = append(cfg.Products, Product{
			ID:           ProductID(p.ID),
			Name:         p.Name,
			SerialPrefix: p.SerialPrefix,
			SerialLength: p.SerialLength,
			Points:       p.Points,
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.EligibilityThreshold < 0 {
		return fmt.Errorf("eligibility_threshold must be >= 0")
	}
	if c.PointValue.IsNegative() || c.PointValue.IsZero() {
		return fmt.Errorf("point_value must be positive")
	}
	if c.RetractionWindow <= 0 {
		return fmt.Errorf("retraction_window must be positive")
	}
	for _, b := range c.MilestoneBoundaries {
		if b <= 0 {
			return fmt.Errorf("milestone boundary must be positive, got %d", b)
		}
	}
	for _, p := range c.Products {
		if p.ID == "" {
			return fmt.Errorf("product without id")
		}
		if p.Points <= 0 {
			return fmt.Errorf("product %s: points must be positive", p.ID)
		}
	}
	return nil
}
