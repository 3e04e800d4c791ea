// Package config loads the simulation configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/energy-exchange/internal/market"
	"github.com/atmx/energy-exchange/internal/registry"
)

// Config is the on-disk configuration shape (YAML).
type Config struct {
	Simulation     SimulationConfig          `yaml:"simulation"`
	Grid           AreaConfig                `yaml:"grid"`
	DeviceRegistry map[string]registry.Rates `yaml:"device_registry"`
	Server         ServerConfig              `yaml:"server"`
}

type SimulationConfig struct {
	Start      time.Time     `yaml:"start"`
	Duration   time.Duration `yaml:"duration"`
	SlotLength time.Duration `yaml:"slot_length"`
	// TickInterval paces the server's simulation loop in wall time; zero
	// runs as fast as possible.
	TickInterval time.Duration `yaml:"tick_interval"`

	TicksPerSlot             int             `yaml:"ticks_per_slot"`
	MarketCount              int             `yaml:"market_count"`
	MarketType               string          `yaml:"market_type"`
	ClearingFrequencyPerSlot int             `yaml:"clearing_frequency_per_slot"`
	TransferFeePct           decimal.Decimal `yaml:"transfer_fee_pct"`
	MinOfferAge              int             `yaml:"min_offer_age"`
	KeepPastMarkets          bool            `yaml:"keep_past_markets"`

	Settlement SettlementConfig `yaml:"settlement"`
	Balancing  BalancingConfig  `yaml:"balancing"`
}

type SettlementConfig struct {
	Enabled      bool `yaml:"enabled"`
	HorizonHours int  `yaml:"horizon_hours"`
}

type BalancingConfig struct {
	Enabled     bool            `yaml:"enabled"`
	SupplyRatio decimal.Decimal `yaml:"supply_ratio"`
	DemandRatio decimal.Decimal `yaml:"demand_ratio"`
}

// AreaConfig is one node of the grid tree. Leaves carry a strategy.
type AreaConfig struct {
	Name     string          `yaml:"name"`
	Children []AreaConfig    `yaml:"children"`
	Strategy *StrategyConfig `yaml:"strategy"`
}

// StrategyConfig configures a device strategy. Only the fields of the
// selected kind are read.
type StrategyConfig struct {
	Kind string `yaml:"kind"`

	// load
	AvgPowerW         decimal.Decimal `yaml:"avg_power_w"`
	InitialBuyingRate decimal.Decimal `yaml:"initial_buying_rate"`
	FinalBuyingRate   decimal.Decimal `yaml:"final_buying_rate"`

	// pv
	CapacityKW         decimal.Decimal `yaml:"capacity_kw"`
	InitialSellingRate decimal.Decimal `yaml:"initial_selling_rate"`
	FinalSellingRate   decimal.Decimal `yaml:"final_selling_rate"`

	// storage
	BatteryCapacityKWh decimal.Decimal `yaml:"battery_capacity_kwh"`
	MinSOC             decimal.Decimal `yaml:"min_soc"`
	MaxSOC             decimal.Decimal `yaml:"max_soc"`
	InitialSOC         decimal.Decimal `yaml:"initial_soc"`
	MaxPowerKW         decimal.Decimal `yaml:"max_power_kw"`
	BuyRate            decimal.Decimal `yaml:"buy_rate"`
	SellRate           decimal.Decimal `yaml:"sell_rate"`

	// commercial_producer
	EnergyPerSlotKWh decimal.Decimal `yaml:"energy_per_slot_kwh"`
	EnergyRate       decimal.Decimal `yaml:"energy_rate"`
}

// ServerConfig holds the outer surfaces; every field can be overridden
// from the environment.
type ServerConfig struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	c, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadUnchecked loads a config file but does not default or validate it.
// Useful for debugging/printing partial configs.
func LoadUnchecked(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}

// ApplyEnv overrides server settings from PORT, DATABASE_URL and REDIS_URL.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Server.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Server.RedisURL = v
	}
}

func (c *Config) applyDefaults() {
	s := &c.Simulation
	if s.SlotLength == 0 {
		s.SlotLength = 15 * time.Minute
	}
	if s.Duration == 0 {
		s.Duration = 24 * time.Hour
	}
	if s.TicksPerSlot == 0 {
		s.TicksPerSlot = 15
	}
	if s.MarketCount == 0 {
		s.MarketCount = 1
	}
	if s.MarketType == "" {
		s.MarketType = string(market.OneSided)
	}
	if s.ClearingFrequencyPerSlot == 0 {
		s.ClearingFrequencyPerSlot = 3
	}
	if s.Start.IsZero() {
		s.Start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if s.Settlement.Enabled && s.Settlement.HorizonHours == 0 {
		s.Settlement.HorizonHours = 4
	}
	if s.Balancing.Enabled {
		if s.Balancing.SupplyRatio.IsZero() {
			s.Balancing.SupplyRatio = decimal.NewFromFloat(0.1)
		}
		if s.Balancing.DemandRatio.IsZero() {
			s.Balancing.DemandRatio = decimal.NewFromFloat(0.1)
		}
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.CacheTTL == 0 {
		c.Server.CacheTTL = 30 * time.Second
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	s := c.Simulation
	if s.SlotLength <= 0 {
		return errors.New("simulation.slot_length must be positive")
	}
	if s.Duration < s.SlotLength {
		return errors.New("simulation.duration must cover at least one slot")
	}
	if s.TicksPerSlot <= 0 {
		return errors.New("simulation.ticks_per_slot must be positive")
	}
	if s.MarketCount <= 0 {
		return errors.New("simulation.market_count must be positive")
	}
	kind, err := market.ParseKind(s.MarketType)
	if err != nil {
		return fmt.Errorf("simulation.market_type: %w", err)
	}
	if kind == market.Balancing {
		return errors.New("simulation.market_type: balancing markets are enabled via simulation.balancing")
	}
	if s.ClearingFrequencyPerSlot <= 0 || s.ClearingFrequencyPerSlot > s.TicksPerSlot {
		return errors.New("simulation.clearing_frequency_per_slot must be in [1, ticks_per_slot]")
	}
	if s.TransferFeePct.IsNegative() {
		return errors.New("simulation.transfer_fee_pct must not be negative")
	}
	if s.MinOfferAge < 0 {
		return errors.New("simulation.min_offer_age must not be negative")
	}
	if s.Settlement.Enabled && s.Settlement.HorizonHours <= 0 {
		return errors.New("simulation.settlement.horizon_hours must be positive")
	}
	if s.Balancing.SupplyRatio.IsNegative() || s.Balancing.DemandRatio.IsNegative() {
		return errors.New("simulation.balancing ratios must not be negative")
	}
	if s.TickInterval < 0 {
		return errors.New("simulation.tick_interval must not be negative")
	}
	names := make(map[string]bool)
	if err := validateArea(c.Grid, names); err != nil {
		return fmt.Errorf("grid: %w", err)
	}
	return nil
}

var strategyKinds = map[string]bool{
	"load":                true,
	"pv":                  true,
	"storage":             true,
	"commercial_producer": true,
}

func validateArea(a AreaConfig, seen map[string]bool) error {
	if a.Name == "" {
		return errors.New("area name is required")
	}
	if seen[a.Name] {
		return fmt.Errorf("duplicate area name %q", a.Name)
	}
	seen[a.Name] = true
	if a.Strategy != nil && len(a.Children) > 0 {
		return fmt.Errorf("area %q: only leaf areas carry a strategy", a.Name)
	}
	if a.Strategy != nil && !strategyKinds[a.Strategy.Kind] {
		return fmt.Errorf("area %q: unknown strategy kind %q", a.Name, a.Strategy.Kind)
	}
	for _, child := range a.Children {
		if err := validateArea(child, seen); err != nil {
			return err
		}
	}
	return nil
}

// ClearingInterval is the number of ticks between pay-as-clear rounds.
func (s SimulationConfig) ClearingInterval() int {
	if s.ClearingFrequencyPerSlot <= 0 {
		return s.TicksPerSlot
	}
	n := s.TicksPerSlot / s.ClearingFrequencyPerSlot
	if n < 1 {
		n = 1
	}
	return n
}

// TickLength is the simulated duration of one tick.
func (s SimulationConfig) TickLength() time.Duration {
	return s.SlotLength / time.Duration(s.TicksPerSlot)
}
