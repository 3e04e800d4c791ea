package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sample = `
simulation:
  start: 2025-06-01T00:00:00Z
  duration: 2h
  slot_length: 15m
  ticks_per_slot: 10
  market_count: 2
  market_type: pay_as_clear
  clearing_frequency_per_slot: 2
  transfer_fee_pct: 2.5
  settlement:
    enabled: true
  balancing:
    enabled: true
    supply_ratio: 0.2
grid:
  name: grid
  children:
    - name: house1
      children:
        - name: fridge
          strategy:
            kind: load
            avg_power_w: 200
            initial_buying_rate: 10
            final_buying_rate: 30
device_registry:
  fridge:
    demand: 30
    supply: 25
`

func TestLoad_Sample(t *testing.T) {
	c, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := c.Simulation
	if s.Duration != 2*time.Hour || s.SlotLength != 15*time.Minute {
		t.Errorf("unexpected durations %v/%v", s.Duration, s.SlotLength)
	}
	if !s.TransferFeePct.Equal(decimal.NewFromFloat(2.5)) {
		t.Errorf("expected fee 2.5, got %s", s.TransferFeePct)
	}
	if s.ClearingInterval() != 5 {
		t.Errorf("expected clearing every 5 ticks, got %d", s.ClearingInterval())
	}
	if s.Settlement.HorizonHours != 4 {
		t.Errorf("settlement horizon should default to 4h, got %d", s.Settlement.HorizonHours)
	}
	if !s.Balancing.SupplyRatio.Equal(decimal.NewFromFloat(0.2)) || !s.Balancing.DemandRatio.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("unexpected balancing ratios %s/%s", s.Balancing.SupplyRatio, s.Balancing.DemandRatio)
	}
	fridge := c.Grid.Children[0].Children[0]
	if fridge.Strategy == nil || fridge.Strategy.Kind != "load" || !fridge.Strategy.AvgPowerW.Equal(decimal.NewFromInt(200)) {
		t.Errorf("unexpected fridge strategy %+v", fridge.Strategy)
	}
	if rates, ok := c.DeviceRegistry["fridge"]; !ok || !rates.Demand.Equal(decimal.NewFromInt(30)) {
		t.Errorf("unexpected registry %+v", c.DeviceRegistry)
	}
	if c.Server.Port != "8080" {
		t.Errorf("port should default to 8080, got %q", c.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadUnchecked_NoDefaults(t *testing.T) {
	c, err := LoadUnchecked(writeConfig(t, "grid:\n  name: grid\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Simulation.TicksPerSlot != 0 {
		t.Error("LoadUnchecked must not apply defaults")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown market type", func(c *Config) { c.Simulation.MarketType = "dutch" }, "market_type"},
		{"balancing as spot", func(c *Config) { c.Simulation.MarketType = "balancing" }, "market_type"},
		{"clearing too frequent", func(c *Config) { c.Simulation.ClearingFrequencyPerSlot = 99 }, "clearing_frequency"},
		{"negative fee", func(c *Config) { c.Simulation.TransferFeePct = decimal.NewFromInt(-1) }, "transfer_fee_pct"},
		{"short duration", func(c *Config) { c.Simulation.Duration = time.Minute }, "duration"},
		{"duplicate area", func(c *Config) { c.Grid.Children[1].Name = "utility" }, "duplicate"},
		{"unknown strategy", func(c *Config) { c.Grid.Children[0].Strategy.Kind = "wind" }, "unknown strategy"},
		{"strategy on inner node", func(c *Config) {
			c.Grid.Children[1].Strategy = &StrategyConfig{Kind: "load"}
		}, "only leaf"},
		{"missing name", func(c *Config) { c.Grid.Name = "" }, "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	env := map[string]string{"PORT": "9090", "REDIS_URL": "redis://cache:6379/0"}
	c.ApplyEnv(func(k string) string { return env[k] })

	if c.Server.Port != "9090" || c.Server.RedisURL != "redis://cache:6379/0" {
		t.Errorf("env not applied: %+v", c.Server)
	}
	if c.Server.DatabaseURL != "" {
		t.Error("unset variables must not override")
	}
}

func TestTickLength(t *testing.T) {
	s := SimulationConfig{SlotLength: 15 * time.Minute, TicksPerSlot: 15}
	if s.TickLength() != time.Minute {
		t.Errorf("expected 1m ticks, got %v", s.TickLength())
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "examples", "config.yaml"))
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	if c.Simulation.MarketType != "pay_as_clear" || !c.Simulation.Settlement.Enabled {
		t.Errorf("unexpected simulation section %+v", c.Simulation)
	}
	if len(c.Grid.Children) != 2 || len(c.DeviceRegistry) != 2 {
		t.Errorf("unexpected grid or registry: %d children, %d devices", len(c.Grid.Children), len(c.DeviceRegistry))
	}
}
