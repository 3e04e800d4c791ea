package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/energy-exchange/internal/registry"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// Default returns a runnable configuration: a grid with a commercial
// producer and two houses, each with a load and a PV, one with a battery.
func Default() *Config {
	c := &Config{
		Simulation: SimulationConfig{
			Start:                    time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			Duration:                 24 * time.Hour,
			SlotLength:               15 * time.Minute,
			TicksPerSlot:             15,
			MarketCount:              1,
			MarketType:               "pay_as_bid",
			ClearingFrequencyPerSlot: 3,
			TransferFeePct:           dec(1),
		},
		Grid: AreaConfig{
			Name: "grid",
			Children: []AreaConfig{
				{Name: "utility", Strategy: &StrategyConfig{
					Kind:             "commercial_producer",
					EnergyPerSlotKWh: dec(50),
					EnergyRate:       dec(30),
				}},
				house("house1", true),
				house("house2", false),
			},
		},
		DeviceRegistry: map[string]registry.Rates{
			"house1 battery": {Demand: dec(20), Supply: dec(35)},
		},
	}
	c.applyDefaults()
	return c
}

func house(name string, battery bool) AreaConfig {
	a := AreaConfig{
		Name: name,
		Children: []AreaConfig{
			{Name: name + " load", Strategy: &StrategyConfig{
				Kind:              "load",
				AvgPowerW:         dec(500),
				InitialBuyingRate: dec(10),
				FinalBuyingRate:   dec(35),
			}},
			{Name: name + " pv", Strategy: &StrategyConfig{
				Kind:               "pv",
				CapacityKW:         dec(3),
				InitialSellingRate: dec(28),
				FinalSellingRate:   dec(5),
			}},
		},
	}
	if battery {
		a.Children = append(a.Children, AreaConfig{Name: name + " battery", Strategy: &StrategyConfig{
			Kind:               "storage",
			BatteryCapacityKWh: dec(10),
			MinSOC:             dec(0.1),
			MaxSOC:             dec(1),
			InitialSOC:         dec(0.5),
			MaxPowerKW:         dec(2),
			BuyRate:            dec(12),
			SellRate:           dec(26),
		}})
	}
	return a
}
