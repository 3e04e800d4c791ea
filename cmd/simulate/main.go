package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atmx/energy-exchange/internal/config"
	"github.com/atmx/energy-exchange/internal/simulation"
	"github.com/atmx/energy-exchange/internal/store"
)

func main() {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to YAML config (default: built-in two-house grid)")
	duration := fs.Duration("duration", 0, "Optional: override simulation.duration")
	marketType := fs.String("market-type", "", "Optional: override simulation.market_type")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	verbose := fs.Bool("v", false, "Debug logging")
	_ = fs.Parse(os.Args[1:])

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *duration > 0 {
		cfg.Simulation.Duration = *duration
	}
	if *marketType != "" {
		cfg.Simulation.MarketType = *marketType
	}
	// Batch runs are never paced.
	cfg.Simulation.TickInterval = 0
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemoryStore()
	sim, err := simulation.New(cfg, st, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	started := time.Now()
	if err := sim.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "simulation interrupted:", err)
		os.Exit(1)
	}

	reports, err := sim.Report(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)
		return
	}

	fmt.Printf("Simulated %s (%d slots, %s) in %s\n",
		cfg.Simulation.Duration, sim.Status().Slots, cfg.Simulation.MarketType, time.Since(started).Round(time.Millisecond))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AREA\tMARKETS\tTRADES\tENERGY kWh\tPRICE\tAVG RATE")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			r.Area, r.Markets, r.Trades, r.Energy.StringFixed(3), r.Price.StringFixed(2), r.AvgRate.StringFixed(2))
	}
	tw.Flush()
}
