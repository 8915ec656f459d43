package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dmarchetti/tradegate/internal/audit"
	"github.com/dmarchetti/tradegate/internal/broker"
	"github.com/dmarchetti/tradegate/internal/config"
	"github.com/dmarchetti/tradegate/internal/engine"
	"github.com/dmarchetti/tradegate/internal/feed"
	"github.com/dmarchetti/tradegate/internal/killswitch"
	"github.com/dmarchetti/tradegate/internal/observ"
	"github.com/dmarchetti/tradegate/internal/portfolio"
	"github.com/dmarchetti/tradegate/internal/risk"
	"github.com/dmarchetti/tradegate/internal/strategy"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "tradegate",
		Short:         "Risk-gated bar-driven execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to yaml config")

	root.AddCommand(backtestCmd(), paperCmd(), killCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Root, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			var c config.Root
			config.ApplyDefaults(&c)
			return c, nil
		}
		return cfg, err
	}
	return cfg, nil
}

// session wires the shared components for one run.
type session struct {
	cfg   config.Root
	trail *audit.Trail
	ks    *killswitch.Switch
	pf    *portfolio.State
	gate  *risk.Gate
	venue *broker.Resilient
}

func newSession(cfg config.Root, paper *broker.PaperAdapter) (*session, error) {
	observ.Init(cfg.LogLevel)

	trail, err := audit.Open(cfg.Audit.Path, cfg.Audit.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	ks, err := killswitch.Open(cfg.KillSwitch.Path, trail)
	if err != nil {
		trail.Close()
		return nil, fmt.Errorf("open kill switch: %w", err)
	}
	pf := portfolio.NewState(cfg.PortfolioPath, cfg.Engine.StartingCash)
	if err := pf.Load(); err != nil {
		trail.Close()
		return nil, fmt.Errorf("load portfolio: %w", err)
	}
	venue := broker.NewResilient(paper, cfg.Broker, trail, ks)
	gate := risk.NewGate(cfg.Risk, ks, trail)
	return &session{cfg: cfg, trail: trail, ks: ks, pf: pf, gate: gate, venue: venue}, nil
}

func (s *session) close() {
	s.gate.Close()
	if err := s.trail.Close(); err != nil {
		observ.Error("audit_close_failed", err, nil)
	}
}

func (s *session) run(ctx context.Context, src feed.BarSource, strat strategy.Strategy) (*engine.SessionResult, error) {
	if err := s.venue.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect venue: %w", err)
	}
	defer s.venue.Disconnect(context.Background())

	if err := s.venue.Reconcile(ctx, s.pf); err != nil {
		return nil, fmt.Errorf("reconcile with venue: %w", err)
	}

	eng := engine.New(s.cfg.Engine, s.cfg.SnapshotDir, strat, s.gate, s.venue, s.pf, s.ks, s.trail)
	return eng.Run(ctx, src)
}

func backtestCmd() *cobra.Command {
	var barsPath string
	var fast, slow int

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay a historical bar fixture through the full pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bars, err := feed.LoadBarsJSON(barsPath)
			if err != nil {
				return fmt.Errorf("load bars: %w", err)
			}
			strat, err := strategy.NewSMACross(fast, slow)
			if err != nil {
				return err
			}

			paper := broker.NewPaperAdapter(cfg.Engine.StartingCash)
			s, err := newSession(cfg, paper)
			if err != nil {
				return err
			}
			defer s.close()

			result, err := s.run(cmd.Context(), feed.NewSliceSource(bars), strat)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(summary(result))
		},
	}
	cmd.Flags().StringVar(&barsPath, "bars", "fixtures/bars.json", "bar fixture path")
	cmd.Flags().IntVar(&fast, "fast", 10, "fast SMA window")
	cmd.Flags().IntVar(&slow, "slow", 30, "slow SMA window")
	return cmd
}

func paperCmd() *cobra.Command {
	var symbol string
	var startPrice, dailyVol float64
	var intervalMs int
	var fast, slow int

	cmd := &cobra.Command{
		Use:   "paper",
		Short: "Run a live paper session against a simulated feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sessionID := uuid.NewString()
			observ.Log("paper_session_starting", map[string]any{"session_id": sessionID, "symbol": symbol})

			strat, err := strategy.NewSMACross(fast, slow)
			if err != nil {
				return err
			}
			paper := broker.NewPaperAdapter(cfg.Engine.StartingCash)
			s, err := newSession(cfg, paper)
			if err != nil {
				return err
			}
			defer s.close()

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", observ.Handler())
				mux.Handle("/healthz", observ.Health())
				go func() {
					if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
						observ.Error("metrics_server_failed", err, nil)
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src := feed.NewRandomWalk(symbol, startPrice, dailyVol,
				time.Duration(intervalMs)*time.Millisecond, time.Now().UnixNano())
			result, err := s.run(ctx, src, strat)
			if result != nil {
				observ.Log("paper_session_finished", map[string]any{
					"session_id":     sessionID,
					"bars_processed": result.BarsProcessed,
					"final_equity":   result.FinalEquity,
					"trades":         len(result.Trades),
				})
			}
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "AAPL", "symbol to simulate")
	cmd.Flags().Float64Var(&startPrice, "price", 200, "starting price")
	cmd.Flags().Float64Var(&dailyVol, "vol", 0.02, "daily volatility")
	cmd.Flags().IntVar(&intervalMs, "interval-ms", 1000, "bar interval in milliseconds")
	cmd.Flags().IntVar(&fast, "fast", 10, "fast SMA window")
	cmd.Flags().IntVar(&slow, "slow", 30, "slow SMA window")
	return cmd
}

func killCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Inspect or control the persistent kill switch",
	}

	openSwitch := func() (*killswitch.Switch, *audit.Trail, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, nil, err
		}
		observ.Init(cfg.LogLevel)
		trail, err := audit.Open(cfg.Audit.Path, cfg.Audit.QueueSize)
		if err != nil {
			return nil, nil, err
		}
		ks, err := killswitch.Open(cfg.KillSwitch.Path, trail)
		if err != nil {
			trail.Close()
			return nil, nil, err
		}
		return ks, trail, nil
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted kill switch record",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, trail, err := openSwitch()
			if err != nil {
				return err
			}
			defer trail.Close()
			return json.NewEncoder(os.Stdout).Encode(ks.State())
		},
	}

	var reason, by string
	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Activate the kill switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			ks, trail, err := openSwitch()
			if err != nil {
				return err
			}
			defer trail.Close()
			return ks.Trigger(by, reason)
		},
	}
	trigger.Flags().StringVar(&reason, "reason", "", "why trading is being halted")
	trigger.Flags().StringVar(&by, "by", "operator", "who is halting")

	var operator string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Deactivate the kill switch (requires an operator id)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, trail, err := openSwitch()
			if err != nil {
				return err
			}
			defer trail.Close()
			return ks.Reset(operator)
		},
	}
	reset.Flags().StringVar(&operator, "operator", "", "operator identity recorded with the reset")

	cmd.AddCommand(status, trigger, reset)
	return cmd
}

func summary(r *engine.SessionResult) map[string]any {
	return map[string]any{
		"bars_processed": r.BarsProcessed,
		"final_equity":   r.FinalEquity,
		"trades":         len(r.Trades),
		"signals":        len(r.Signals),
	}
}
