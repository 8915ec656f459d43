package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Engine struct {
	StartingCash       float64 `yaml:"starting_cash"`
	SlippageBps        float64 `yaml:"slippage_bps"`
	CommissionPerShare float64 `yaml:"commission_per_share"`
	SnapshotEveryBars  int     `yaml:"snapshot_every_bars"`
	HistoryMaxBars     int     `yaml:"history_max_bars"`
}

type Risk struct {
	MaxPortfolioRiskPct float64 `yaml:"max_portfolio_risk_pct"`
	MaxPositionPct      float64 `yaml:"max_position_pct"`
	StopLossFraction    float64 `yaml:"stop_loss_fraction"`

	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct"`
	MaxIntradayLossPct   float64 `yaml:"max_intraday_loss_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`

	VarWindow     int     `yaml:"var_window"`
	VarConfidence float64 `yaml:"var_confidence"`
	MaxVarPct     float64 `yaml:"max_var_pct"`
}

type Broker struct {
	Adapter           string  `yaml:"adapter"` // paper | <live venue>
	MaxRetries        int     `yaml:"max_retries"`
	BackoffBaseMs     int     `yaml:"backoff_base_ms"`
	BackoffMaxMs      int     `yaml:"backoff_max_ms"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	BreakerFailures   int     `yaml:"breaker_failures"`
	BreakerCooldownMs int     `yaml:"breaker_cooldown_ms"`
	RatePerSecond     float64 `yaml:"rate_per_second"`
}

type Audit struct {
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

type KillSwitch struct {
	Path string `yaml:"path"`
}

type Root struct {
	Mode          string     `yaml:"mode"` // backtest | paper | live
	LogLevel      string     `yaml:"log_level"`
	MetricsAddr   string     `yaml:"metrics_addr"`
	PortfolioPath string     `yaml:"portfolio_path"`
	SnapshotDir   string     `yaml:"snapshot_dir"`
	Engine        Engine     `yaml:"engine"`
	Risk          Risk       `yaml:"risk"`
	Broker        Broker     `yaml:"broker"`
	Audit         Audit      `yaml:"audit"`
	KillSwitch    KillSwitch `yaml:"kill_switch"`
}

// Load reads a yaml config file and applies defaults for anything unset.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	ApplyDefaults(&c)
	return c, c.Validate()
}

// ApplyDefaults fills unset fields with sane defaults.
func ApplyDefaults(c *Root) {
	if c.Mode == "" {
		c.Mode = "backtest"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PortfolioPath == "" {
		c.PortfolioPath = "data/portfolio.json"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "data/snapshots"
	}

	if c.Engine.StartingCash == 0 {
		c.Engine.StartingCash = 100000
	}
	if c.Engine.SlippageBps == 0 {
		c.Engine.SlippageBps = 2
	}
	if c.Engine.SnapshotEveryBars == 0 {
		c.Engine.SnapshotEveryBars = 100
	}
	if c.Engine.HistoryMaxBars == 0 {
		c.Engine.HistoryMaxBars = 1000
	}

	if c.Risk.MaxPortfolioRiskPct == 0 {
		c.Risk.MaxPortfolioRiskPct = 0.02
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.25
	}
	if c.Risk.StopLossFraction == 0 {
		c.Risk.StopLossFraction = 0.05
	}
	if c.Risk.MaxDrawdownPct == 0 {
		c.Risk.MaxDrawdownPct = 0.20
	}
	if c.Risk.MaxIntradayLossPct == 0 {
		c.Risk.MaxIntradayLossPct = 0.05
	}
	if c.Risk.MaxConsecutiveLosses == 0 {
		c.Risk.MaxConsecutiveLosses = 5
	}
	if c.Risk.VarWindow == 0 {
		c.Risk.VarWindow = 252
	}
	if c.Risk.VarConfidence == 0 {
		c.Risk.VarConfidence = 0.95
	}
	if c.Risk.MaxVarPct == 0 {
		c.Risk.MaxVarPct = 0.03
	}

	if c.Broker.Adapter == "" {
		c.Broker.Adapter = "paper"
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 3
	}
	if c.Broker.BackoffBaseMs == 0 {
		c.Broker.BackoffBaseMs = 100
	}
	if c.Broker.BackoffMaxMs == 0 {
		c.Broker.BackoffMaxMs = 5000
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 5000
	}
	if c.Broker.BreakerFailures == 0 {
		c.Broker.BreakerFailures = 5
	}
	if c.Broker.BreakerCooldownMs == 0 {
		c.Broker.BreakerCooldownMs = 30000
	}
	if c.Broker.RatePerSecond == 0 {
		c.Broker.RatePerSecond = 10
	}

	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.jsonl"
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1024
	}
	if c.KillSwitch.Path == "" {
		c.KillSwitch.Path = "data/killswitch.json"
	}
}

// Validate rejects configurations that would disable risk controls.
func (c Root) Validate() error {
	if c.Risk.MaxPortfolioRiskPct < 0 || c.Risk.MaxPortfolioRiskPct > 1 {
		return fmt.Errorf("max_portfolio_risk_pct %.4f outside [0,1]", c.Risk.MaxPortfolioRiskPct)
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("max_position_pct %.4f outside (0,1]", c.Risk.MaxPositionPct)
	}
	if c.Risk.StopLossFraction <= 0 {
		return fmt.Errorf("stop_loss_fraction must be positive, got %.4f", c.Risk.StopLossFraction)
	}
	if c.Risk.VarConfidence <= 0 || c.Risk.VarConfidence >= 1 {
		return fmt.Errorf("var_confidence %.4f outside (0,1)", c.Risk.VarConfidence)
	}
	if c.Engine.StartingCash <= 0 {
		return fmt.Errorf("starting_cash must be positive, got %.2f", c.Engine.StartingCash)
	}
	return nil
}
