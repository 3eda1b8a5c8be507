package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides. LEDGER_MATCH_AUTO_THRESHOLD
// maps to the dotted key match.auto_threshold.
const EnvPrefix = "LEDGER_"

// Config is the full daemon configuration tree. Field names mirror the
// dotted keys exposed to operators; duration-like values keep their unit
// suffix and convert through the accessor methods.
type Config struct {
	Store       StoreConfig       `yaml:"store"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	Collector   CollectorConfig   `yaml:"collector"`
	Accounting  AccountingConfig  `yaml:"accounting"`
	Audit       AuditConfig       `yaml:"audit"`
	Match       MatchConfig       `yaml:"match"`
	Interaction InteractionConfig `yaml:"interaction"`
	Egress      EgressConfig      `yaml:"egress"`
	Log         LogConfig         `yaml:"log"`
}

// StoreConfig tunes the embedded transactional store.
type StoreConfig struct {
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	SyncMode      string `yaml:"sync_mode"` // normal, full, off
	CacheMB       int    `yaml:"cache_mb"`
}

// DaemonConfig tunes supervision and maintenance.
type DaemonConfig struct {
	GraceShutdownS    int `yaml:"grace_shutdown_s"`
	HealthTimeoutS    int `yaml:"health_timeout_s"`
	ProbeTimeoutS     int `yaml:"probe_timeout_s"`
	HealthIntervalS   int `yaml:"health_interval_s"`
	BootTimeoutS      int `yaml:"boot_timeout_s"`
	CheckpointS       int `yaml:"checkpoint_s"`
	LockTimeoutS      int `yaml:"lock_timeout_s"`
	VerifyWindow      int `yaml:"verify_window"`       // entries per sliding chain verify
	MaxRestartBackoff int `yaml:"max_restart_backoff"` // seconds
}

// CollectorConfig tunes ingestion.
type CollectorConfig struct {
	DropDir         string `yaml:"drop_dir"`
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
	PerFileTimeoutS int    `yaml:"per_file_timeout_s"`
	GroupWindowS    int    `yaml:"group_window_s"`
	StabilityWaitMs int    `yaml:"stability_wait_ms"`
}

// AccountingConfig tunes the L1/L2 classification router.
type AccountingConfig struct {
	L2          L2Config      `yaml:"l2"`
	TokenBudget BudgetConfig  `yaml:"token_budget"`
	Cache       CacheConfig   `yaml:"cache"`
	Circuit     CircuitConfig `yaml:"circuit"`
	// UpgradeStreak forces L2 after this many consecutive low-confidence L1
	// outcomes for the same vendor inside UpgradeCooldownS.
	UpgradeStreak    int `yaml:"upgrade_streak"`
	UpgradeCooldownS int `yaml:"upgrade_cooldown_s"`
}

// L2Config tunes the external reasoning tier.
type L2Config struct {
	Enabled  bool   `yaml:"enabled"`
	StepCap  int    `yaml:"step_cap"`
	TimeoutS int    `yaml:"timeout_s"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`
}

// BudgetConfig bounds external token spend per period.
type BudgetConfig struct {
	Daily   int64 `yaml:"daily"`
	Monthly int64 `yaml:"monthly"`
}

// CacheConfig tunes the L2 response cache.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_s"`
	Size       int `yaml:"size"`
}

// CircuitConfig tunes the L2 circuit breaker.
type CircuitConfig struct {
	WindowS          int `yaml:"window_s"`
	FailureThreshold int `yaml:"failure_threshold"`
	CooloffS         int `yaml:"cooloff_s"`
}

// AuditConfig tunes the consensus auditor.
type AuditConfig struct {
	Strategy string `yaml:"strategy"` // STRICT, BALANCED, GROWTH
	// AmountTierT1 is the first escalation tier; amounts above 10x T1 are
	// treated as extreme.
	AmountTierT1 float64  `yaml:"amount_tier_t1"`
	RedLines     []string `yaml:"red_lines"`
	// Risk bands: below ApproveRiskBelow approves, above RejectRiskAbove
	// rejects, the band between surfaces NEEDS_REVIEW.
	ApproveRiskBelow      float64 `yaml:"approve_risk_below"`
	RejectRiskAbove       float64 `yaml:"reject_risk_above"`
	ReviewConfidenceBelow float64 `yaml:"review_confidence_below"`
}

// MatchConfig tunes reconciliation.
type MatchConfig struct {
	Tolerance      string  `yaml:"tolerance"` // decimal string, e.g. "0.01"
	WindowDays     int     `yaml:"window_days"`
	AutoThreshold  float64 `yaml:"auto_threshold"`
	ReviewBandLow  float64 `yaml:"review_band_low"`
	BatchSize      int     `yaml:"batch_size"`
	AutoPosted     bool    `yaml:"auto_posted"`
	EvidenceAgeH   int     `yaml:"evidence_age_h"`
	SubsetTolerant string  `yaml:"subset_tolerance"` // decimal string for N:M group matching
	IntervalS      int     `yaml:"interval_s"`
	VerifyEveryS   int     `yaml:"verify_every_s"`
}

// InteractionConfig tunes cards, the webhook listener, and the outbox.
type InteractionConfig struct {
	CardTTLS          int    `yaml:"card_ttl_s"`
	ReplayWindowS     int    `yaml:"replay_window_s"`
	Secret            string `yaml:"secret"`
	ListenAddr        string `yaml:"listen_addr"`
	OutboxPollS       int    `yaml:"outbox_poll_s"`
	OutboxDepthAlert  int    `yaml:"outbox_depth_alert"`
	OutboxMaxAttempts int    `yaml:"outbox_max_attempts"`

	// NotifyURL is where delivered outbox events are POSTed. Empty means
	// deliveries are logged only, which is the single-operator default.
	NotifyURL string `yaml:"notify_url"`
}

// EgressConfig tunes the outbound inference choke point.
type EgressConfig struct {
	Allowlist       []string `yaml:"allowlist"`
	MaxRetries      int      `yaml:"max_retries"`
	BackoffBaseMs   int      `yaml:"backoff_base_ms"`
	RequestTimeoutS int      `yaml:"request_timeout_s"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a Config with every default the daemon assumes.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			BusyTimeoutMs: 5000,
			SyncMode:      "normal",
			CacheMB:       64,
		},
		Daemon: DaemonConfig{
			GraceShutdownS:    5,
			HealthTimeoutS:    60,
			ProbeTimeoutS:     5,
			HealthIntervalS:   10,
			BootTimeoutS:      30,
			CheckpointS:       60,
			LockTimeoutS:      300,
			VerifyWindow:      256,
			MaxRestartBackoff: 60,
		},
		Collector: CollectorConfig{
			DropDir:         "./inbox",
			Workers:         2,
			QueueSize:       64,
			PerFileTimeoutS: 30,
			GroupWindowS:    60,
			StabilityWaitMs: 500,
		},
		Accounting: AccountingConfig{
			L2: L2Config{
				Enabled:  true,
				StepCap:  5,
				TimeoutS: 60,
				Model:    "default",
			},
			TokenBudget: BudgetConfig{
				Daily:   200000,
				Monthly: 3000000,
			},
			Cache: CacheConfig{
				TTLSeconds: 3600,
				Size:       512,
			},
			Circuit: CircuitConfig{
				WindowS:          60,
				FailureThreshold: 5,
				CooloffS:         120,
			},
			UpgradeStreak:    3,
			UpgradeCooldownS: 3600,
		},
		Audit: AuditConfig{
			Strategy:              "BALANCED",
			AmountTierT1:          10000,
			RedLines:              []string{"奢侈品", "礼品卡", "casino"},
			ApproveRiskBelow:      0.15,
			RejectRiskAbove:       0.40,
			ReviewConfidenceBelow: 0.60,
		},
		Match: MatchConfig{
			Tolerance:      "0.01",
			WindowDays:     7,
			AutoThreshold:  0.90,
			ReviewBandLow:  0.60,
			BatchSize:      100,
			AutoPosted:     false,
			EvidenceAgeH:   48,
			SubsetTolerant: "0.10",
			IntervalS:      30,
			VerifyEveryS:   3600,
		},
		Interaction: InteractionConfig{
			CardTTLS:          86400,
			ReplayWindowS:     60,
			ListenAddr:        "127.0.0.1:8321",
			OutboxPollS:       5,
			OutboxDepthAlert:  100,
			OutboxMaxAttempts: 8,
		},
		Egress: EgressConfig{
			MaxRetries:      3,
			BackoffBaseMs:   200,
			RequestTimeoutS: 30,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads a YAML config file over the defaults, then applies LEDGER_*
// environment overrides. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays LEDGER_* variables onto the config. Unknown keys are
// ignored so unrelated environment noise cannot break startup.
func (c *Config) ApplyEnv(environ []string) error {
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(kv[:eq], EnvPrefix))
		val := kv[eq+1:]
		if err := c.set(key, val); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}

// set assigns one underscore-joined key. Section names are single words, so
// the first segment selects the section and the remainder names the field.
func (c *Config) set(key, val string) error {
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return nil
	}
	switch section {
	case "store":
		switch rest {
		case "busy_timeout_ms":
			return setInt(&c.Store.BusyTimeoutMs, val)
		case "sync_mode":
			c.Store.SyncMode = val
		case "cache_mb":
			return setInt(&c.Store.CacheMB, val)
		}
	case "daemon":
		switch rest {
		case "grace_shutdown_s":
			return setInt(&c.Daemon.GraceShutdownS, val)
		case "health_timeout_s":
			return setInt(&c.Daemon.HealthTimeoutS, val)
		case "probe_timeout_s":
			return setInt(&c.Daemon.ProbeTimeoutS, val)
		case "health_interval_s":
			return setInt(&c.Daemon.HealthIntervalS, val)
		case "lock_timeout_s":
			return setInt(&c.Daemon.LockTimeoutS, val)
		}
	case "collector":
		switch rest {
		case "drop_dir":
			c.Collector.DropDir = val
		case "workers":
			return setInt(&c.Collector.Workers, val)
		case "queue_size":
			return setInt(&c.Collector.QueueSize, val)
		case "per_file_timeout_s":
			return setInt(&c.Collector.PerFileTimeoutS, val)
		case "group_window_s":
			return setInt(&c.Collector.GroupWindowS, val)
		}
	case "accounting":
		switch rest {
		case "l2_enabled":
			return setBool(&c.Accounting.L2.Enabled, val)
		case "l2_step_cap":
			return setInt(&c.Accounting.L2.StepCap, val)
		case "l2_timeout_s":
			return setInt(&c.Accounting.L2.TimeoutS, val)
		case "l2_model":
			c.Accounting.L2.Model = val
		case "l2_endpoint":
			c.Accounting.L2.Endpoint = val
		case "token_budget_daily":
			return setInt64(&c.Accounting.TokenBudget.Daily, val)
		case "token_budget_monthly":
			return setInt64(&c.Accounting.TokenBudget.Monthly, val)
		case "cache_ttl_s":
			return setInt(&c.Accounting.Cache.TTLSeconds, val)
		case "circuit_window_s":
			return setInt(&c.Accounting.Circuit.WindowS, val)
		}
	case "audit":
		switch rest {
		case "strategy":
			c.Audit.Strategy = strings.ToUpper(val)
		case "amount_tier_t1":
			return setFloat(&c.Audit.AmountTierT1, val)
		case "red_lines":
			c.Audit.RedLines = splitList(val)
		}
	case "match":
		switch rest {
		case "tolerance":
			c.Match.Tolerance = val
		case "window_days":
			return setInt(&c.Match.WindowDays, val)
		case "auto_threshold":
			return setFloat(&c.Match.AutoThreshold, val)
		case "auto_posted":
			return setBool(&c.Match.AutoPosted, val)
		case "batch_size":
			return setInt(&c.Match.BatchSize, val)
		}
	case "interaction":
		switch rest {
		case "card_ttl_s":
			return setInt(&c.Interaction.CardTTLS, val)
		case "replay_window_s":
			return setInt(&c.Interaction.ReplayWindowS, val)
		case "secret":
			c.Interaction.Secret = val
		case "listen_addr":
			c.Interaction.ListenAddr = val
		case "notify_url":
			c.Interaction.NotifyURL = val
		}
	case "egress":
		switch rest {
		case "allowlist":
			c.Egress.Allowlist = splitList(val)
		case "max_retries":
			return setInt(&c.Egress.MaxRetries, val)
		case "backoff_base_ms":
			return setInt(&c.Egress.BackoffBaseMs, val)
		}
	case "log":
		switch rest {
		case "level":
			c.Log.Level = val
		case "json":
			return setBool(&c.Log.JSON, val)
		}
	}
	return nil
}

// Validate rejects values that would make the daemon misbehave silently.
func (c *Config) Validate() error {
	if c.Daemon.GraceShutdownS <= 0 {
		return fmt.Errorf("daemon.grace_shutdown_s must be positive")
	}
	if c.Daemon.HealthIntervalS < 10 {
		return fmt.Errorf("daemon.health_interval_s must be at least 10")
	}
	if c.Collector.Workers <= 0 {
		return fmt.Errorf("collector.workers must be positive")
	}
	if c.Match.AutoThreshold < 0 || c.Match.AutoThreshold > 1 {
		return fmt.Errorf("match.auto_threshold must be within [0,1]")
	}
	if c.Match.ReviewBandLow > c.Match.AutoThreshold {
		return fmt.Errorf("match.review_band_low must not exceed match.auto_threshold")
	}
	if c.Audit.ApproveRiskBelow > c.Audit.RejectRiskAbove {
		return fmt.Errorf("audit.approve_risk_below must not exceed audit.reject_risk_above")
	}
	switch strings.ToUpper(c.Audit.Strategy) {
	case "STRICT", "BALANCED", "GROWTH":
	default:
		return fmt.Errorf("audit.strategy must be STRICT, BALANCED, or GROWTH")
	}
	if c.Interaction.ReplayWindowS <= 0 {
		return fmt.Errorf("interaction.replay_window_s must be positive")
	}
	return nil
}

// Duration accessors. Operators configure integers with unit suffixes; code
// works in time.Duration.

func (s StoreConfig) BusyTimeout() time.Duration { return time.Duration(s.BusyTimeoutMs) * time.Millisecond }

func (d DaemonConfig) GraceShutdown() time.Duration  { return time.Duration(d.GraceShutdownS) * time.Second }
func (d DaemonConfig) HealthTimeout() time.Duration  { return time.Duration(d.HealthTimeoutS) * time.Second }
func (d DaemonConfig) ProbeTimeout() time.Duration   { return time.Duration(d.ProbeTimeoutS) * time.Second }
func (d DaemonConfig) HealthInterval() time.Duration { return time.Duration(d.HealthIntervalS) * time.Second }
func (d DaemonConfig) BootTimeout() time.Duration    { return time.Duration(d.BootTimeoutS) * time.Second }
func (d DaemonConfig) Checkpoint() time.Duration     { return time.Duration(d.CheckpointS) * time.Second }
func (d DaemonConfig) LockTimeout() time.Duration    { return time.Duration(d.LockTimeoutS) * time.Second }

func (c CollectorConfig) PerFileTimeout() time.Duration {
	return time.Duration(c.PerFileTimeoutS) * time.Second
}
func (c CollectorConfig) GroupWindow() time.Duration {
	return time.Duration(c.GroupWindowS) * time.Second
}
func (c CollectorConfig) StabilityWait() time.Duration {
	return time.Duration(c.StabilityWaitMs) * time.Millisecond
}

func (l L2Config) Timeout() time.Duration      { return time.Duration(l.TimeoutS) * time.Second }
func (c CacheConfig) TTL() time.Duration       { return time.Duration(c.TTLSeconds) * time.Second }
func (c CircuitConfig) Window() time.Duration  { return time.Duration(c.WindowS) * time.Second }
func (c CircuitConfig) Cooloff() time.Duration { return time.Duration(c.CooloffS) * time.Second }

func (m MatchConfig) Window() time.Duration      { return time.Duration(m.WindowDays) * 24 * time.Hour }
func (m MatchConfig) Interval() time.Duration    { return time.Duration(m.IntervalS) * time.Second }
func (m MatchConfig) VerifyEvery() time.Duration { return time.Duration(m.VerifyEveryS) * time.Second }
func (m MatchConfig) EvidenceAge() time.Duration { return time.Duration(m.EvidenceAgeH) * time.Hour }

func (i InteractionConfig) CardTTL() time.Duration {
	return time.Duration(i.CardTTLS) * time.Second
}
func (i InteractionConfig) ReplayWindow() time.Duration {
	return time.Duration(i.ReplayWindowS) * time.Second
}
func (i InteractionConfig) OutboxPoll() time.Duration {
	return time.Duration(i.OutboxPollS) * time.Second
}

func (e EgressConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseMs) * time.Millisecond
}
func (e EgressConfig) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutS) * time.Second
}

func setInt(dst *int, val string) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, val string) error {
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, val string) error {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func setBool(dst *bool, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
