package config

import "time"

// ChainConfig is one entry of the chains map, keyed by chain name.
type ChainConfig struct {
	RPCURL string `mapstructure:"rpc-url" validate:"required,url"`
	// ChainID, when set, must match what the endpoint reports.
	ChainID  uint64 `mapstructure:"chain-id"`
	Disabled bool   `mapstructure:"disabled"`
}

// ContractConfig names a watched contract.
type ContractConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address" validate:"required,eth_addr"`
	Chain   string `mapstructure:"chain" validate:"required"`
	// Events limits the decoded kinds. Empty means every supported kind.
	Events []string `mapstructure:"events"`
}

// RuleConfig describes one rule. Numbers are decimal or 0x-prefixed hex strings.
type RuleConfig struct {
	ID             string `mapstructure:"id" validate:"required"`
	Kind           string `mapstructure:"kind" validate:"required"`
	Variant        string `mapstructure:"variant" validate:"required,oneof=threshold state_change approval_ratio"`
	Severity       string `mapstructure:"severity" validate:"required"`
	Message        string `mapstructure:"message"`
	Field          string `mapstructure:"field"`
	MinValue       string `mapstructure:"min-value"`
	RatioBps       uint64 `mapstructure:"ratio-bps" validate:"lte=10000"`
	Inclusive      bool   `mapstructure:"inclusive"`
	ReferenceField string `mapstructure:"reference-field"`
	ReferenceValue string `mapstructure:"reference-value"`
	Enabled        *bool  `mapstructure:"enabled"`
}

// DefaultRulesConfig tunes the built-in rule set used when no rules are listed.
type DefaultRulesConfig struct {
	MinTransfer       string
	TransferSeverity  string
	OwnershipEnabled  bool
	OwnershipSeverity string
	ApprovalEnabled   bool
}

// RepeatConfig selects the repeat notification policy.
type RepeatConfig struct {
	Mode     string
	EveryN   uint64
	Cooldown time.Duration
}

// ChannelConfig is one notification channel.
type ChannelConfig struct {
	Name    string            `mapstructure:"name" validate:"required"`
	Type    string            `mapstructure:"type" validate:"required,oneof=webhook discord log"`
	URL     string            `mapstructure:"url" validate:"omitempty,url"`
	Headers map[string]string `mapstructure:"headers"`
	// MinSeverity overrides the global alert minimum for this channel.
	MinSeverity           string  `mapstructure:"min-severity"`
	Capacity              int     `mapstructure:"capacity" validate:"gte=0"`
	RefillPerSecond       float64 `mapstructure:"refill-per-second" validate:"gte=0"`
	RepeatCapacity        int     `mapstructure:"repeat-capacity" validate:"gte=0"`
	RepeatRefillPerSecond float64 `mapstructure:"repeat-refill-per-second" validate:"gte=0"`
	PerRule               bool    `mapstructure:"per-rule"`
}

// AlertsConfig holds the alert manager settings. WebhookURL is a shorthand
// for a single webhook channel named "webhook".
type AlertsConfig struct {
	MinSeverity string
	WebhookURL  string `validate:"omitempty,url"`
	Repeat      RepeatConfig
	Channels    []ChannelConfig `validate:"dive"`
}

type DispatchConfig struct {
	QueueSize       int `validate:"gte=1"`
	Overflow        string
	Timeout         time.Duration `validate:"gt=0"`
	MaxRetries      int           `validate:"gte=0"`
	Backoff         time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type PipelineConfig struct {
	QueueSize     int `validate:"gte=1"`
	QueuePolicy   string
	Shutdown      string
	EvictInterval time.Duration `validate:"gt=0"`
	DrainTimeout  time.Duration `validate:"gte=0"`
	Retention     time.Duration `validate:"gt=0"`
	MaxEntries    int           `validate:"gte=1"`
	RenderCap     int           `validate:"gte=1"`
}

type SourceConfig struct {
	ReconnectBase time.Duration `validate:"gt=0"`
	ReconnectMax  time.Duration `validate:"gtefield=ReconnectBase"`
	TokenMeta     bool
}

// BackfillConfig drives the backfill and index commands.
type BackfillConfig struct {
	Chain             string
	FromBlock         uint64
	ToBlock           uint64
	BatchSize         uint64 `validate:"gte=1"`
	Checkpoint        string
	CheckpointEnabled bool
	MaxRetries        int `validate:"gte=0"`
	RetryBackoff      time.Duration
	Topic0            []string
}

type DisplayConfig struct {
	Enabled      bool
	Refresh      time.Duration `validate:"gt=0"`
	MaxRows      int           `validate:"gte=1"`
	MinSeverity  string
	Chain        string
	MessageWidth int `validate:"gte=8"`
	StaleAfter   time.Duration
	Clear        bool
}

type StatusConfig struct {
	Enabled        bool
	Addr           string `validate:"required_if=Enabled true"`
	AllowedOrigins []string
	RateLimit      int `validate:"gte=0"`
	RateWindow     time.Duration
	StaleAfter     time.Duration
}

// AuditConfig selects where findings are recorded: none, jsonl or postgres.
type AuditConfig struct {
	Sink          string `validate:"oneof=none jsonl postgres"`
	Path          string `validate:"required_if=Sink jsonl"`
	PgDSN         string `validate:"required_if=Sink postgres"`
	BatchSize     int    `validate:"gte=1"`
	FlushInterval time.Duration
	Buffer        int `validate:"gte=0"`
}
