package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel string `validate:"required,oneof=debug info warn error"`
	LogFile  string

	Chains       map[string]ChainConfig `validate:"dive"`
	Contracts    []ContractConfig       `validate:"dive"`
	Rules        []RuleConfig           `validate:"dive"`
	DefaultRules DefaultRulesConfig
	Alerts       AlertsConfig
	Dispatch     DispatchConfig
	Pipeline     PipelineConfig
	Source       SourceConfig
	Backfill     BackfillConfig
	Display      DisplayConfig
	Status       StatusConfig
	Audit        AuditConfig

	// In is the JSONL file read by replay.
	In string
	// Out is the raw log archive written by backfill and index.
	Out string
}

// flagKeys maps command flags onto nested keys. Other flags bind under their own name.
var flagKeys = map[string]string{
	"display":      "display.enabled",
	"status-addr":  "status.addr",
	"audit-sink":   "audit.sink",
	"audit-path":   "audit.path",
	"pg-dsn":       "audit.pg-dsn",
	"shutdown":     "pipeline.shutdown",
	"min-severity": "alerts.min-severity",
}

// Load merges config file, environment variables, and flags into Config.
// Nested keys are read from WATCHDOG_<SECTION>_<KEY>, e.g. WATCHDOG_STATUS_ADDR.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WATCHDOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(flag *pflag.Flag) {
			if bindErr != nil {
				return
			}
			key, ok := flagKeys[flag.Name]
			if !ok {
				key = flag.Name
			}
			bindErr = v.BindPFlag(key, flag)
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel: v.GetString("log-level"),
		LogFile:  v.GetString("log-file"),
		DefaultRules: DefaultRulesConfig{
			MinTransfer:       v.GetString("default-rules.min-transfer"),
			TransferSeverity:  v.GetString("default-rules.transfer-severity"),
			OwnershipEnabled:  v.GetBool("default-rules.ownership-enabled"),
			OwnershipSeverity: v.GetString("default-rules.ownership-severity"),
			ApprovalEnabled:   v.GetBool("default-rules.approval-enabled"),
		},
		Alerts: AlertsConfig{
			MinSeverity: v.GetString("alerts.min-severity"),
			WebhookURL:  v.GetString("alerts.webhook-url"),
			Repeat: RepeatConfig{
				Mode:     v.GetString("alerts.repeat.mode"),
				EveryN:   v.GetUint64("alerts.repeat.every-n"),
				Cooldown: v.GetDuration("alerts.repeat.cooldown"),
			},
		},
		Dispatch: DispatchConfig{
			QueueSize:       v.GetInt("dispatch.queue-size"),
			Overflow:        v.GetString("dispatch.overflow"),
			Timeout:         v.GetDuration("dispatch.timeout"),
			MaxRetries:      v.GetInt("dispatch.max-retries"),
			Backoff:         v.GetDuration("dispatch.backoff"),
			MaxBackoff:      v.GetDuration("dispatch.max-backoff"),
			BreakerFailures: v.GetUint32("dispatch.breaker-failures"),
			BreakerCooldown: v.GetDuration("dispatch.breaker-cooldown"),
		},
		Pipeline: PipelineConfig{
			QueueSize:     v.GetInt("pipeline.queue-size"),
			QueuePolicy:   v.GetString("pipeline.queue-policy"),
			Shutdown:      v.GetString("pipeline.shutdown"),
			EvictInterval: v.GetDuration("pipeline.evict-interval"),
			DrainTimeout:  v.GetDuration("pipeline.drain-timeout"),
			Retention:     v.GetDuration("pipeline.retention"),
			MaxEntries:    v.GetInt("pipeline.max-entries"),
			RenderCap:     v.GetInt("pipeline.render-cap"),
		},
		Source: SourceConfig{
			ReconnectBase: v.GetDuration("source.reconnect-base"),
			ReconnectMax:  v.GetDuration("source.reconnect-max"),
			TokenMeta:     v.GetBool("source.token-meta"),
		},
		Backfill: BackfillConfig{
			Chain:             v.GetString("chain"),
			FromBlock:         v.GetUint64("from"),
			ToBlock:           v.GetUint64("to"),
			BatchSize:         v.GetUint64("batch-size"),
			Checkpoint:        v.GetString("checkpoint"),
			CheckpointEnabled: v.GetBool("checkpoint-enabled"),
			MaxRetries:        v.GetInt("max-retries"),
			RetryBackoff:      v.GetDuration("retry-backoff"),
			Topic0:            getStringSlice(v, "topic0"),
		},
		Display: DisplayConfig{
			Enabled:      v.GetBool("display.enabled"),
			Refresh:      v.GetDuration("display.refresh"),
			MaxRows:      v.GetInt("display.max-rows"),
			MinSeverity:  v.GetString("display.min-severity"),
			Chain:        v.GetString("display.chain"),
			MessageWidth: v.GetInt("display.message-width"),
			StaleAfter:   v.GetDuration("display.stale-after"),
			Clear:        v.GetBool("display.clear"),
		},
		Status: StatusConfig{
			Enabled:        v.GetBool("status.enabled"),
			Addr:           v.GetString("status.addr"),
			AllowedOrigins: getStringSlice(v, "status.allowed-origins"),
			RateLimit:      v.GetInt("status.rate-limit"),
			RateWindow:     v.GetDuration("status.rate-window"),
			StaleAfter:     v.GetDuration("status.stale-after"),
		},
		Audit: AuditConfig{
			Sink:          v.GetString("audit.sink"),
			Path:          v.GetString("audit.path"),
			PgDSN:         v.GetString("audit.pg-dsn"),
			BatchSize:     v.GetInt("audit.batch-size"),
			FlushInterval: v.GetDuration("audit.flush-interval"),
			Buffer:        v.GetInt("audit.buffer"),
		},
		In:  v.GetString("in"),
		Out: v.GetString("out"),
	}

	if err := v.UnmarshalKey("chains", &cfg.Chains); err != nil {
		return Config{}, fmt.Errorf("decode chains: %w", err)
	}
	for name, chain := range cfg.Chains {
		// Secrets such as RPC keys usually arrive through the environment.
		if url := v.GetString("chains." + name + ".rpc-url"); url != "" {
			chain.RPCURL = url
		}
		cfg.Chains[name] = chain
	}
	if err := v.UnmarshalKey("contracts", &cfg.Contracts); err != nil {
		return Config{}, fmt.Errorf("decode contracts: %w", err)
	}
	if err := v.UnmarshalKey("rules", &cfg.Rules); err != nil {
		return Config{}, fmt.Errorf("decode rules: %w", err)
	}
	if err := v.UnmarshalKey("alerts.channels", &cfg.Alerts.Channels); err != nil {
		return Config{}, fmt.Errorf("decode alert channels: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-level", "info")

	v.SetDefault("default-rules.min-transfer", "1000")
	v.SetDefault("default-rules.transfer-severity", "high")
	v.SetDefault("default-rules.ownership-enabled", true)
	v.SetDefault("default-rules.ownership-severity", "critical")
	v.SetDefault("default-rules.approval-enabled", true)

	v.SetDefault("alerts.min-severity", "medium")
	v.SetDefault("alerts.repeat.mode", "cooldown")

	v.SetDefault("dispatch.queue-size", 256)
	v.SetDefault("dispatch.overflow", "drop_oldest")
	v.SetDefault("dispatch.timeout", 10*time.Second)
	v.SetDefault("dispatch.max-retries", 3)
	v.SetDefault("dispatch.backoff", 500*time.Millisecond)
	v.SetDefault("dispatch.max-backoff", 10*time.Second)
	v.SetDefault("dispatch.breaker-failures", 5)
	v.SetDefault("dispatch.breaker-cooldown", 30*time.Second)

	v.SetDefault("pipeline.queue-size", 1024)
	v.SetDefault("pipeline.queue-policy", "block")
	v.SetDefault("pipeline.shutdown", "drain")
	v.SetDefault("pipeline.evict-interval", 10*time.Second)
	v.SetDefault("pipeline.drain-timeout", 15*time.Second)
	v.SetDefault("pipeline.retention", time.Hour)
	v.SetDefault("pipeline.max-entries", 10000)
	v.SetDefault("pipeline.render-cap", 50)

	v.SetDefault("source.reconnect-base", time.Second)
	v.SetDefault("source.reconnect-max", time.Minute)
	v.SetDefault("source.token-meta", true)

	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("out", "./data/logs.jsonl")

	v.SetDefault("display.enabled", true)
	v.SetDefault("display.refresh", time.Second)
	v.SetDefault("display.max-rows", 15)
	v.SetDefault("display.min-severity", "medium")
	v.SetDefault("display.message-width", 50)
	v.SetDefault("display.stale-after", 15*time.Second)
	v.SetDefault("display.clear", true)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.addr", "127.0.0.1:9464")
	v.SetDefault("status.rate-limit", 120)
	v.SetDefault("status.rate-window", time.Minute)
	v.SetDefault("status.stale-after", time.Minute)

	v.SetDefault("audit.sink", "none")
	v.SetDefault("audit.path", "./data/findings.jsonl")
	v.SetDefault("audit.batch-size", 100)
	v.SetDefault("audit.flush-interval", time.Second)
	v.SetDefault("audit.buffer", 1000)
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
