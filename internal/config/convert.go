package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"chainWatchdog/internal/alert"
	"chainWatchdog/internal/dedup"
	"chainWatchdog/internal/dispatch"
	"chainWatchdog/internal/display"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/pipeline"
	"chainWatchdog/internal/queue"
	"chainWatchdog/internal/retry"
	"chainWatchdog/internal/rules"
	"chainWatchdog/internal/statusapi"
	"chainWatchdog/internal/storage"
)

const (
	defaultChannelCapacity = 5
	defaultChannelRefill   = 0.2
)

// WatchedChain is an enabled chain with its contracts resolved.
type WatchedChain struct {
	Name      string
	RPCURL    string
	ChainID   uint64
	Addresses []common.Address
	// Kinds is the union of event kinds watched on the chain. Empty means all.
	Kinds []model.EventKind
}

// WatchedChains returns the enabled chains that have at least one contract,
// sorted by name.
func (c Config) WatchedChains() ([]WatchedChain, error) {
	byChain := make(map[string]*WatchedChain)
	allKinds := make(map[string]bool)
	for i, contract := range c.Contracts {
		name := strings.ToLower(strings.TrimSpace(contract.Chain))
		chain, ok := c.Chains[name]
		if !ok {
			return nil, fmt.Errorf("contract %d (%s): unknown chain %q", i, contract.Name, contract.Chain)
		}
		if chain.Disabled {
			continue
		}
		addresses, err := ParseAddresses([]string{contract.Address})
		if err != nil {
			return nil, fmt.Errorf("contract %d (%s): %w", i, contract.Name, err)
		}
		watched, ok := byChain[name]
		if !ok {
			watched = &WatchedChain{Name: name, RPCURL: chain.RPCURL, ChainID: chain.ChainID}
			byChain[name] = watched
		}
		watched.Addresses = append(watched.Addresses, addresses...)

		if len(contract.Events) == 0 {
			allKinds[name] = true
			continue
		}
		for _, event := range contract.Events {
			kind, err := model.ParseEventKind(event)
			if err != nil {
				return nil, fmt.Errorf("contract %d (%s): %w", i, contract.Name, err)
			}
			if !containsKind(watched.Kinds, kind) {
				watched.Kinds = append(watched.Kinds, kind)
			}
		}
	}

	out := make([]WatchedChain, 0, len(byChain))
	for name, watched := range byChain {
		if allKinds[name] {
			watched.Kinds = nil
		}
		out = append(out, *watched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Chain looks up one watched chain by name.
func (c Config) Chain(name string) (WatchedChain, error) {
	chains, err := c.WatchedChains()
	if err != nil {
		return WatchedChain{}, err
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" && len(chains) == 1 {
		return chains[0], nil
	}
	for _, chain := range chains {
		if chain.Name == name {
			return chain, nil
		}
	}
	if name == "" {
		return WatchedChain{}, fmt.Errorf("chain is required when %d chains are watched", len(chains))
	}
	return WatchedChain{}, fmt.Errorf("chain %q is not watched", name)
}

// ChainNames maps configured chain ids to names, for replays.
func (c Config) ChainNames() map[uint64]string {
	names := make(map[uint64]string, len(c.Chains))
	for name, chain := range c.Chains {
		if chain.ChainID != 0 {
			names[chain.ChainID] = name
		}
	}
	return names
}

func containsKind(kinds []model.EventKind, kind model.EventKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// BuildRules compiles the configured rules, or the default set when none are listed.
func (c Config) BuildRules() ([]rules.Rule, error) {
	if len(c.Rules) == 0 {
		return c.defaultRules()
	}

	out := make([]rules.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		if rc.Enabled != nil && !*rc.Enabled {
			continue
		}
		spec, err := rc.spec()
		if err != nil {
			return nil, err
		}
		rule, err := rules.New(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rules.ValidateSet(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc RuleConfig) spec() (rules.Spec, error) {
	kind, err := model.ParseEventKind(rc.Kind)
	if err != nil {
		return rules.Spec{}, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	severity, err := model.ParseSeverity(rc.Severity)
	if err != nil {
		return rules.Spec{}, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	spec := rules.Spec{
		ID:             rc.ID,
		Kind:           kind,
		Variant:        model.RuleVariant(strings.ToLower(strings.TrimSpace(rc.Variant))),
		Severity:       severity,
		Message:        rc.Message,
		Field:          rc.Field,
		RatioBps:       rc.RatioBps,
		Inclusive:      rc.Inclusive,
		ReferenceField: rc.ReferenceField,
	}
	if rc.MinValue != "" {
		if spec.MinValue, err = model.ParseUint256(rc.MinValue); err != nil {
			return rules.Spec{}, fmt.Errorf("rule %s: min value: %w", rc.ID, err)
		}
	}
	if rc.ReferenceValue != "" {
		if spec.ReferenceValue, err = model.ParseUint256(rc.ReferenceValue); err != nil {
			return rules.Spec{}, fmt.Errorf("rule %s: reference value: %w", rc.ID, err)
		}
	}
	return spec, nil
}

func (c Config) defaultRules() ([]rules.Rule, error) {
	d := c.DefaultRules
	minTransfer, err := model.ParseUint256(d.MinTransfer)
	if err != nil {
		return nil, fmt.Errorf("default rules: min transfer: %w", err)
	}
	transferSeverity, err := model.ParseSeverity(d.TransferSeverity)
	if err != nil {
		return nil, fmt.Errorf("default rules: transfer severity: %w", err)
	}
	ownershipSeverity := model.SeverityCritical
	if d.OwnershipSeverity != "" {
		if ownershipSeverity, err = model.ParseSeverity(d.OwnershipSeverity); err != nil {
			return nil, fmt.Errorf("default rules: ownership severity: %w", err)
		}
	}

	defaults, err := rules.Defaults(minTransfer, transferSeverity)
	if err != nil {
		return nil, err
	}
	out := defaults[:0]
	for _, rule := range defaults {
		switch rule.ID {
		case rules.DefaultOwnershipRuleID:
			if !d.OwnershipEnabled {
				continue
			}
			if rule.Severity != ownershipSeverity {
				spec := rule.Spec
				spec.Severity = ownershipSeverity
				if rule, err = rules.New(spec); err != nil {
					return nil, err
				}
			}
		case rules.DefaultApprovalRuleID:
			if !d.ApprovalEnabled {
				continue
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

// AlertConfig builds the alert manager configuration. With no channels listed,
// the webhook shorthand becomes a channel named "webhook", and without that a
// log channel named "log" is used.
func (c Config) AlertConfig() (alert.Config, error) {
	minSeverity, err := model.ParseSeverity(c.Alerts.MinSeverity)
	if err != nil {
		return alert.Config{}, fmt.Errorf("alerts: %w", err)
	}
	mode, err := alert.ParseRepeatMode(c.Alerts.Repeat.Mode)
	if err != nil {
		return alert.Config{}, fmt.Errorf("alerts: %w", err)
	}
	repeat := alert.RepeatPolicy{Mode: mode, EveryN: c.Alerts.Repeat.EveryN, Cooldown: c.Alerts.Repeat.Cooldown}
	if mode == alert.RepeatCooldown && repeat.Cooldown == 0 {
		repeat.Cooldown = alert.DefaultRepeatPolicy().Cooldown
	}

	cfg := alert.Config{MinSeverity: minSeverity, Repeat: repeat}
	for _, ch := range c.NotifyChannels() {
		converted := alert.ChannelConfig{
			Name:                  ch.Name,
			Capacity:              ch.Capacity,
			RefillPerSecond:       ch.RefillPerSecond,
			RepeatCapacity:        ch.RepeatCapacity,
			RepeatRefillPerSecond: ch.RepeatRefillPerSecond,
			PerRule:               ch.PerRule,
		}
		if converted.Capacity == 0 {
			converted.Capacity = defaultChannelCapacity
		}
		if converted.RefillPerSecond == 0 {
			converted.RefillPerSecond = defaultChannelRefill
		}
		if ch.MinSeverity != "" {
			severity, err := model.ParseSeverity(ch.MinSeverity)
			if err != nil {
				return alert.Config{}, fmt.Errorf("channel %s: %w", ch.Name, err)
			}
			converted.MinSeverity = &severity
		}
		cfg.Channels = append(cfg.Channels, converted)
	}
	if err := cfg.Validate(); err != nil {
		return alert.Config{}, err
	}
	return cfg, nil
}

// NotifyChannels returns the channels to build notifiers for.
func (c Config) NotifyChannels() []ChannelConfig {
	if len(c.Alerts.Channels) > 0 {
		return c.Alerts.Channels
	}
	if c.Alerts.WebhookURL != "" {
		return []ChannelConfig{{Name: "webhook", Type: "webhook", URL: c.Alerts.WebhookURL}}
	}
	return []ChannelConfig{{Name: "log", Type: "log"}}
}

func (c Config) DispatchConfig() (dispatch.Config, error) {
	overflow, err := queue.ParsePolicy(c.Dispatch.Overflow)
	if err != nil {
		return dispatch.Config{}, fmt.Errorf("dispatch: %w", err)
	}
	cfg := dispatch.Config{
		QueueSize:       c.Dispatch.QueueSize,
		Overflow:        overflow,
		Timeout:         c.Dispatch.Timeout,
		MaxRetries:      c.Dispatch.MaxRetries,
		Backoff:         c.Dispatch.Backoff,
		MaxBackoff:      c.Dispatch.MaxBackoff,
		BreakerFailures: c.Dispatch.BreakerFailures,
		BreakerCooldown: c.Dispatch.BreakerCooldown,
	}
	if err := cfg.Validate(); err != nil {
		return dispatch.Config{}, err
	}
	return cfg, nil
}

func (c Config) PipelineConfig() (pipeline.Config, error) {
	policy, err := queue.ParsePolicy(c.Pipeline.QueuePolicy)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("pipeline: %w", err)
	}
	shutdown, err := pipeline.ParseShutdownMode(c.Pipeline.Shutdown)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("pipeline: %w", err)
	}
	return pipeline.Config{
		QueueSize:     c.Pipeline.QueueSize,
		QueuePolicy:   policy,
		Shutdown:      shutdown,
		EvictInterval: c.Pipeline.EvictInterval,
		DrainTimeout:  c.Pipeline.DrainTimeout,
		Dedup: dedup.Config{
			Retention:  c.Pipeline.Retention,
			MaxEntries: c.Pipeline.MaxEntries,
		},
		RenderCap: c.Pipeline.RenderCap,
	}, nil
}

func (c Config) DisplayOptions() (display.Options, error) {
	minSeverity, err := model.ParseSeverity(c.Display.MinSeverity)
	if err != nil {
		return display.Options{}, fmt.Errorf("display: %w", err)
	}
	return display.Options{
		MaxRows:      c.Display.MaxRows,
		MinSeverity:  minSeverity,
		Chain:        strings.ToLower(strings.TrimSpace(c.Display.Chain)),
		MessageWidth: c.Display.MessageWidth,
		StaleAfter:   c.Display.StaleAfter,
	}, nil
}

func (c Config) StatusConfig() statusapi.Config {
	return statusapi.Config{
		Addr:           c.Status.Addr,
		AllowedOrigins: c.Status.AllowedOrigins,
		RateLimit:      c.Status.RateLimit,
		RateWindow:     c.Status.RateWindow,
		StaleAfter:     c.Status.StaleAfter,
	}
}

func (c Config) RecorderConfig() storage.RecorderConfig {
	return storage.RecorderConfig{
		BatchSize:     c.Audit.BatchSize,
		FlushInterval: c.Audit.FlushInterval,
		Buffer:        c.Audit.Buffer,
	}
}

func (c Config) RetryPolicy() retry.Policy {
	maxDelay := c.Backfill.RetryBackoff * 32
	if maxDelay < time.Second {
		maxDelay = time.Second
	}
	return retry.Policy{
		MaxRetries: c.Backfill.MaxRetries,
		BaseDelay:  c.Backfill.RetryBackoff,
		MaxDelay:   maxDelay,
	}
}

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}

// ParseTopic0 converts string topic0 hashes into common.Hash.
func ParseTopic0(inputs []string) ([]common.Hash, error) {
	topics := make([]common.Hash, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		data, err := hexutil.Decode(input)
		if err != nil {
			return nil, fmt.Errorf("invalid topic0: %s", input)
		}
		if len(data) != 32 {
			return nil, fmt.Errorf("invalid topic0 length: %s", input)
		}
		topics = append(topics, common.BytesToHash(data))
	}
	return topics, nil
}
