package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainWatchdog/internal/alert"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/queue"
	"chainWatchdog/internal/rules"
)

const fullConfig = `
log-level: debug
chains:
  ethereum:
    rpc-url: wss://eth.example.org/ws
    chain-id: 1
  bsc:
    rpc-url: wss://bsc.example.org/ws
    chain-id: 56
  polygon:
    rpc-url: wss://polygon.example.org/ws
    disabled: true
contracts:
  - name: USDT
    address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
    chain: ethereum
    events: [Transfer, OwnershipTransferred]
  - name: USDC
    address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    chain: ethereum
    events: [Approval]
  - name: BUSD
    address: "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56"
    chain: bsc
  - name: ignored
    address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
    chain: polygon
rules:
  - id: whale
    kind: transfer
    variant: threshold
    severity: high
    min-value: "0x3b9aca00"
  - id: owner
    kind: OwnershipTransferred
    variant: state_change
    severity: critical
    message: "owner moved on {{.Chain}}"
  - id: disabled
    kind: Approval
    variant: approval_ratio
    severity: low
    ratio-bps: 5000
    enabled: false
alerts:
  min-severity: high
  repeat:
    mode: every_n
    every-n: 10
  channels:
    - name: ops
      type: webhook
      url: https://hooks.example.org/ops
      headers:
        authorization: token
      capacity: 3
      refill-per-second: 0.5
    - name: audit
      type: log
      min-severity: critical
      per-rule: true
pipeline:
  queue-policy: reject_new
  shutdown: abort
display:
  chain: bsc
  max-rows: 20
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchdog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig), nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Chains, 3)
	assert.Equal(t, uint64(56), cfg.Chains["bsc"].ChainID)
	assert.True(t, cfg.Chains["polygon"].Disabled)

	chains, err := cfg.WatchedChains()
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, "bsc", chains[0].Name)
	assert.Nil(t, chains[0].Kinds)
	assert.Equal(t, "ethereum", chains[1].Name)
	assert.Len(t, chains[1].Addresses, 2)
	assert.ElementsMatch(t, []model.EventKind{model.KindTransfer, model.KindOwnershipTransferred, model.KindApproval}, chains[1].Kinds)
	assert.Equal(t, map[uint64]string{1: "ethereum", 56: "bsc"}, cfg.ChainNames())

	built, err := cfg.BuildRules()
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, "whale", built[0].ID)
	assert.Equal(t, uint64(1_000_000_000), built[0].MinValue.Uint64())
	assert.Equal(t, model.SeverityCritical, built[1].Severity)

	alerts, err := cfg.AlertConfig()
	require.NoError(t, err)
	assert.Equal(t, model.SeverityHigh, alerts.MinSeverity)
	assert.Equal(t, alert.RepeatPolicy{Mode: alert.RepeatEveryN, EveryN: 10}, alerts.Repeat)
	require.Len(t, alerts.Channels, 2)
	assert.Equal(t, 3, alerts.Channels[0].Capacity)
	assert.Nil(t, alerts.Channels[0].MinSeverity)
	require.NotNil(t, alerts.Channels[1].MinSeverity)
	assert.Equal(t, model.SeverityCritical, *alerts.Channels[1].MinSeverity)
	assert.True(t, alerts.Channels[1].PerRule)
	assert.Equal(t, defaultChannelCapacity, alerts.Channels[1].Capacity)
	assert.Equal(t, "token", cfg.Alerts.Channels[0].Headers["authorization"])

	pcfg, err := cfg.PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, queue.PolicyDropNewest, pcfg.QueuePolicy)
	assert.Equal(t, "abort", string(pcfg.Shutdown))
	assert.Equal(t, time.Hour, pcfg.Dedup.Retention)

	opts, err := cfg.DisplayOptions()
	require.NoError(t, err)
	assert.Equal(t, "bsc", opts.Chain)
	assert.Equal(t, 20, opts.MaxRows)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	built, err := cfg.BuildRules()
	require.NoError(t, err)
	ids := make([]string, 0, len(built))
	for _, rule := range built {
		ids = append(ids, rule.ID)
	}
	assert.Equal(t, []string{rules.DefaultTransferRuleID, rules.DefaultOwnershipRuleID, rules.DefaultApprovalRuleID}, ids)
	assert.Equal(t, uint64(1000), built[0].MinValue.Uint64())
	assert.Equal(t, model.SeverityHigh, built[0].Severity)

	alerts, err := cfg.AlertConfig()
	require.NoError(t, err)
	assert.Equal(t, alert.DefaultRepeatPolicy(), alerts.Repeat)
	require.Len(t, alerts.Channels, 1)
	assert.Equal(t, "log", alerts.Channels[0].Name)

	dcfg, err := cfg.DispatchConfig()
	require.NoError(t, err)
	assert.Equal(t, queue.PolicyDropOldest, dcfg.Overflow)
	assert.False(t, cfg.Status.Enabled)
	assert.Equal(t, "none", cfg.Audit.Sink)
	assert.Equal(t, uint64(2000), cfg.Backfill.BatchSize)
}

func TestDefaultRulesToggles(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
default-rules:
  min-transfer: "5000"
  transfer-severity: medium
  ownership-enabled: false
  approval-enabled: true
`), nil)
	require.NoError(t, err)

	built, err := cfg.BuildRules()
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, rules.DefaultTransferRuleID, built[0].ID)
	assert.Equal(t, model.SeverityMedium, built[0].Severity)
	assert.Equal(t, uint64(5000), built[0].MinValue.Uint64())
	assert.Equal(t, rules.DefaultApprovalRuleID, built[1].ID)
}

func TestWebhookShorthand(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
alerts:
  webhook-url: https://hooks.example.org/x
`), nil)
	require.NoError(t, err)

	channels := cfg.NotifyChannels()
	require.Len(t, channels, 1)
	assert.Equal(t, "webhook", channels[0].Name)
	assert.Equal(t, "https://hooks.example.org/x", channels[0].URL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WATCHDOG_STATUS_ADDR", "0.0.0.0:9999")
	t.Setenv("WATCHDOG_CHAINS_ETHEREUM_RPC_URL", "wss://secret.example.org/key")
	t.Setenv("WATCHDOG_PIPELINE_QUEUE_SIZE", "64")

	cfg, err := Load(writeConfig(t, fullConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", cfg.Status.Addr)
	assert.Equal(t, "wss://secret.example.org/key", cfg.Chains["ethereum"].RPCURL)
	assert.Equal(t, 64, cfg.Pipeline.QueueSize)
}

func TestFlagsOverrideFile(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("status-addr", "", "")
	flags.Bool("display", true, "")
	flags.Uint64("from", 0, "")
	require.NoError(t, flags.Parse([]string{"--status-addr=:8081", "--display=false", "--from=100"}))

	cfg, err := Load(writeConfig(t, fullConfig), flags)
	require.NoError(t, err)

	assert.Equal(t, ":8081", cfg.Status.Addr)
	assert.False(t, cfg.Display.Enabled)
	assert.Equal(t, uint64(100), cfg.Backfill.FromBlock)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad address",
			body: `
chains:
  ethereum: {rpc-url: "wss://eth.example.org"}
contracts:
  - {name: x, address: "0x1234", chain: ethereum}
`,
			want: "Contracts[0].Address must be a 0x-prefixed 20 byte address",
		},
		{
			name: "unknown chain",
			body: `
contracts:
  - {name: x, address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", chain: gnosis}
`,
			want: `unknown chain "gnosis"`,
		},
		{
			name: "contradictory repeat policy",
			body: `
alerts:
  repeat: {mode: every_n, every-n: 3, cooldown: 30s}
`,
			want: "every_n takes no cooldown",
		},
		{
			name: "duplicate rule ids",
			body: `
rules:
  - {id: a, kind: Transfer, variant: threshold, severity: high, min-value: "1"}
  - {id: A, kind: Transfer, variant: threshold, severity: low, min-value: "2"}
`,
			want: `duplicate rule id "A"`,
		},
		{
			name: "threshold without min value",
			body: `
rules:
  - {id: a, kind: Transfer, variant: threshold, severity: high}
`,
			want: "threshold rule requires min value",
		},
		{
			name: "webhook channel without url",
			body: `
alerts:
  channels:
    - {name: ops, type: webhook}
`,
			want: "channel ops: url is required for webhook channels",
		},
		{
			name: "blocking dispatch overflow",
			body: `
dispatch: {overflow: block}
`,
			want: "dispatch overflow must be drop_oldest or reject_new",
		},
		{
			name: "postgres audit without dsn",
			body: `
audit: {sink: postgres}
`,
			want: "Audit.PgDSN is required",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.body), nil)
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestChainSelection(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig), nil)
	require.NoError(t, err)

	_, err = cfg.Chain("")
	require.ErrorContains(t, err, "chain is required")

	chain, err := cfg.Chain("BSC")
	require.NoError(t, err)
	assert.Equal(t, "bsc", chain.Name)

	_, err = cfg.Chain("polygon")
	require.ErrorContains(t, err, "not watched")
}

func TestParseTopic0(t *testing.T) {
	topics, err := ParseTopic0([]string{" ", "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"})
	require.NoError(t, err)
	require.Len(t, topics, 1)

	_, err = ParseTopic0([]string{"0x1234"})
	require.ErrorContains(t, err, "invalid topic0 length")
}
