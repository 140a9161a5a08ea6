package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainWatchdog/internal/config"
	"chainWatchdog/internal/notify"
	"chainWatchdog/internal/storage"
)

func loadTestConfig(t *testing.T, body string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchdog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

const testConfig = `
chains:
  ethereum:
    rpc-url: wss://eth.example.org/ws
contracts:
  - name: USDT
    address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
    chain: ethereum
alerts:
  channels:
    - {name: ops, type: webhook, url: "https://hooks.example.org/ops?token=secret"}
    - {name: chat, type: discord, url: "https://discord.example.org/api/webhooks/1/x"}
    - {name: console, type: log}
`

func TestDescribeConfig(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)

	var buf bytes.Buffer
	require.NoError(t, describeConfig(&buf, cfg))

	out := buf.String()
	assert.Contains(t, out, "ethereum: 1 contracts, all events")
	assert.Contains(t, out, "rules: 3")
	assert.Contains(t, out, "ownership-transfer: state_change OwnershipTransferred -> Critical")
	assert.Contains(t, out, "ops (webhook)")
	assert.Contains(t, out, "audit: none")
}

func TestBuildNotifiers(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)

	notifiers, err := buildNotifiers(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, notifiers, 3)
	assert.IsType(t, &notify.WebhookNotifier{}, notifiers["ops"])
	assert.IsType(t, &notify.DiscordNotifier{}, notifiers["chat"])
	assert.IsType(t, &notify.LogNotifier{}, notifiers["console"])
}

func TestOpenAuditSink(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)

	sink, closeSink, err := openAuditSink(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, sink)
	closeSink()

	cfg.Audit.Sink = "jsonl"
	cfg.Audit.Path = filepath.Join(t.TempDir(), "findings.jsonl")
	sink, closeSink, err = openAuditSink(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeSink()
	jsonl, ok := sink.(*storage.JsonlStorage)
	require.True(t, ok)
	assert.Equal(t, cfg.Audit.Path, jsonl.Path())
}

func TestBuildPipelineWithDefaults(t *testing.T) {
	cfg := loadTestConfig(t, testConfig)

	p, closeSink, err := buildPipeline(context.Background(), cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	defer closeSink()
	require.NotNil(t, p.Store().Snapshot())
}
