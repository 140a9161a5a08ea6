package source

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/retry"
	"chainWatchdog/internal/storage"
)

var (
	usdt  = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type recordingSink struct {
	mu      sync.Mutex
	events  []model.NormalizedEvent
	heads   []model.ChainHead
	onEvent func(n int)
	err     error
}

func (s *recordingSink) PushEvent(_ context.Context, event model.NormalizedEvent) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.events = append(s.events, event)
	n := len(s.events)
	cb := s.onEvent
	s.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return nil
}

func (s *recordingSink) PushHead(_ context.Context, head model.ChainHead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads = append(s.heads, head)
	return nil
}

func (s *recordingSink) snapshot() ([]model.NormalizedEvent, []model.ChainHead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.NormalizedEvent(nil), s.events...), append([]model.ChainHead(nil), s.heads...)
}

func transferLog(t *testing.T, block uint64, index uint, amount int64) types.Log {
	t.Helper()
	events, err := decode.WatchedEventsABI()
	require.NoError(t, err)
	data, err := events.Events["Transfer"].Inputs.NonIndexed().Pack(big.NewInt(amount))
	require.NoError(t, err)
	return types.Log{
		Address:     usdt,
		Topics:      []common.Hash{events.Events["Transfer"].ID, common.BytesToHash(alice.Bytes()), common.BytesToHash(bob.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       index,
	}
}

type fakeRangeClient struct {
	logs     []types.Log
	failures int
	calls    int
}

func (c *fakeRangeClient) ChainID(context.Context) (uint64, error)           { return 1, nil }
func (c *fakeRangeClient) LatestBlockNumber(context.Context) (uint64, error) { return 120, nil }
func (c *fakeRangeClient) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	return 1700000000 + n, nil
}

func (c *fakeRangeClient) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	c.calls++
	if c.failures > 0 {
		c.failures--
		return nil, errors.New("rate limited")
	}
	var out []types.Log
	for _, log := range c.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func TestBackfillPushesEventsAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	decoder, err := decode.NewERC20Decoder()
	require.NoError(t, err)

	removed := transferLog(t, 105, 2, 9)
	removed.Removed = true
	client := &fakeRangeClient{
		failures: 1,
		logs: []types.Log{
			transferLog(t, 101, 0, 5),
			transferLog(t, 101, 0, 5), // duplicate delivery
			removed,
			transferLog(t, 110, 1, 7),
		},
	}
	archive := storage.NewJsonlStorage(filepath.Join(dir, "logs.jsonl"))
	cfg := BackfillConfig{
		Chain:             "ethereum",
		FromBlock:         100,
		ToBlock:           119,
		Addresses:         []common.Address{usdt},
		BatchSize:         10,
		CheckpointPath:    filepath.Join(dir, "checkpoint.json"),
		CheckpointEnabled: true,
		Retry:             retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond},
	}
	backfill, err := NewBackfill(cfg, client, BackfillDeps{Decoder: decoder, Archive: archive})
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, backfill.Run(context.Background(), sink))

	events, heads := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(101), events[0].BlockNumber)
	assert.Equal(t, uint64(1700000101), events[0].BlockTime)
	assert.Equal(t, "ethereum", events[0].ChainName)
	require.NotEmpty(t, heads)
	assert.Equal(t, uint64(110), heads[len(heads)-1].Number)

	cp, ok, err := NewCheckpointStore(cfg.CheckpointPath, true).Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(119), cp.LastProcessedBlock)
	assert.Equal(t, "ethereum", cp.Chain)

	// The archive keeps removed logs; only the decoder skips them.
	file, err := os.Open(archive.Path())
	require.NoError(t, err)
	defer file.Close()
	archived := 0
	require.NoError(t, storage.ReadLogRecords(file, func(model.LogRecord) error { archived++; return nil }))
	assert.Equal(t, 3, archived)

	// A second run resumes after the checkpoint and finds nothing to do.
	calls := client.calls
	backfill, err = NewBackfill(cfg, client, BackfillDeps{Decoder: decoder})
	require.NoError(t, err)
	require.NoError(t, backfill.Run(context.Background(), sink))
	assert.Equal(t, calls, client.calls)
}

func TestBackfillRejectsForeignCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	require.NoError(t, NewCheckpointStore(path, true).Save("bsc", 50))

	decoder, err := decode.NewERC20Decoder()
	require.NoError(t, err)
	backfill, err := NewBackfill(BackfillConfig{
		Chain: "ethereum", FromBlock: 1, ToBlock: 10, Addresses: []common.Address{usdt},
		BatchSize: 5, CheckpointPath: path, CheckpointEnabled: true,
	}, &fakeRangeClient{}, BackfillDeps{Decoder: decoder})
	require.NoError(t, err)
	require.Error(t, backfill.Run(context.Background(), &recordingSink{}))
}

func TestBackfillStopsOnSinkError(t *testing.T) {
	decoder, err := decode.NewERC20Decoder()
	require.NoError(t, err)
	backfill, err := NewBackfill(BackfillConfig{
		Chain: "ethereum", FromBlock: 100, ToBlock: 110, Addresses: []common.Address{usdt}, BatchSize: 100,
	}, &fakeRangeClient{logs: []types.Log{transferLog(t, 101, 0, 1)}}, BackfillDeps{Decoder: decoder})
	require.NoError(t, err)

	closed := errors.New("closed")
	err = backfill.Run(context.Background(), &recordingSink{err: closed})
	require.ErrorIs(t, err, closed)
}

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errCh: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }
func (s *fakeSub) Err() <-chan error { return s.errCh }

type fakeStreamClient struct {
	logs    []types.Log
	dropErr error
	logSub  *fakeSub
}

func (c *fakeStreamClient) ChainID(context.Context) (uint64, error) { return 1, nil }
func (c *fakeStreamClient) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	return 1700000000 + n, nil
}
func (c *fakeStreamClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not supported")
}
func (c *fakeStreamClient) Close() {}

func (c *fakeStreamClient) SubscribeLogs(_ context.Context, _ []common.Address, _ []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.logSub = newFakeSub()
	go func() {
		for _, log := range c.logs {
			ch <- log
		}
		if c.dropErr != nil {
			// Give the subscriber time to consume the buffered logs first.
			time.Sleep(20 * time.Millisecond)
			c.logSub.errCh <- c.dropErr
		}
	}()
	return c.logSub, nil
}

func (c *fakeStreamClient) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	ch <- &types.Header{Number: big.NewInt(200), Time: 1700000200}
	return newFakeSub(), nil
}

func TestSubscriberReconnects(t *testing.T) {
	decoder, err := decode.NewERC20Decoder()
	require.NoError(t, err)
	m := metrics.New()

	broken := transferLog(t, 150, 0, 1)
	broken.Topics = append(broken.Topics, common.BigToHash(big.NewInt(1))) // ERC721-shaped

	clients := []*fakeStreamClient{
		{logs: []types.Log{transferLog(t, 150, 1, 10), broken}, dropErr: errors.New("connection reset")},
		{logs: []types.Log{transferLog(t, 151, 0, 20)}},
	}
	dials := 0
	dial := func(context.Context) (StreamClient, error) {
		if dials >= len(clients) {
			return nil, errors.New("no more clients")
		}
		c := clients[dials]
		dials++
		return c, nil
	}

	sub, err := NewSubscriber(SubscriberConfig{
		Chain:         "ethereum",
		Addresses:     []common.Address{usdt},
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	}, dial, decoder, nil, m)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink := &recordingSink{onEvent: func(n int) {
		if n == 2 {
			cancel()
		}
	}}

	err = sub.Run(ctx, sink)
	require.ErrorIs(t, err, context.Canceled)

	events, heads := sink.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(150), events[0].BlockNumber)
	assert.Equal(t, uint64(151), events[1].BlockNumber)
	require.NotEmpty(t, heads)
	assert.Equal(t, uint64(200), heads[0].Number)

	assert.Equal(t, 2, dials)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceReconnects.WithLabelValues("live:ethereum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("live:ethereum")))
}

func TestReplayReadsArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.jsonl")
	archive := storage.NewJsonlStorage(path)
	ingested := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, archive.PutLogBatch([]model.LogRecord{
		BuildLogRecord(1, transferLog(t, 10, 0, 1), 1700000010, ingested),
		BuildLogRecord(56, transferLog(t, 20, 0, 2), 1700000020, ingested),
		BuildLogRecord(1, transferLog(t, 12, 0, 3), 1700000012, ingested),
	}))

	decoder, err := decode.NewERC20Decoder()
	require.NoError(t, err)
	replay, err := NewReplay(path, map[uint64]string{1: "ethereum"}, decoder, nil, nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, replay.Run(context.Background(), sink))

	events, heads := sink.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "ethereum", events[0].ChainName)
	assert.Equal(t, "chain-56", events[1].ChainName)
	assert.Equal(t, uint64(12), events[2].BlockNumber)

	byChain := map[string]uint64{}
	for _, head := range heads {
		byChain[head.ChainName] = head.Number
	}
	assert.Equal(t, map[string]uint64{"ethereum": 12, "chain-56": 20}, byChain)
}

func TestReplayMissingFile(t *testing.T) {
	decoder, err := decode.NewERC20Decoder()
	require.NoError(t, err)
	replay, err := NewReplay(filepath.Join(t.TempDir(), "missing.jsonl"), nil, decoder, nil, nil)
	require.NoError(t, err)
	require.Error(t, replay.Run(context.Background(), &recordingSink{}))
}
