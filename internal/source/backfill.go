package source

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/retry"
	"chainWatchdog/internal/storage"
)

// RangeClient is the chain access a backfill needs.
type RangeClient interface {
	ChainID(ctx context.Context) (uint64, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// BackfillConfig holds runtime settings for a block-range backfill.
type BackfillConfig struct {
	Chain             string
	FromBlock         uint64
	ToBlock           uint64
	Addresses         []common.Address
	Topic0            []common.Hash
	BatchSize         uint64
	CheckpointPath    string
	CheckpointEnabled bool
	Retry             retry.Policy
}

// BackfillDeps are the optional collaborators of a Backfill.
type BackfillDeps struct {
	Decoder  *decode.ERC20Decoder
	Archive  storage.LogArchive
	Enricher *decode.Enricher
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Backfill replays a historical block range through FilterLogs.
type Backfill struct {
	cfg        BackfillConfig
	client     RangeClient
	archive    storage.LogArchive
	conv       *converter
	logger     *zap.Logger
	now        func() time.Time
	seen       map[string]struct{}
	checkpoint *CheckpointStore
}

// NewBackfill builds a Backfill. Without a decoder the backfill only archives.
func NewBackfill(cfg BackfillConfig, client RangeClient, deps BackfillDeps) (*Backfill, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("at least one address is required")
	}
	if deps.Decoder == nil && deps.Archive == nil {
		return nil, fmt.Errorf("backfill needs a decoder or an archive")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backfill").With(zap.String("chain", cfg.Chain))
	if len(cfg.Topic0) == 0 && deps.Decoder != nil {
		cfg.Topic0 = deps.Decoder.Topics()
	}

	b := &Backfill{
		cfg:        cfg,
		client:     client,
		archive:    deps.Archive,
		logger:     logger,
		now:        defaultNow(deps.Now),
		seen:       make(map[string]struct{}),
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.CheckpointEnabled),
	}
	if deps.Decoder != nil {
		b.conv = &converter{
			source:   "backfill",
			decoder:  deps.Decoder,
			enricher: deps.Enricher,
			logger:   logger,
			metrics:  deps.Metrics,
			now:      b.now,
		}
	}
	return b, nil
}

func (b *Backfill) Name() string { return "backfill:" + b.cfg.Chain }

// Run fetches the configured range batch by batch. The checkpoint advances only
// after a batch has been fully handed to sink and the archive. sink may be nil
// when the backfill only archives.
func (b *Backfill) Run(ctx context.Context, sink Sink) error {
	chainID, err := b.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}

	from := b.cfg.FromBlock
	to := b.cfg.ToBlock
	if to == 0 {
		latest, err := b.client.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}

	cp, ok, err := b.checkpoint.Load()
	if err != nil {
		return err
	}
	if ok {
		if cp.Chain != "" && cp.Chain != b.cfg.Chain {
			return fmt.Errorf("checkpoint belongs to chain %q", cp.Chain)
		}
		if cp.LastProcessedBlock >= from {
			from = cp.LastProcessedBlock + 1
			b.logger.Info("resume from checkpoint", zap.Uint64("last_processed", cp.LastProcessedBlock), zap.Uint64("from", from))
		}
	}

	if from > to {
		b.logger.Info("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	ranges, err := SplitRange(from, to, b.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		logs, err := b.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		ingestedAt := b.now().UTC()
		records := make([]model.LogRecord, 0, len(logs))
		for _, log := range logs {
			if b.isDuplicate(log) {
				continue
			}

			ts, err := b.blockTimestampWithRetry(ctx, log.BlockNumber)
			if err != nil {
				return fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			}
			records = append(records, BuildLogRecord(chainID, log, ts, ingestedAt))
		}

		if b.archive != nil {
			if err := b.archive.PutLogBatch(records); err != nil {
				return fmt.Errorf("archive logs: %w", err)
			}
		}
		if sink != nil && b.conv != nil {
			for _, record := range records {
				if err := b.conv.emit(ctx, sink, record, b.cfg.Chain); err != nil {
					return err
				}
			}
			if len(records) > 0 {
				last := records[len(records)-1]
				head := model.ChainHead{ChainName: b.cfg.Chain, Number: last.BlockNumber, Time: time.Unix(int64(last.Timestamp), 0).UTC()}
				if err := sink.PushHead(ctx, head); err != nil {
					return err
				}
			}
		}

		if err := b.checkpoint.Save(b.cfg.Chain, blockRange.To); err != nil {
			return err
		}

		b.logger.Info("batch complete", zap.Int("logs", len(records)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return nil
}

func (b *Backfill) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := retry.Do(ctx, b.cfg.Retry, func(ctx context.Context) error {
		var err error
		logs, err = b.client.FilterLogs(ctx, fromBlock, toBlock, b.cfg.Addresses, b.cfg.Topic0)
		if err != nil {
			b.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (b *Backfill) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := retry.Do(ctx, b.cfg.Retry, func(ctx context.Context) error {
		var err error
		ts, err = b.client.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			b.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

func (b *Backfill) isDuplicate(log types.Log) bool {
	id := fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
	if _, ok := b.seen[id]; ok {
		return true
	}
	b.seen[id] = struct{}{}
	return false
}
