package source

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/storage"
)

// Replay feeds an archived JSONL log file through the decoder.
type Replay struct {
	path    string
	names   map[uint64]string
	conv    *converter
	logger  *zap.Logger
	records int
}

// NewReplay reads path. names maps chain ids to the configured chain names;
// unknown ids are named "chain-<id>".
func NewReplay(path string, names map[uint64]string, decoder *decode.ERC20Decoder, logger *zap.Logger, m *metrics.Metrics) (*Replay, error) {
	if path == "" {
		return nil, fmt.Errorf("replay input path is required")
	}
	if decoder == nil {
		return nil, fmt.Errorf("decoder is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("replay")
	return &Replay{
		path:   path,
		names:  names,
		logger: logger,
		conv: &converter{
			source:  "replay",
			decoder: decoder,
			logger:  logger,
			metrics: m,
			now:     time.Now,
		},
	}, nil
}

func (r *Replay) Name() string { return "replay:" + r.path }

// Run pushes every record in file order and returns nil at end of file.
func (r *Replay) Run(ctx context.Context, sink Sink) error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open replay input: %w", err)
	}
	defer file.Close()

	heights := make(map[uint64]model.LogRecord)
	err = storage.ReadLogRecords(file, func(record model.LogRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.records++
		if last, ok := heights[record.ChainID]; !ok || record.BlockNumber > last.BlockNumber {
			heights[record.ChainID] = record
		}
		return r.conv.emit(ctx, sink, record, r.chainName(record.ChainID))
	})
	if err != nil {
		return err
	}

	for chainID, record := range heights {
		head := model.ChainHead{
			ChainName: r.chainName(chainID),
			Number:    record.BlockNumber,
			Time:      time.Unix(int64(record.Timestamp), 0).UTC(),
		}
		if err := sink.PushHead(ctx, head); err != nil {
			return err
		}
	}
	r.logger.Info("replay complete", zap.Int("records", r.records))
	return nil
}

func (r *Replay) chainName(chainID uint64) string {
	if name, ok := r.names[chainID]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", chainID)
}
