package source

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"chainWatchdog/internal/decode"
	"chainWatchdog/internal/metrics"
	"chainWatchdog/internal/model"
	"chainWatchdog/internal/retry"
)

// StreamClient is the chain access a live subscription needs.
type StreamClient interface {
	ChainID(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	SubscribeLogs(ctx context.Context, addresses []common.Address, topic0 []common.Hash, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens a fresh connection for every (re)connect.
type Dialer func(ctx context.Context) (StreamClient, error)

// SubscriberConfig holds runtime settings for a live subscription.
type SubscriberConfig struct {
	Chain         string
	Addresses     []common.Address
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// TokenMeta enables symbol and decimals lookups for Transfer and Approval events.
	TokenMeta bool
}

// Subscriber follows new logs and heads over a websocket subscription and
// reconnects with exponential backoff when the connection drops.
type Subscriber struct {
	cfg       SubscriberConfig
	dial      Dialer
	decoder   *decode.ERC20Decoder
	metaCache *decode.TokenMetaCache
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewSubscriber(cfg SubscriberConfig, dial Dialer, decoder *decode.ERC20Decoder, logger *zap.Logger, m *metrics.Metrics) (*Subscriber, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer is nil")
	}
	if decoder == nil {
		return nil, fmt.Errorf("decoder is nil")
	}
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("at least one address is required")
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		cfg:       cfg,
		dial:      dial,
		decoder:   decoder,
		metaCache: decode.NewTokenMetaCache(),
		logger:    logger.Named("subscriber").With(zap.String("chain", cfg.Chain)),
		metrics:   m,
		now:       time.Now,
	}, nil
}

func (s *Subscriber) Name() string { return "live:" + s.cfg.Chain }

// Run subscribes until ctx is done or the sink refuses an event.
func (s *Subscriber) Run(ctx context.Context, sink Sink) error {
	attempt := 0
	for {
		err := s.stream(ctx, sink, &attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPushError(err) {
			return err
		}

		delay := retry.Backoff(attempt, s.cfg.ReconnectBase, s.cfg.ReconnectMax)
		attempt++
		s.logger.Warn("subscription lost, reconnecting", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if s.metrics != nil {
			s.metrics.SourceReconnects.WithLabelValues(s.Name()).Inc()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Subscriber) stream(ctx context.Context, sink Sink, attempt *int) error {
	client, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}

	logs := make(chan types.Log, 256)
	logSub, err := client.SubscribeLogs(ctx, s.cfg.Addresses, s.decoder.Topics(), logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer logSub.Unsubscribe()

	heads := make(chan *types.Header, 16)
	headSub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}
	defer headSub.Unsubscribe()

	*attempt = 0
	s.logger.Info("subscribed", zap.Uint64("chain_id", chainID), zap.Int("addresses", len(s.cfg.Addresses)))

	conv := &converter{
		source:  s.Name(),
		decoder: s.decoder,
		logger:  s.logger,
		metrics: s.metrics,
		now:     s.now,
	}
	if s.cfg.TokenMeta {
		conv.enricher = decode.NewEnricher(client, s.metaCache, s.logger)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-logSub.Err():
			return subscriptionError("log", err)
		case err := <-headSub.Err():
			return subscriptionError("head", err)
		case header := <-heads:
			if header == nil || header.Number == nil {
				continue
			}
			head := model.ChainHead{
				ChainName: s.cfg.Chain,
				Number:    header.Number.Uint64(),
				Time:      time.Unix(int64(header.Time), 0).UTC(),
			}
			if err := sink.PushHead(ctx, head); err != nil {
				return &pushError{err: err}
			}
		case log := <-logs:
			ts, err := client.BlockTimestamp(ctx, log.BlockNumber)
			if err != nil {
				s.logger.Warn("block timestamp fetch failed", zap.Uint64("block_number", log.BlockNumber), zap.Error(err))
			}
			record := BuildLogRecord(chainID, log, ts, s.now())
			if err := conv.emit(ctx, sink, record, s.cfg.Chain); err != nil {
				return err
			}
		}
	}
}

func subscriptionError(name string, err error) error {
	if err == nil {
		err = errors.New("closed by server")
	}
	return fmt.Errorf("%s subscription: %w", name, err)
}
