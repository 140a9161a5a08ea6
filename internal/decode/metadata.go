package decode

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"chainWatchdog/internal/model"
)

// ContractCaller is the subset of the chain client used for metadata reads.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TokenMetaCache caches token metadata by address, including failed lookups.
type TokenMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]*model.TokenMeta
}

func NewTokenMetaCache() *TokenMetaCache {
	return &TokenMetaCache{data: make(map[common.Address]*model.TokenMeta)}
}

// Get returns the cached metadata; known is false when the address was never looked up.
// meta is nil when a previous lookup failed.
func (c *TokenMetaCache) Get(address common.Address) (meta *model.TokenMeta, known bool) {
	c.mu.RLock()
	meta, known = c.data[address]
	c.mu.RUnlock()
	return meta, known
}

func (c *TokenMetaCache) Set(address common.Address, meta *model.TokenMeta) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// Enricher attaches token metadata to Transfer and Approval events.
type Enricher struct {
	caller ContractCaller
	cache  *TokenMetaCache
	logger *zap.Logger
}

func NewEnricher(caller ContractCaller, cache *TokenMetaCache, logger *zap.Logger) *Enricher {
	if cache == nil {
		cache = NewTokenMetaCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{caller: caller, cache: cache, logger: logger}
}

// Enrich returns event with Token set when metadata is available. Lookups are
// done once per contract; failures are cached and never block the event.
func (e *Enricher) Enrich(ctx context.Context, event model.NormalizedEvent) model.NormalizedEvent {
	if event.Kind != model.KindTransfer && event.Kind != model.KindApproval {
		return event
	}
	meta, known := e.cache.Get(event.Contract)
	if !known {
		fetched, err := FetchTokenMeta(ctx, e.caller, event.Contract, e.logger)
		if err != nil {
			e.logger.Debug("token metadata unavailable", zap.String("token", event.Contract.Hex()), zap.Error(err))
			e.cache.Set(event.Contract, nil)
			return event
		}
		meta = &fetched
		e.cache.Set(event.Contract, meta)
	}
	if meta != nil {
		copied := *meta
		event.Token = &copied
	}
	return event
}

// FetchTokenMeta loads token metadata via ERC20 calls.
func FetchTokenMeta(ctx context.Context, caller ContractCaller, token common.Address, logger *zap.Logger) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token.Hex()}
	if caller == nil {
		return meta, fmt.Errorf("chain client is nil")
	}

	stringABI, err := erc20String.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20Bytes32.get()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	call := func(method string, parsed abi.ABI) ([]interface{}, error) {
		data, err := parsed.Pack(method)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", method, err)
		}
		msg := ethereum.CallMsg{To: &token, Data: data}
		resp, err := caller.CallContract(ctx, msg, nil)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", method, err)
		}
		values, err := parsed.Unpack(method, resp)
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", method, err)
		}
		return values, nil
	}

	values, err := call("decimals", stringABI)
	if err != nil {
		return meta, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return meta, fmt.Errorf("unsupported decimals type %T", values[0])
	}
	meta.Decimals = decimals

	meta.Symbol = readText(call, "symbol", stringABI, bytes32ABI, logger, token)
	meta.Name = readText(call, "name", stringABI, bytes32ABI, logger, token)
	return meta, nil
}

func readText(call func(string, abi.ABI) ([]interface{}, error), method string, stringABI, bytes32ABI abi.ABI, logger *zap.Logger, token common.Address) string {
	if values, err := call(method, stringABI); err == nil {
		if s, ok := values[0].(string); ok {
			return s
		}
	}
	values, err := call(method, bytes32ABI)
	if err == nil {
		if s, ok := bytes32ToString(values[0]); ok {
			return s
		}
	}
	if logger != nil {
		logger.Debug(method+" call failed", zap.String("token", token.Hex()), zap.Error(err))
	}
	return ""
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		return string(bytes.TrimRight(v[:], "\x00")), true
	case []byte:
		return string(bytes.TrimRight(v, "\x00")), true
	default:
		return "", false
	}
}
