// Package decode turns raw chain logs into normalized events.
package decode

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"chainWatchdog/internal/model"
)

// ErrUnsupportedTopic is returned for logs whose signature is not watched.
var ErrUnsupportedTopic = errors.New("unsupported topic0")

// Decoder converts LogRecords into NormalizedEvents.
type Decoder interface {
	CanDecode(topic0 string) bool
	Decode(record model.LogRecord, chainName string, observedAt time.Time) (model.NormalizedEvent, error)
}

// ERC20Decoder decodes Transfer, Approval and OwnershipTransferred logs.
type ERC20Decoder struct {
	events      abi.ABI
	topicToKind map[string]model.EventKind
}

// NewERC20Decoder decodes the given kinds, or every watched kind when none are given.
func NewERC20Decoder(kinds ...model.EventKind) (*ERC20Decoder, error) {
	events, err := WatchedEventsABI()
	if err != nil {
		return nil, fmt.Errorf("parse events abi: %w", err)
	}
	if len(kinds) == 0 {
		kinds = model.KnownKinds()
	}

	topicToKind := make(map[string]model.EventKind, len(kinds))
	for _, kind := range kinds {
		event, ok := events.Events[string(kind)]
		if !ok {
			return nil, fmt.Errorf("unsupported event kind: %s", kind)
		}
		topicToKind[strings.ToLower(event.ID.Hex())] = kind
	}
	return &ERC20Decoder{events: events, topicToKind: topicToKind}, nil
}

// Topics lists the topic0 values to subscribe to.
func (d *ERC20Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.topicToKind))
	for _, kind := range model.KnownKinds() {
		event := d.events.Events[string(kind)]
		if _, ok := d.topicToKind[strings.ToLower(event.ID.Hex())]; ok {
			out = append(out, event.ID)
		}
	}
	return out
}

// CanDecode checks if the topic0 is watched.
func (d *ERC20Decoder) CanDecode(topic0 string) bool {
	if topic0 == "" {
		return false
	}
	_, ok := d.topicToKind[strings.ToLower(topic0)]
	return ok
}

// Decode converts a LogRecord into a NormalizedEvent.
func (d *ERC20Decoder) Decode(record model.LogRecord, chainName string, observedAt time.Time) (model.NormalizedEvent, error) {
	kind, ok := d.topicToKind[record.Topic0()]
	if !ok {
		return model.NormalizedEvent{}, fmt.Errorf("%w: %q", ErrUnsupportedTopic, record.Topic0())
	}
	if !common.IsHexAddress(record.Address) {
		return model.NormalizedEvent{}, fmt.Errorf("invalid contract address: %s", record.Address)
	}
	event := d.events.Events[string(kind)]

	indexedTopics, err := parseIndexedTopics(event, record.Topics)
	if err != nil {
		return model.NormalizedEvent{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	indexed := make(map[string]interface{}, len(indexedTopics))
	if err := abi.ParseTopicsIntoMap(indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.NormalizedEvent{}, fmt.Errorf("decode %s: parse topics: %w", kind, err)
	}

	fields := make(map[string]model.Value, len(event.Inputs))
	for name, raw := range indexed {
		addr, ok := raw.(common.Address)
		if !ok {
			return model.NormalizedEvent{}, fmt.Errorf("decode %s: topic %s has type %T", kind, name, raw)
		}
		fields[name] = model.AddressValue(addr)
	}

	values, err := unpackNonIndexed(event, record.Data)
	if err != nil {
		return model.NormalizedEvent{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	for i, arg := range event.Inputs.NonIndexed() {
		n, err := asUint256(values[i])
		if err != nil {
			return model.NormalizedEvent{}, fmt.Errorf("decode %s: %s: %w", kind, arg.Name, err)
		}
		fields[arg.Name] = model.NumberValue(n)
	}

	return model.NormalizedEvent{
		ChainID:     record.ChainID,
		ChainName:   chainName,
		Contract:    common.HexToAddress(record.Address),
		Kind:        kind,
		Fields:      fields,
		BlockNumber: record.BlockNumber,
		BlockTime:   record.Timestamp,
		TxHash:      common.HexToHash(record.TxHash),
		LogIndex:    uint(record.LogIndex),
		ObservedAt:  observedAt,
	}, nil
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	return parseTopicHashes(topics[1:])
}

func parseTopicHashes(topics []string) ([]common.Hash, error) {
	out := make([]common.Hash, 0, len(topics))
	for _, topic := range topics {
		data, err := hexutil.Decode(topic)
		if err != nil {
			return nil, fmt.Errorf("invalid topic: %w", err)
		}
		if len(data) > common.HashLength {
			return nil, fmt.Errorf("topic length %d", len(data))
		}
		out = append(out, common.BytesToHash(data))
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, dataHex string) ([]interface{}, error) {
	var data []byte
	if dataHex != "" && dataHex != "0x" {
		decoded, err := hexutil.Decode(dataHex)
		if err != nil {
			return nil, fmt.Errorf("invalid data: %w", err)
		}
		data = decoded
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}

func asUint256(value interface{}) (*uint256.Int, error) {
	v, ok := value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", v)
	}
	n, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("value %s exceeds 256 bits", v)
	}
	return n, nil
}
