package decode

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainWatchdog/internal/model"
)

var usdt = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")

func TestDecodeTransfer(t *testing.T) {
	events, err := WatchedEventsABI()
	require.NoError(t, err)
	decoder, err := NewERC20Decoder()
	require.NoError(t, err)

	from := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")
	amount, _ := new(big.Int).SetString("1000000000000000000000000", 10)

	data, err := events.Events["Transfer"].Inputs.NonIndexed().Pack(amount)
	require.NoError(t, err)

	record := buildLogRecord(usdt, events.Events["Transfer"].ID, data, []common.Hash{
		topicFromAddress(from),
		topicFromAddress(to),
	})
	require.True(t, decoder.CanDecode(record.Topic0()))

	observed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	event, err := decoder.Decode(record, "ethereum", observed)
	require.NoError(t, err)

	assert.Equal(t, model.KindTransfer, event.Kind)
	assert.Equal(t, usdt, event.Contract)
	assert.Equal(t, "ethereum", event.ChainName)
	assert.Equal(t, uint64(12345), event.BlockNumber)
	assert.Equal(t, uint64(1700000000), event.BlockTime)
	assert.Equal(t, observed, event.ObservedAt)

	value, ok := event.Fields["value"].Number()
	require.True(t, ok)
	assert.Equal(t, amount.String(), value.Dec())
	gotFrom, ok := event.Fields["from"].Address()
	require.True(t, ok)
	assert.Equal(t, from, gotFrom)
	gotTo, _ := event.Fields["to"].Address()
	assert.Equal(t, to, gotTo)
}

func TestDecodeApprovalMax(t *testing.T) {
	events, err := WatchedEventsABI()
	require.NoError(t, err)
	decoder, err := NewERC20Decoder()
	require.NoError(t, err)

	maxValue := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	data, err := events.Events["Approval"].Inputs.NonIndexed().Pack(maxValue)
	require.NoError(t, err)

	owner := common.HexToAddress("0x4444444444444444444444444444444444444444")
	spender := common.HexToAddress("0x5555555555555555555555555555555555555555")
	record := buildLogRecord(usdt, events.Events["Approval"].ID, data, []common.Hash{
		topicFromAddress(owner), topicFromAddress(spender),
	})

	event, err := decoder.Decode(record, "ethereum", time.Time{})
	require.NoError(t, err)
	value, _ := event.Fields["value"].Number()
	assert.Equal(t, maxValue.String(), value.Dec())
	gotSpender, _ := event.Fields["spender"].Address()
	assert.Equal(t, spender, gotSpender)
}

func TestDecodeOwnershipTransferredWithoutData(t *testing.T) {
	events, err := WatchedEventsABI()
	require.NoError(t, err)
	decoder, err := NewERC20Decoder(model.KindOwnershipTransferred)
	require.NoError(t, err)

	prev := common.HexToAddress("0x6666666666666666666666666666666666666666")
	next := common.HexToAddress("0x7777777777777777777777777777777777777777")
	record := buildLogRecord(usdt, events.Events["OwnershipTransferred"].ID, nil, []common.Hash{
		topicFromAddress(prev), topicFromAddress(next),
	})

	event, err := decoder.Decode(record, "ethereum", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.KindOwnershipTransferred, event.Kind)
	assert.Len(t, event.Fields, 2)
	gotNext, _ := event.Fields["newOwner"].Address()
	assert.Equal(t, next, gotNext)

	assert.Len(t, decoder.Topics(), 1)
	assert.False(t, decoder.CanDecode(events.Events["Transfer"].ID.Hex()))
}

func TestDecodeRejectsERC721Transfer(t *testing.T) {
	events, err := WatchedEventsABI()
	require.NoError(t, err)
	decoder, err := NewERC20Decoder()
	require.NoError(t, err)

	// ERC721 Transfer shares the signature but indexes the token id as a third topic.
	record := buildLogRecord(usdt, events.Events["Transfer"].ID, nil, []common.Hash{
		topicFromAddress(usdt), topicFromAddress(usdt), common.BigToHash(big.NewInt(7)),
	})
	_, err = decoder.Decode(record, "ethereum", time.Time{})
	require.Error(t, err)
}

func TestDecodeUnsupportedTopic(t *testing.T) {
	decoder, err := NewERC20Decoder()
	require.NoError(t, err)
	record := buildLogRecord(usdt, common.HexToHash("0x1234"), nil, nil)
	_, err = decoder.Decode(record, "ethereum", time.Time{})
	require.ErrorIs(t, err, ErrUnsupportedTopic)
}

type fakeCaller struct {
	calls int
	fail  bool
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("execution reverted")
	}
	parsed, err := erc20String.get()
	if err != nil {
		return nil, err
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(uint8(6))
	case "symbol":
		return method.Outputs.Pack("USDT")
	default:
		return method.Outputs.Pack("Tether USD")
	}
}

func TestEnricherCachesLookups(t *testing.T) {
	caller := &fakeCaller{}
	enricher := NewEnricher(caller, nil, nil)

	event := model.NormalizedEvent{Kind: model.KindTransfer, Contract: usdt}
	enriched := enricher.Enrich(context.Background(), event)
	require.NotNil(t, enriched.Token)
	assert.Equal(t, "USDT", enriched.Token.Symbol)
	assert.Equal(t, uint8(6), enriched.Token.Decimals)
	assert.Equal(t, "Tether USD", enriched.Token.Name)

	calls := caller.calls
	enricher.Enrich(context.Background(), event)
	assert.Equal(t, calls, caller.calls)
	assert.Nil(t, event.Token, "input event must not be modified")
}

func TestEnricherCachesFailures(t *testing.T) {
	caller := &fakeCaller{fail: true}
	enricher := NewEnricher(caller, nil, nil)
	event := model.NormalizedEvent{Kind: model.KindApproval, Contract: usdt}

	assert.Nil(t, enricher.Enrich(context.Background(), event).Token)
	assert.Nil(t, enricher.Enrich(context.Background(), event).Token)
	assert.Equal(t, 1, caller.calls)

	owned := model.NormalizedEvent{Kind: model.KindOwnershipTransferred, Contract: usdt}
	enricher.Enrich(context.Background(), owned)
	assert.Equal(t, 1, caller.calls)
}

func buildLogRecord(contract common.Address, topic0 common.Hash, data []byte, indexed []common.Hash) model.LogRecord {
	topics := make([]string, 0, len(indexed)+1)
	topics = append(topics, topic0.Hex())
	for _, topic := range indexed {
		topics = append(topics, topic.Hex())
	}

	return model.LogRecord{
		ChainID:     1,
		BlockNumber: 12345,
		BlockHash:   "0xabc",
		TxHash:      "0xdef",
		LogIndex:    1,
		Address:     contract.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(data),
		Timestamp:   1700000000,
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
