package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names the decoded on-chain event.
type EventKind string

const (
	KindTransfer             EventKind = "Transfer"
	KindApproval             EventKind = "Approval"
	KindOwnershipTransferred EventKind = "OwnershipTransferred"
	KindUnknown              EventKind = "Unknown"
)

// KnownKinds lists the kinds rules may target.
func KnownKinds() []EventKind {
	return []EventKind{KindTransfer, KindApproval, KindOwnershipTransferred}
}

// ParseEventKind accepts a kind name in any case.
func ParseEventKind(input string) (EventKind, error) {
	trimmed := strings.TrimSpace(input)
	for _, kind := range KnownKinds() {
		if strings.EqualFold(trimmed, string(kind)) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", input)
}

// NormalizedEvent is a chain-agnostic decoded event. It is not modified after the
// source builds it; Fields must be treated as read-only by every consumer.
type NormalizedEvent struct {
	ChainID     uint64           `json:"chain_id"`
	ChainName   string           `json:"chain_name"`
	Contract    common.Address   `json:"contract"`
	Kind        EventKind        `json:"kind"`
	Fields      map[string]Value `json:"fields"`
	BlockNumber uint64           `json:"block_number"`
	BlockTime   uint64           `json:"block_time"`
	TxHash      common.Hash      `json:"tx_hash"`
	LogIndex    uint             `json:"log_index"`
	ObservedAt  time.Time        `json:"observed_at"`
	Token       *TokenMeta       `json:"token,omitempty"`
}

// Field looks up a decoded field by name.
func (e NormalizedEvent) Field(name string) (Value, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// ChainHead reports a new block observed on a chain.
type ChainHead struct {
	ChainName string    `json:"chain_name"`
	Number    uint64    `json:"number"`
	Time      time.Time `json:"time"`
}
