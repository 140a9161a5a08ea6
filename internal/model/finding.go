package model

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RuleVariant is the closed set of rule shapes.
type RuleVariant string

const (
	VariantThreshold     RuleVariant = "threshold"
	VariantStateChange   RuleVariant = "state_change"
	VariantApprovalRatio RuleVariant = "approval_ratio"
)

// Finding is the result of one rule matching one event.
type Finding struct {
	RuleID      string         `json:"rule_id"`
	Variant     RuleVariant    `json:"variant"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	ChainID     uint64         `json:"chain_id"`
	ChainName   string         `json:"chain_name"`
	Contract    common.Address `json:"contract"`
	Kind        EventKind      `json:"kind"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
	ObservedAt  time.Time      `json:"observed_at"`
	Fingerprint string         `json:"fingerprint"`
}

// Key identifies findings that are semantically identical.
func (f Finding) Key() DedupKey {
	return DedupKey{RuleID: f.RuleID, Contract: f.Contract, Fingerprint: f.Fingerprint}
}

// Lineage groups findings of one rule on one contract.
func (f Finding) Lineage() Lineage {
	return Lineage{RuleID: f.RuleID, Contract: f.Contract}
}

// DedupKey is comparable and used directly as a map key.
type DedupKey struct {
	RuleID      string         `json:"rule_id"`
	Contract    common.Address `json:"contract"`
	Fingerprint string         `json:"fingerprint"`
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.RuleID, k.Contract.Hex(), k.Fingerprint)
}

// Lineage is the sequence a finding continues or breaks.
type Lineage struct {
	RuleID   string
	Contract common.Address
}

// AggregatedEntry collapses consecutive identical findings.
type AggregatedEntry struct {
	Key       DedupKey  `json:"key"`
	Finding   Finding   `json:"finding"`
	Count     uint64    `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Run       uint64    `json:"run"`
}

// Alert is a notification admitted for delivery.
type Alert struct {
	ID        string    `json:"id"`
	Finding   Finding   `json:"finding"`
	Count     uint64    `json:"count"`
	Repeat    bool      `json:"repeat"`
	Channels  []string  `json:"channels"`
	CreatedAt time.Time `json:"created_at"`
}

// Text is the one-line rendering used by chat-style notifiers.
func (a Alert) Text() string {
	text := fmt.Sprintf("[%s] %s", a.Finding.Severity, a.Finding.Message)
	if a.Count > 1 {
		text += fmt.Sprintf(" (x%d)", a.Count)
	}
	return text
}
