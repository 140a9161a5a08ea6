package rules

import (
	"github.com/holiman/uint256"

	"chainWatchdog/internal/model"
)

const (
	DefaultTransferRuleID  = "large-transfer"
	DefaultOwnershipRuleID = "ownership-transfer"
	DefaultApprovalRuleID  = "infinite-approval"
)

// Defaults is the rule set used when none is configured: large transfers at or
// above minTransfer, every ownership transfer, and approvals above half of the
// uint256 range.
func Defaults(minTransfer *uint256.Int, transferSeverity model.Severity) ([]Rule, error) {
	if minTransfer == nil {
		minTransfer = uint256.NewInt(1000)
	}
	specs := []Spec{
		{
			ID:       DefaultTransferRuleID,
			Kind:     model.KindTransfer,
			Variant:  model.VariantThreshold,
			Severity: transferSeverity,
			Field:    "value",
			MinValue: minTransfer,
		},
		{
			ID:       DefaultOwnershipRuleID,
			Kind:     model.KindOwnershipTransferred,
			Variant:  model.VariantStateChange,
			Severity: model.SeverityCritical,
		},
		{
			ID:       DefaultApprovalRuleID,
			Kind:     model.KindApproval,
			Variant:  model.VariantApprovalRatio,
			Severity: model.SeverityCritical,
			Field:    "value",
			RatioBps: BasisPoints / 2,
		},
	}

	out := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := New(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}
