package rules

import (
	"fmt"

	"github.com/holiman/uint256"

	"chainWatchdog/internal/model"
)

// ReportFunc receives rules skipped for one event because a field was missing or unusable.
type ReportFunc func(rule Rule, event model.NormalizedEvent, err error)

// Evaluate applies every rule whose kind matches the event and returns the
// findings in rule order. A rule that cannot be applied is skipped and reported;
// the remaining rules still run.
func Evaluate(event model.NormalizedEvent, rules []Rule, report ReportFunc) []model.Finding {
	var findings []model.Finding
	for _, rule := range rules {
		if rule.Kind != event.Kind {
			continue
		}
		finding, matched, err := rule.Apply(event)
		if err != nil {
			if report != nil {
				report(rule, event, err)
			}
			continue
		}
		if matched {
			findings = append(findings, finding)
		}
	}
	return findings
}

// Apply evaluates one rule against one event without regard to kind filtering.
func (r Rule) Apply(event model.NormalizedEvent) (model.Finding, bool, error) {
	data := newMessageData(r, event)

	switch r.Variant {
	case model.VariantThreshold:
		value, err := numberField(event, r.Field)
		if err != nil {
			return model.Finding{}, false, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if value.Lt(r.MinValue) {
			return model.Finding{}, false, nil
		}
		data.Value = value.Dec()
		data.Threshold = r.MinValue.Dec()

	case model.VariantStateChange:

	case model.VariantApprovalRatio:
		value, err := numberField(event, r.Field)
		if err != nil {
			return model.Finding{}, false, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		threshold := r.threshold
		if threshold == nil {
			ref, err := numberField(event, r.ReferenceField)
			if err != nil {
				return model.Finding{}, false, fmt.Errorf("rule %s: reference: %w", r.ID, err)
			}
			threshold = ratioThreshold(ref, r.RatioBps, r.Inclusive)
		}
		if r.Inclusive {
			if value.Lt(threshold) {
				return model.Finding{}, false, nil
			}
		} else if !value.Gt(threshold) {
			return model.Finding{}, false, nil
		}
		data.Value = value.Dec()
		data.Threshold = threshold.Dec()

	default:
		return model.Finding{}, false, fmt.Errorf("rule %s: unknown variant %q", r.ID, r.Variant)
	}

	message, err := r.render(data)
	if err != nil {
		return model.Finding{}, false, err
	}

	return model.Finding{
		RuleID:      r.ID,
		Variant:     r.Variant,
		Severity:    r.Severity,
		Message:     message,
		ChainID:     event.ChainID,
		ChainName:   event.ChainName,
		Contract:    event.Contract,
		Kind:        event.Kind,
		BlockNumber: event.BlockNumber,
		TxHash:      event.TxHash,
		LogIndex:    event.LogIndex,
		ObservedAt:  event.ObservedAt,
		Fingerprint: fingerprint(event, message),
	}, true, nil
}

func numberField(event model.NormalizedEvent, name string) (*uint256.Int, error) {
	value, ok := event.Field(name)
	if !ok {
		return nil, fmt.Errorf("field %q: %w", name, ErrMissingField)
	}
	n, ok := value.Number()
	if !ok {
		return nil, fmt.Errorf("field %q: %w", name, ErrFieldType)
	}
	return n, nil
}
