package rules

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"text/template"

	"github.com/holiman/uint256"

	"chainWatchdog/internal/model"
)

// BasisPoints is the denominator of ApprovalRatio ratios.
const BasisPoints = 10000

var (
	// ErrMissingField marks an event that lacks the field a rule inspects.
	ErrMissingField = errors.New("missing field")
	// ErrFieldType marks a field that is not numeric where a number is required.
	ErrFieldType = errors.New("field is not numeric")
)

// Spec is the plain description of a rule. Build a Rule from it with New.
type Spec struct {
	ID       string
	Kind     model.EventKind
	Variant  model.RuleVariant
	Severity model.Severity
	Message  string

	// Field is the numeric field inspected by threshold and approval ratio rules.
	Field string
	// MinValue is the inclusive threshold of a threshold rule.
	MinValue *uint256.Int

	// RatioBps is the share of the reference, in basis points, an approval ratio
	// rule compares against. The comparison is strict unless Inclusive is set.
	RatioBps  uint64
	Inclusive bool
	// ReferenceField names an event field holding the reference value.
	// When empty, ReferenceValue is used, and when that is nil the maximum uint256.
	ReferenceField string
	ReferenceValue *uint256.Int
}

// Rule is an immutable, validated rule ready for evaluation.
type Rule struct {
	Spec

	tmpl *template.Template
	// threshold is precomputed for approval ratio rules with a constant reference.
	threshold *uint256.Int
}

// New validates spec, compiles its message template and returns the rule.
func New(spec Spec) (Rule, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return Rule{}, fmt.Errorf("rule id is required")
	}
	if _, err := model.ParseEventKind(string(spec.Kind)); err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", spec.ID, err)
	}
	if spec.Severity > model.SeverityCritical {
		return Rule{}, fmt.Errorf("rule %s: invalid severity %d", spec.ID, spec.Severity)
	}

	rule := Rule{}
	switch spec.Variant {
	case model.VariantThreshold:
		if spec.Field == "" {
			spec.Field = "value"
		}
		if spec.MinValue == nil {
			return Rule{}, fmt.Errorf("rule %s: threshold rule requires min value", spec.ID)
		}
		spec.MinValue = new(uint256.Int).Set(spec.MinValue)
	case model.VariantStateChange:
	case model.VariantApprovalRatio:
		if spec.Field == "" {
			spec.Field = "value"
		}
		if spec.RatioBps == 0 || spec.RatioBps > BasisPoints {
			return Rule{}, fmt.Errorf("rule %s: ratio must be within 1..%d basis points, got %d", spec.ID, BasisPoints, spec.RatioBps)
		}
		if spec.ReferenceField != "" && spec.ReferenceValue != nil {
			return Rule{}, fmt.Errorf("rule %s: reference field and reference value are mutually exclusive", spec.ID)
		}
		if spec.ReferenceField == "" {
			ref := maxUint256()
			if spec.ReferenceValue != nil {
				ref = new(uint256.Int).Set(spec.ReferenceValue)
				spec.ReferenceValue = ref
			}
			rule.threshold = ratioThreshold(ref, spec.RatioBps, spec.Inclusive)
		}
	default:
		return Rule{}, fmt.Errorf("rule %s: unknown variant %q", spec.ID, spec.Variant)
	}

	if strings.TrimSpace(spec.Message) == "" {
		spec.Message = defaultMessage(spec.Variant, spec.Kind)
	}
	tmpl, err := parseMessage(spec.ID, spec.Message)
	if err != nil {
		return Rule{}, err
	}

	rule.Spec = spec
	rule.tmpl = tmpl
	return rule, nil
}

// Threshold returns the effective comparison bound of a rule with a constant
// bound, or nil when the bound depends on the event.
func (r Rule) Threshold() *uint256.Int {
	switch r.Variant {
	case model.VariantThreshold:
		return new(uint256.Int).Set(r.MinValue)
	case model.VariantApprovalRatio:
		if r.threshold != nil {
			return new(uint256.Int).Set(r.threshold)
		}
	}
	return nil
}

// ValidateSet rejects rule sets that cannot be evaluated together.
func ValidateSet(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		key := strings.ToLower(rule.ID)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[key] = struct{}{}
		if rule.tmpl == nil {
			return fmt.Errorf("rule %s was not built with rules.New", rule.ID)
		}
	}
	return nil
}

func maxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// ratioThreshold returns the bound a value is compared against so that the
// comparison equals the exact rational test value*10000 > ref*bps (strict) or
// value*10000 >= ref*bps (inclusive). The product is formed in big.Int so it
// cannot overflow; the result never exceeds ref.
func ratioThreshold(ref *uint256.Int, bps uint64, inclusive bool) *uint256.Int {
	num := new(big.Int).Mul(ref.ToBig(), new(big.Int).SetUint64(bps))
	quo, rem := new(big.Int).QuoRem(num, big.NewInt(BasisPoints), new(big.Int))
	if inclusive && rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	out, _ := uint256.FromBig(quo)
	return out
}
