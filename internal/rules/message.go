package rules

import (
	"fmt"
	"math/big"
	"strings"
	"text/template"

	"chainWatchdog/internal/model"
)

type messageData struct {
	Rule      string
	Severity  string
	Chain     string
	ChainID   uint64
	Contract  string
	Kind      string
	Block     uint64
	Value     string
	Threshold string
	Fields    map[string]string
	Symbol    string
	Decimals  uint8
}

var messageFuncs = template.FuncMap{
	"units": formatUnits,
	"short": shortHex,
}

func defaultMessage(variant model.RuleVariant, kind model.EventKind) string {
	switch variant {
	case model.VariantThreshold:
		return "Large " + string(kind) + " Detected: {{.Value}} >= {{.Threshold}}"
	case model.VariantApprovalRatio:
		return "High Approval Detected: {{.Value}} > {{.Threshold}}"
	case model.VariantStateChange:
		if kind == model.KindOwnershipTransferred {
			return "Ownership Transferred!"
		}
		return string(kind) + " on {{.Contract}}"
	}
	return "{{.Rule}} matched"
}

func parseMessage(ruleID, text string) (*template.Template, error) {
	tmpl, err := template.New(ruleID).Funcs(messageFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse message for rule %s: %w", ruleID, err)
	}
	return tmpl, nil
}

func newMessageData(rule Rule, event model.NormalizedEvent) messageData {
	fields := make(map[string]string, len(event.Fields))
	for name, value := range event.Fields {
		fields[name] = value.String()
	}
	data := messageData{
		Rule:     rule.ID,
		Severity: rule.Severity.String(),
		Chain:    event.ChainName,
		ChainID:  event.ChainID,
		Contract: event.Contract.Hex(),
		Kind:     string(event.Kind),
		Block:    event.BlockNumber,
		Fields:   fields,
	}
	if event.Token != nil {
		data.Symbol = event.Token.Symbol
		data.Decimals = event.Token.Decimals
	}
	return data
}

func (r Rule) render(data messageData) (string, error) {
	if r.tmpl == nil {
		return r.Message, nil
	}
	var b strings.Builder
	if err := r.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render message for rule %s: %w", r.ID, err)
	}
	return b.String(), nil
}

// formatUnits renders a decimal integer string scaled down by decimals.
func formatUnits(amount string, decimals uint8) string {
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}
	if decimals == 0 {
		return value.String()
	}
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	text := new(big.Rat).SetFrac(value, denom).FloatString(int(decimals))
	text = strings.TrimRight(text, "0")
	return strings.TrimSuffix(text, ".")
}

func shortHex(input string) string {
	if len(input) <= 12 {
		return input
	}
	return input[:6] + "…" + input[len(input)-4:]
}
