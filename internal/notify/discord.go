package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"chainWatchdog/internal/model"
)

// DiscordNotifier posts alerts as Discord webhook embeds.
type DiscordNotifier struct {
	name   string
	url    string
	client *http.Client
}

// NewDiscordNotifier validates the webhook URL.
func NewDiscordNotifier(name, webhookURL string, timeout time.Duration) (*DiscordNotifier, error) {
	if err := validateURL(webhookURL); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if name == "" {
		name = "discord"
	}
	return &DiscordNotifier{name: name, url: webhookURL, client: &http.Client{Timeout: timeout}}, nil
}

func (n *DiscordNotifier) Name() string { return n.name }

func (n *DiscordNotifier) Send(ctx context.Context, alert model.Alert) error {
	body, err := json.Marshal(discordWebhookPayload{Embeds: []discordEmbed{buildEmbed(alert)}})
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("marshal discord payload: %w", err)}
	}
	return postJSON(ctx, n.client, n.url, nil, body)
}

func buildEmbed(alert model.Alert) discordEmbed {
	f := alert.Finding
	fields := []discordEmbedField{
		{Name: "Severity", Value: f.Severity.String(), Inline: true},
		{Name: "Rule", Value: f.RuleID, Inline: true},
		{Name: "Chain", Value: f.ChainName, Inline: true},
		{Name: "Contract", Value: f.Contract.Hex()},
		{Name: "Block", Value: strconv.FormatUint(f.BlockNumber, 10), Inline: true},
		{Name: "Tx", Value: f.TxHash.Hex()},
	}
	if alert.Count > 1 {
		fields = append(fields, discordEmbedField{Name: "Occurrences", Value: strconv.FormatUint(alert.Count, 10), Inline: true})
	}
	return discordEmbed{
		Title:       fmt.Sprintf("%s: %s", f.Severity, f.Kind),
		Description: f.Message,
		Color:       severityColor(f.Severity),
		Timestamp:   alert.CreatedAt.UTC().Format(time.RFC3339),
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: "chain watchdog"},
	}
}

func severityColor(severity model.Severity) int {
	switch severity {
	case model.SeverityCritical:
		return 0xFF0000
	case model.SeverityHigh:
		return 0xFFA500
	case model.SeverityMedium:
		return 0xF1C40F
	default:
		return 0x95A5A6
	}
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}
