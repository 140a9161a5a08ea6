package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"chainWatchdog/internal/config"
)

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return describeConfig(os.Stdout, cfg)
}

// describeConfig prints the resolved chains, rules and channels.
func describeConfig(w io.Writer, cfg config.Config) error {
	chains, err := cfg.WatchedChains()
	if err != nil {
		return err
	}
	ruleSet, err := cfg.BuildRules()
	if err != nil {
		return err
	}
	alertCfg, err := cfg.AlertConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "chains: %d\n", len(chains))
	for _, chain := range chains {
		kinds := "all events"
		if len(chain.Kinds) > 0 {
			kinds = fmt.Sprint(chain.Kinds)
		}
		fmt.Fprintf(w, "  %s: %d contracts, %s\n", chain.Name, len(chain.Addresses), kinds)
	}
	fmt.Fprintf(w, "rules: %d\n", len(ruleSet))
	for _, rule := range ruleSet {
		fmt.Fprintf(w, "  %s: %s %s -> %s\n", rule.ID, rule.Variant, rule.Kind, rule.Severity)
	}
	fmt.Fprintf(w, "alerts: min %s, repeat %s\n", alertCfg.MinSeverity, alertCfg.Repeat.Mode)
	for _, ch := range cfg.NotifyChannels() {
		fmt.Fprintf(w, "  %s (%s)\n", ch.Name, ch.Type)
	}
	fmt.Fprintf(w, "audit: %s\n", cfg.Audit.Sink)
	return nil
}
