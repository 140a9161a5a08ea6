package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate reports every invalid or contradictory setting. The watchdog does
// not start when it returns an error.
func (c Config) Validate() error {
	var errs []error
	if err := structValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fieldError(fe))
		}
	}

	for _, ch := range c.Alerts.Channels {
		if ch.Type != "log" && ch.URL == "" {
			errs = append(errs, fmt.Errorf("channel %s: url is required for %s channels", ch.Name, ch.Type))
		}
	}

	if _, err := c.WatchedChains(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.BuildRules(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AlertConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.DispatchConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PipelineConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.DisplayOptions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseTopic0(c.Backfill.Topic0); err != nil {
		errs = append(errs, err)
	}
	if c.Backfill.ToBlock != 0 && c.Backfill.ToBlock < c.Backfill.FromBlock {
		errs = append(errs, fmt.Errorf("backfill: to block %d is before from block %d", c.Backfill.ToBlock, c.Backfill.FromBlock))
	}
	if c.Display.Chain != "" {
		if _, ok := c.Chains[strings.ToLower(c.Display.Chain)]; !ok {
			errs = append(errs, fmt.Errorf("display: unknown chain %q", c.Display.Chain))
		}
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "required_if":
		return fmt.Errorf("%s is required when %s", field, fe.Param())
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Errorf("%s must be a valid url", field)
	case "eth_addr":
		return fmt.Errorf("%s must be a 0x-prefixed 20 byte address", field)
	case "gt", "gte", "lte":
		return fmt.Errorf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	default:
		return fmt.Errorf("%s failed %s validation", field, fe.Tag())
	}
}
