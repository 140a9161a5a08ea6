package alert

import (
	"fmt"
	"strings"
	"time"
)

// RepeatMode selects which repeated emissions may notify.
type RepeatMode string

const (
	// RepeatNone never notifies for repeats.
	RepeatNone RepeatMode = "none"
	// RepeatEveryN notifies when the running count is a multiple of EveryN.
	RepeatEveryN RepeatMode = "every_n"
	// RepeatCooldown notifies when Cooldown has passed since the key last notified.
	RepeatCooldown RepeatMode = "cooldown"
)

// RepeatPolicy gates repeat notifications before the repeat bucket is consulted.
type RepeatPolicy struct {
	Mode     RepeatMode
	EveryN   uint64
	Cooldown time.Duration
}

// DefaultRepeatPolicy notifies a repeating key at most once a minute.
func DefaultRepeatPolicy() RepeatPolicy {
	return RepeatPolicy{Mode: RepeatCooldown, Cooldown: time.Minute}
}

// ParseRepeatMode accepts the configuration spelling of a mode.
func ParseRepeatMode(input string) (RepeatMode, error) {
	switch mode := RepeatMode(strings.ToLower(strings.TrimSpace(input))); mode {
	case RepeatNone, RepeatEveryN, RepeatCooldown:
		return mode, nil
	case "":
		return RepeatCooldown, nil
	default:
		return "", fmt.Errorf("unknown repeat mode %q", input)
	}
}

// Validate rejects parameters that contradict the mode.
func (p RepeatPolicy) Validate() error {
	switch p.Mode {
	case RepeatNone:
		if p.EveryN != 0 || p.Cooldown != 0 {
			return fmt.Errorf("repeat mode none takes no every_n or cooldown")
		}
	case RepeatEveryN:
		if p.EveryN < 2 {
			return fmt.Errorf("repeat mode every_n needs every_n >= 2, got %d", p.EveryN)
		}
		if p.Cooldown != 0 {
			return fmt.Errorf("repeat mode every_n takes no cooldown")
		}
	case RepeatCooldown:
		if p.Cooldown <= 0 {
			return fmt.Errorf("repeat mode cooldown needs a positive cooldown")
		}
		if p.EveryN != 0 {
			return fmt.Errorf("repeat mode cooldown takes no every_n")
		}
	default:
		return fmt.Errorf("unknown repeat mode %q", p.Mode)
	}
	return nil
}

func (p RepeatPolicy) allows(count uint64, last time.Time, seen bool, now time.Time) bool {
	switch p.Mode {
	case RepeatEveryN:
		return count%p.EveryN == 0
	case RepeatCooldown:
		return !seen || now.Sub(last) >= p.Cooldown
	default:
		return false
	}
}
