package subscription

import (
	"fmt"
	"sort"

	"github.com/rzbill/pagedtopic/internal/config"
)

// Strategy maps channels to subscribers. Allocate returns one owner per
// channel; "" means unowned. It must be deterministic for the same input.
type Strategy interface {
	Name() string
	Allocate(channels int, subscribers []string) []string
}

// Range hands each subscriber a contiguous block of channels, in sorted id
// order.
type Range struct{}

func (Range) Name() string { return config.StrategyRange }

func (Range) Allocate(channels int, subscribers []string) []string {
	out := make([]string, channels)
	ids := sortedCopy(subscribers)
	if len(ids) == 0 {
		return out
	}
	for ch := range out {
		out[ch] = ids[ch*len(ids)/channels]
	}
	return out
}

// RoundRobin deals channels to subscribers in sorted id order.
type RoundRobin struct{}

func (RoundRobin) Name() string { return config.StrategyRoundRobin }

func (RoundRobin) Allocate(channels int, subscribers []string) []string {
	out := make([]string, channels)
	ids := sortedCopy(subscribers)
	if len(ids) == 0 {
		return out
	}
	for ch := range out {
		out[ch] = ids[ch%len(ids)]
	}
	return out
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string) (Strategy, error) {
	switch name {
	case "", config.StrategyRange:
		return Range{}, nil
	case config.StrategyRoundRobin:
		return RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("subscription: unknown allocation strategy %q", name)
	}
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
