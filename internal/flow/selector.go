package flow

import (
	"context"
	"fmt"
	"strings"
)

// CapabilityProbe reports what the client behind ctx declared it supports.
type CapabilityProbe interface {
	SupportsElicitation(ctx context.Context) bool
}

// ElicitationSignal says how AUTO learns whether a client can elicit.
type ElicitationSignal string

const (
	SignalCapabilities ElicitationSignal = "capabilities"
	SignalAlways       ElicitationSignal = "always"
	SignalNever        ElicitationSignal = "never"
)

// ParseElicitationSignal parses a signal name; empty selects SignalCapabilities.
func ParseElicitationSignal(s string) (ElicitationSignal, error) {
	switch sig := ElicitationSignal(strings.ToLower(strings.TrimSpace(s))); sig {
	case "":
		return SignalCapabilities, nil
	case SignalCapabilities, SignalAlways, SignalNever:
		return sig, nil
	}
	return "", fmt.Errorf("flow: unknown elicitation signal %q", s)
}

// Supported resolves the signal for one call. A nil probe means the host
// cannot tell, which counts as unsupported.
func (s ElicitationSignal) Supported(ctx context.Context, probe CapabilityProbe) bool {
	switch s {
	case SignalAlways:
		return true
	case SignalNever:
		return false
	}
	return probe != nil && probe.SupportsElicitation(ctx)
}

// Auto runs ELICITATION for clients that can elicit and RESUBMIT otherwise.
type Auto struct {
	elicitation *Elicitation
	resubmit    *Resubmit
}

func (a *Auto) Mode() Mode { return ModeAuto }

func (a *Auto) choose(call *Call) Strategy {
	if call.ElicitationSupported && call.Elicitor != nil {
		return a.elicitation
	}
	return a.resubmit
}

func (a *Auto) Execute(ctx context.Context, call *Call) (*Outcome, error) {
	return a.choose(call).Execute(ctx, call)
}

// Confirm is the same for both delegates: confirm by payment id.
func (a *Auto) Confirm(ctx context.Context, c *Confirmation) (*Outcome, error) {
	return a.resubmit.Confirm(ctx, c)
}

// Selector picks the strategy for each call. The choice is static per call.
type Selector struct {
	mode       Mode
	strategies map[Mode]Strategy
	auto       *Auto
}

func newSelector(mode Mode, auto *Auto, strategies ...Strategy) (*Selector, error) {
	s := &Selector{mode: mode, auto: auto, strategies: make(map[Mode]Strategy, len(strategies)+1)}
	for _, st := range strategies {
		s.strategies[st.Mode()] = st
	}
	s.strategies[ModeAuto] = auto
	if _, ok := s.strategies[mode]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return s, nil
}

// Mode is the configured mode.
func (s *Selector) Mode() Mode { return s.mode }

// Resolve returns the strategy that handles call. For AUTO this is the
// delegate chosen from the call's elicitation support.
func (s *Selector) Resolve(call *Call) Strategy {
	if s.mode == ModeAuto {
		return s.auto.choose(call)
	}
	return s.strategies[s.mode]
}

// Confirmer returns the strategy that handles confirmation tool calls.
func (s *Selector) Confirmer() Strategy {
	return s.strategies[s.mode]
}
