package raft

import (
	"fmt"
	"runtime"
	"time"
)

const (
	IdleSleeping = "sleeping"
	IdleYielding = "yielding"
	IdleBusySpin = "busy-spin"
	IdleBackoff  = "backoff"
)

// IdleStrategy decides how the driver waits when a duty cycle did no work.
type IdleStrategy interface {
	Idle(workCount int)
	Reset()
}

// NewIdleStrategy returns the strategy registered under name.
func NewIdleStrategy(name string) (IdleStrategy, error) {
	switch name {
	case IdleSleeping:
		return &SleepingIdleStrategy{Period: time.Millisecond}, nil
	case IdleYielding:
		return YieldingIdleStrategy{}, nil
	case IdleBusySpin:
		return BusySpinIdleStrategy{}, nil
	case IdleBackoff, "":
		return NewBackoffIdleStrategy(10, 20, 10*time.Microsecond, time.Millisecond), nil
	default:
		return nil, fmt.Errorf("%w: unknown idle strategy %q", ErrInvalidConfig, name)
	}
}

// SleepingIdleStrategy sleeps for Period after an idle cycle.
type SleepingIdleStrategy struct {
	Period time.Duration
}

func (s *SleepingIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		return
	}
	time.Sleep(s.Period)
}

func (s *SleepingIdleStrategy) Reset() {}

// YieldingIdleStrategy yields the processor after an idle cycle.
type YieldingIdleStrategy struct{}

func (YieldingIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		return
	}
	runtime.Gosched()
}

func (YieldingIdleStrategy) Reset() {}

// BusySpinIdleStrategy never gives up the processor.
type BusySpinIdleStrategy struct{}

func (BusySpinIdleStrategy) Idle(int) {}
func (BusySpinIdleStrategy) Reset()   {}

type backoffState int

const (
	backoffNotIdle backoffState = iota
	backoffSpinning
	backoffYielding
	backoffParking
)

// BackoffIdleStrategy spins, then yields, then sleeps with a doubling
// period capped at maxPark.
type BackoffIdleStrategy struct {
	maxSpins  int
	maxYields int
	minPark   time.Duration
	maxPark   time.Duration

	state  backoffState
	spins  int
	yields int
	park   time.Duration
}

func NewBackoffIdleStrategy(maxSpins, maxYields int, minPark, maxPark time.Duration) *BackoffIdleStrategy {
	return &BackoffIdleStrategy{
		maxSpins:  maxSpins,
		maxYields: maxYields,
		minPark:   minPark,
		maxPark:   maxPark,
		park:      minPark,
	}
}

func (s *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		s.Reset()
		return
	}

	switch s.state {
	case backoffNotIdle:
		s.state = backoffSpinning
		s.spins++
	case backoffSpinning:
		s.spins++
		if s.spins > s.maxSpins {
			s.state = backoffYielding
			s.yields = 0
		}
	case backoffYielding:
		s.yields++
		if s.yields > s.maxYields {
			s.state = backoffParking
			s.park = s.minPark
		} else {
			runtime.Gosched()
		}
	case backoffParking:
		time.Sleep(s.park)
		s.park *= 2
		if s.park > s.maxPark {
			s.park = s.maxPark
		}
	}
}

func (s *BackoffIdleStrategy) Reset() {
	s.state = backoffNotIdle
	s.spins = 0
	s.yields = 0
	s.park = s.minPark
}
