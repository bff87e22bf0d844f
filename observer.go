package bdispatch

import "time"

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeHandled      Outcome = "handled"
	OutcomeNotFound     Outcome = "not_found"
	OutcomePreflight    Outcome = "preflight"
	OutcomeContinue     Outcome = "continue"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeStopped      Outcome = "stopped"
	OutcomeMapped       Outcome = "mapped"
	OutcomeMapperFailed Outcome = "mapper_failed"
)

// CycleInfo describes one finished cycle.
type CycleInfo struct {
	Route    string
	Method   string
	Status   int
	Outcome  Outcome
	Duration time.Duration
}

// Observer is informed about every cycle once its response was handed to the transport.
type Observer interface {
	ObserveCycle(info CycleInfo)
}

// ObserverFunc allows casting a function to an [Observer].
type ObserverFunc func(CycleInfo)

// ObserveCycle implements [Observer].
func (f ObserverFunc) ObserveCycle(info CycleInfo) { f(info) }

type nopObserver struct{}

func (nopObserver) ObserveCycle(CycleInfo) {}
