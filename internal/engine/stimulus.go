package engine

import (
	"github.com/reflexhq/reflex/internal/facts"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/temporal"
)

type stimulusKind int

const (
	stimEvent stimulusKind = iota
	stimSetFact
	stimDeleteFact
	stimFactNotify
	stimTimer
	stimTemporal
)

// stimulus is one unit of dispatcher work. Top-level stimuli arrive on the
// engine channel; cascade work is generated while one is being processed.
type stimulus struct {
	kind stimulusKind

	// stimEvent
	event model.Event

	// stimSetFact / stimDeleteFact
	factKey   string
	factValue interface{}

	// stimFactNotify
	change facts.Change

	// stimTimer
	timerName     string
	timerTemplate model.EventTemplate
	iteration     int

	// stimTemporal
	firing temporal.Firing

	correlationID string

	// closed when the full cascade of a top-level stimulus has drained
	done chan struct{}
}
