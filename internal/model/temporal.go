package model

// TemporalKind selects one of the four stateful detectors.
type TemporalKind string

const (
	TemporalSequence  TemporalKind = "sequence"
	TemporalAbsence   TemporalKind = "absence"
	TemporalCount     TemporalKind = "count"
	TemporalAggregate TemporalKind = "aggregate"
)

// EventMatcher selects events by topic pattern plus optional equality
// constraints over dotted fields of the event data.
type EventMatcher struct {
	Topic string                 `json:"topic"`
	Where map[string]interface{} `json:"where,omitempty"`
}

// TemporalPattern configures a detector. Only the fields for its Kind are
// used. Within/Window follow the duration grammar.
type TemporalPattern struct {
	Kind    TemporalKind `json:"kind"`
	GroupBy string       `json:"groupBy,omitempty"` // dotted field partitioning state

	// sequence
	Sequence []EventMatcher `json:"sequence,omitempty"`
	Within   Duration       `json:"within,omitempty"`

	// absence
	After    *EventMatcher `json:"after,omitempty"`
	Expected *EventMatcher `json:"expected,omitempty"`

	// count / aggregate
	Match      *EventMatcher `json:"match,omitempty"`
	Window     Duration      `json:"window,omitempty"`
	Threshold  float64       `json:"threshold,omitempty"`
	Comparison string        `json:"comparison,omitempty"` // eq, gt, gte, lt, lte
	Sliding    bool          `json:"sliding,omitempty"`    // count only

	// aggregate
	Function string `json:"function,omitempty"` // sum, avg, min, max, count
	Field    string `json:"field,omitempty"`
}

// Clone returns a deep copy of the pattern.
func (p *TemporalPattern) Clone() *TemporalPattern {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Sequence != nil {
		clone.Sequence = make([]EventMatcher, len(p.Sequence))
		for i, m := range p.Sequence {
			clone.Sequence[i] = m.clone()
		}
	}
	if p.After != nil {
		m := p.After.clone()
		clone.After = &m
	}
	if p.Expected != nil {
		m := p.Expected.clone()
		clone.Expected = &m
	}
	if p.Match != nil {
		m := p.Match.clone()
		clone.Match = &m
	}
	return &clone
}

func (m EventMatcher) clone() EventMatcher {
	c := m
	c.Where = CloneMap(m.Where)
	return c
}
