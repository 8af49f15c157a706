package model

// EventTemplate is the event a timer emits on expiry. Topic and data may
// embed interpolation resolved when the timer is set.
type EventTemplate struct {
	Topic string                 `json:"topic"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// RepeatSpec makes a timer re-arm after each firing.
type RepeatSpec struct {
	Interval Duration `json:"interval"`
	MaxCount int      `json:"maxCount,omitempty"` // 0 means unbounded
}

// TimerSpec describes a named timer. Setting a timer with the name of an
// existing one replaces it.
type TimerSpec struct {
	Name     string        `json:"name"`
	Duration Duration      `json:"duration"`
	OnExpire EventTemplate `json:"onExpire"`
	Repeat   *RepeatSpec   `json:"repeat,omitempty"`
}

// Clone returns a deep copy of the spec.
func (s TimerSpec) Clone() TimerSpec {
	clone := s
	clone.OnExpire.Data = CloneMap(s.OnExpire.Data)
	if s.Repeat != nil {
		r := *s.Repeat
		clone.Repeat = &r
	}
	return clone
}
