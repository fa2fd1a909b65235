package engine

import "time"

type EventType int

const (
	EventOrderSubmit EventType = iota
	EventOrderFill
	EventOrderCancel
	EventOrderExpire
	EventStopHit
	EventTakeProfitHit
	EventTrailingStopHit
	EventRiskSuppressed
	EventSanitized
	EventPositionUpdate
)

func (t EventType) String() string {
	switch t {
	case EventOrderSubmit:
		return "order_submit"
	case EventOrderFill:
		return "order_fill"
	case EventOrderCancel:
		return "order_cancel"
	case EventOrderExpire:
		return "order_expire"
	case EventStopHit:
		return "stop_hit"
	case EventTakeProfitHit:
		return "take_profit_hit"
	case EventTrailingStopHit:
		return "trailing_stop_hit"
	case EventRiskSuppressed:
		return "risk_suppressed"
	case EventSanitized:
		return "sanitized"
	case EventPositionUpdate:
		return "position_update"
	}
	return "unknown"
}

// Event timestamps are unix milliseconds of the bar being processed.
type Event struct {
	Ts      uint64
	Type    EventType
	Symbol  string
	Details map[string]string
}

type EventLog struct {
	Events []Event
}

func (l *EventLog) Append(e Event) {
	if l == nil {
		return
	}
	l.Events = append(l.Events, e)
}

func (l *EventLog) Filter(t EventType) []Event {
	if l == nil {
		return nil
	}
	var out []Event
	for _, e := range l.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func tsMillis(t time.Time) uint64 {
	if t.IsZero() || t.UnixMilli() < 0 {
		return 0
	}
	return uint64(t.UnixMilli())
}
