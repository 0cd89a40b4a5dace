package turn

import "fmt"

// State is a phase of the voice turn.
type State string

// Event is an input that may move a turn to another State.
type Event string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	// StateAwaiting holds while the completion request is in flight. It is
	// reported as idle but still refuses Start.
	StateAwaiting State = "awaiting"
	StateSpeaking State = "speaking"
)

const (
	EventStart  Event = "start"
	EventStop   Event = "stop"
	EventReply  Event = "reply"
	EventFail   Event = "fail"
	EventDone   Event = "done"
	EventCancel Event = "cancel"
)

// Transition returns the state reached from current on event.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateListening, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateListening:
		switch event {
		case EventStop:
			return StateAwaiting, nil
		case EventCancel, EventFail:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateAwaiting:
		switch event {
		case EventReply:
			return StateSpeaking, nil
		case EventFail, EventCancel:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateSpeaking:
		switch event {
		case EventDone:
			return StateIdle, nil
		case EventCancel:
			// Cancellation takes effect at the next chunk boundary.
			return StateSpeaking, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

// Observable maps internal states onto the three the UI shows.
func (s State) Observable() State {
	if s == StateAwaiting {
		return StateIdle
	}
	return s
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
