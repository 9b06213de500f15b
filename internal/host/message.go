package host

import (
	"encoding/json"
	"fmt"

	"github.com/caesar-terminal/depthbook/internal/book"
)

// CommandType discriminates caller commands.
type CommandType string

const (
	CommandConnect            CommandType = "CONNECT"
	CommandClose              CommandType = "CLOSE"
	CommandChangeSubscription CommandType = "CHANGE_SUBSCRIPTION"
)

// EventType discriminates host events.
type EventType string

const (
	EventConnected           EventType = "CONNECTED"
	EventClosed              EventType = "CLOSED"
	EventSubscriptionChanged EventType = "SUBSCRIPTION_CHANGED"
	EventUpdate              EventType = "UPDATE"
	EventConnectionError     EventType = "CONNECTION_ERROR"
	EventActionError         EventType = "ACTION_ERROR"
)

// ACTION_ERROR texts.
const (
	MsgAlreadyConnected      = "Already connected to a stream."
	MsgNotConnected          = "Not connected to a stream."
	MsgChangeNotConfirmed    = "Subscription change was not confirmed."
	MsgSubscriptionRequired  = "A subscription is required."
	msgUnknownCommandPattern = "Unknown command: %s"
)

// Command is a caller request. Value carries the subscription for CONNECT
// and CHANGE_SUBSCRIPTION.
type Command struct {
	Type  CommandType `json:"type"`
	Value string      `json:"value,omitempty"`
}

func Connect(subscription string) Command {
	return Command{Type: CommandConnect, Value: subscription}
}

func Close() Command {
	return Command{Type: CommandClose}
}

func ChangeSubscription(subscription string) Command {
	return Command{Type: CommandChangeSubscription, Value: subscription}
}

// Event is emitted by the host. Value is a string for every type except
// UPDATE, which carries a book.Snapshot, and CLOSED, which carries nothing.
type Event struct {
	Type  EventType `json:"type"`
	Value any       `json:"value,omitempty"`
}

// Text returns the string payload, or "" for UPDATE and CLOSED.
func (e Event) Text() string {
	s, _ := e.Value.(string)
	return s
}

// Snapshot returns the payload of an UPDATE event.
func (e Event) Snapshot() (book.Snapshot, bool) {
	snap, ok := e.Value.(book.Snapshot)
	return snap, ok
}

func (e Event) String() string {
	switch v := e.Value.(type) {
	case nil:
		return string(e.Type)
	case book.Snapshot:
		return fmt.Sprintf("%s(bids=%d asks=%d)", e.Type, len(v.Bids), len(v.Asks))
	default:
		return fmt.Sprintf("%s(%v)", e.Type, v)
	}
}

// UnmarshalJSON restores the typed payload so a decoded UPDATE carries a
// book.Snapshot rather than a generic map.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  EventType       `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Value = nil
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}

	if raw.Type == EventUpdate {
		var snap book.Snapshot
		if err := json.Unmarshal(raw.Value, &snap); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
		e.Value = snap
		return nil
	}

	var text string
	if err := json.Unmarshal(raw.Value, &text); err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}
	e.Value = text
	return nil
}

func connected(sub string) Event      { return Event{Type: EventConnected, Value: sub} }
func closed() Event                   { return Event{Type: EventClosed} }
func update(snap book.Snapshot) Event { return Event{Type: EventUpdate, Value: snap} }
func connectionError(msg string) Event {
	return Event{Type: EventConnectionError, Value: msg}
}

// SubscriptionChanged builds a SUBSCRIPTION_CHANGED event.
func SubscriptionChanged(sub string) Event {
	return Event{Type: EventSubscriptionChanged, Value: sub}
}

// ActionError builds an ACTION_ERROR event.
func ActionError(msg string) Event {
	return Event{Type: EventActionError, Value: msg}
}

// UnknownCommand builds the ACTION_ERROR reported for an unrecognised
// command type.
func UnknownCommand(t CommandType) Event {
	return ActionError(fmt.Sprintf(msgUnknownCommandPattern, t))
}
