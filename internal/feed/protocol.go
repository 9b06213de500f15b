package feed

import (
	"encoding/json"
	"time"
)

// Defaults for the Crypto Facilities book feed.
const (
	DefaultURL      = "wss://www.cryptofacilities.com/ws/v1"
	BookUIFeed      = "book_ui_1"
	DefaultSettle   = 1000 * time.Millisecond
	DefaultThrottle = 500 * time.Millisecond
)

// Inbound event values.
const (
	EventSubscribed = "subscribed"
	EventAlert      = "alert"
)

const (
	eventSubscribe   = "subscribe"
	eventUnsubscribe = "unsubscribe"
)

// Messages surfaced through Handler.OnError.
const (
	DefaultErrorMessage    = "An error occurred"
	ConnectionErrorMessage = "A connection error occurred"
)

// Message is an inbound protocol message. Every field is optional; Bids and
// Asks are nil when absent and non-nil (possibly empty) when present.
type Message struct {
	Feed       string       `json:"feed"`
	Event      string       `json:"event"`
	Message    string       `json:"message"`
	ProductID  string       `json:"product_id"`
	ProductIDs []string     `json:"product_ids"`
	Bids       [][2]float64 `json:"bids"`
	Asks       [][2]float64 `json:"asks"`
}

// HasLevels reports whether the message carries book levels on either side.
func (m Message) HasLevels() bool {
	return m.Bids != nil || m.Asks != nil
}

// ParseMessage decodes a raw text frame.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// command is the outbound subscribe/unsubscribe envelope.
type command struct {
	Event      string   `json:"event"`
	Feed       string   `json:"feed"`
	ProductIDs []string `json:"product_ids"`
}

func encodeCommand(event, feed, subscription string) []byte {
	msg, _ := json.Marshal(command{
		Event:      event,
		Feed:       feed,
		ProductIDs: []string{subscription},
	})
	return msg
}
