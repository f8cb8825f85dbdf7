package events

import (
	"encoding/json"
	"time"

	"github.com/finmgr/balance-engine/balance"
)

// BalanceChangedMessage is the wire form of a committed balance change.
// Consumers get the new value and its origin; anything heavier (full
// account state, history) is fetched from the API on demand.
type BalanceChangedMessage struct {
	AccountID string    `json:"accountId"`
	Balance   string    `json:"balance"`
	Source    string    `json:"source"`
	ChangedAt time.Time `json:"changedAt"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBalanceChangedMessage converts a store change event to its wire form.
func NewBalanceChangedMessage(ev balance.ChangeEvent) *BalanceChangedMessage {
	return &BalanceChangedMessage{
		AccountID: string(ev.AccountID),
		Balance:   ev.Balance.String(),
		Source:    ev.Source.String(),
		ChangedAt: ev.At,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *BalanceChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// BalanceChangedMessageFromJSON creates a message from JSON bytes.
func BalanceChangedMessageFromJSON(data []byte) (*BalanceChangedMessage, error) {
	var msg BalanceChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
