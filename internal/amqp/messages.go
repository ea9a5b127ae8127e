package amqp

import (
	"encoding/json"
	"time"
)

// SyncStatusMessage is published after every finished sync pass so other
// processes can follow the ledger's sync health without polling it.
type SyncStatusMessage struct {
	Namespace      string     `json:"namespace"`
	Online         bool       `json:"online"`
	PendingChanges int        `json:"pending_changes"`
	FailedChanges  int        `json:"failed_changes"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// NewSyncStatusMessage stamps a status snapshot with the current time.
func NewSyncStatusMessage(namespace string, online bool, pending, failed int, lastSync *time.Time, lastErr string) *SyncStatusMessage {
	return &SyncStatusMessage{
		Namespace:      namespace,
		Online:         online,
		PendingChanges: pending,
		FailedChanges:  failed,
		LastSyncAt:     lastSync,
		LastError:      lastErr,
		Timestamp:      time.Now(),
	}
}

func (m *SyncStatusMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SyncStatusMessageFromJSON(data []byte) (*SyncStatusMessage, error) {
	var msg SyncStatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
