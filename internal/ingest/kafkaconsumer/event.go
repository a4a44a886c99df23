package kafkaconsumer

import (
	"time"

	"github.com/mohammed-shakir/hotkey-tracker/internal/ranking"
)

// Event is one key access published on the ingest topic.
type Event struct {
	ID     string    `json:"id,omitempty"`
	Key    string    `json:"key"`
	Origin string    `json:"origin,omitempty"`
	Port   uint32    `json:"port,omitempty"`
	TS     time.Time `json:"ts,omitzero"`
}

// Validate rejects events whose key or origin could not be written to a
// snapshot.
func (e Event) Validate() error {
	if err := ranking.ValidKey(e.Key); err != nil {
		return err
	}
	return ranking.ValidOrigin(e.Origin)
}
