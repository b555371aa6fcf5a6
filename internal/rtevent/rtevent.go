// Package rtevent defines the tagged row-change events carried by the
// broadcast stream. Payloads are parsed and validated at the boundary so
// the rest of the code never touches loosely-shaped maps.
package rtevent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the event variants.
type Kind string

const (
	RowInserted Kind = "INSERT"
	RowUpdated  Kind = "UPDATE"
	RowDeleted  Kind = "DELETE"
)

// Event is a committed row change. Key is the row's filter key rendered
// as a string (canvas id, game id, player id). Old is only present for
// updates and deletes, New for inserts and updates.
type Event struct {
	Kind  Kind            `json:"kind"`
	Table string          `json:"table"`
	Key   string          `json:"key"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

func (e Event) Validate() error {
	switch e.Kind {
	case RowInserted, RowUpdated:
		if len(e.New) == 0 {
			return fmt.Errorf("%s event without new row", e.Kind)
		}
	case RowDeleted:
		if len(e.Old) == 0 {
			return fmt.Errorf("%s event without old row", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", string(e.Kind))
	}
	if strings.TrimSpace(e.Table) == "" {
		return fmt.Errorf("event without table")
	}
	return nil
}

// DecodeNew unmarshals the new row into dst.
func (e Event) DecodeNew(dst any) error {
	if len(e.New) == 0 {
		return fmt.Errorf("event has no new row")
	}
	return json.Unmarshal(e.New, dst)
}

// DecodeOld unmarshals the old row into dst.
func (e Event) DecodeOld(dst any) error {
	if len(e.Old) == 0 {
		return fmt.Errorf("event has no old row")
	}
	return json.Unmarshal(e.Old, dst)
}

// Inserted builds an insert event from a row value.
func Inserted(table, key string, row any) (Event, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return Event{Kind: RowInserted, Table: table, Key: key, New: raw}, nil
}

// Updated builds an update event. old may be nil when the previous row
// value is not known to the writer.
func Updated(table, key string, old, row any) (Event, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	ev := Event{Kind: RowUpdated, Table: table, Key: key, New: raw}
	if old != nil {
		prev, err := json.Marshal(old)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s old row: %w", table, err)
		}
		ev.Old = prev
	}
	return ev, nil
}

// Parse decodes a wire payload and validates it.
func Parse(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Encode renders the event for the wire.
func (e Event) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}
