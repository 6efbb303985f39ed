package models

import (
	"fmt"
	"strconv"
)

// EventType is the kind of write that happened in the system of record.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is a write-side notification from the system of record.
type ChangeEvent struct {
	Table     string         `json:"table"`
	EventType EventType      `json:"event_type"`
	OldRecord map[string]any `json:"old_record,omitempty"`
	NewRecord map[string]any `json:"new_record,omitempty"`
}

// Field returns a string field from the new record, falling back to the
// old record (deletes carry only the old row).
func (e ChangeEvent) Field(names ...string) string {
	for _, rec := range []map[string]any{e.NewRecord, e.OldRecord} {
		if rec == nil {
			continue
		}
		for _, name := range names {
			if v, ok := rec[name]; ok {
				if s := stringify(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}
