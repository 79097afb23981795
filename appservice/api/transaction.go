// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Transaction is a batch of events pushed by the homeserver.
type Transaction struct {
	TxnID  string
	Events []Event
	// Ephemeral events (typing, receipts, presence), if the homeserver
	// sends them.
	Ephemeral []Event
}

// Event is a single event as received. Fields are read from the raw JSON
// on demand.
type Event struct {
	raw []byte
}

// NewEvent wraps raw event JSON.
func NewEvent(raw []byte) Event {
	return Event{raw: raw}
}

func (e Event) get(path string) gjson.Result {
	return gjson.GetBytes(e.raw, path)
}

func (e Event) Type() string    { return e.get("type").Str }
func (e Event) RoomID() string  { return e.get("room_id").Str }
func (e Event) Sender() string  { return e.get("sender").Str }
func (e Event) EventID() string { return e.get("event_id").Str }

// StateKey returns nil for timeline events.
func (e Event) StateKey() *string {
	res := e.get("state_key")
	if !res.Exists() || res.Type != gjson.String {
		return nil
	}
	stateKey := res.Str
	return &stateKey
}

// Content returns the content object of the event.
func (e Event) Content() gjson.Result {
	return e.get("content")
}

// Membership returns content.membership for member events.
func (e Event) Membership() string {
	return e.get("content.membership").Str
}

// JSON returns the event exactly as it was received.
func (e Event) JSON() json.RawMessage {
	return e.raw
}

// ParseTransaction validates a transaction body. The body must be UTF-8
// JSON with an "events" array of objects.
func ParseTransaction(txnID string, body []byte) (*Transaction, error) {
	if !utf8.Valid(body) {
		return nil, &MalformedRequestError{NotJSON: true, Reason: "body contains invalid UTF-8"}
	}
	if !gjson.ValidBytes(body) {
		return nil, &MalformedRequestError{NotJSON: true, Reason: "body is not valid JSON"}
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, &MalformedRequestError{Reason: "body is not a JSON object"}
	}

	events, err := parseEvents(root.Get("events"), true)
	if err != nil {
		return nil, err
	}
	ephemeralField := root.Get("ephemeral")
	if !ephemeralField.Exists() {
		ephemeralField = root.Get(`de\.sorunome\.msc2409\.ephemeral`)
	}
	ephemeral, err := parseEvents(ephemeralField, false)
	if err != nil {
		return nil, err
	}

	return &Transaction{
		TxnID:     txnID,
		Events:    events,
		Ephemeral: ephemeral,
	}, nil
}

func parseEvents(field gjson.Result, required bool) ([]Event, error) {
	if !field.Exists() {
		if required {
			return nil, &MalformedRequestError{Reason: `missing "events" array`}
		}
		return nil, nil
	}
	if !field.IsArray() {
		return nil, &MalformedRequestError{Reason: "events must be an array"}
	}
	items := field.Array()
	events := make([]Event, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			return nil, &MalformedRequestError{Reason: "every event must be a JSON object"}
		}
		events = append(events, NewEvent([]byte(item.Raw)))
	}
	return events, nil
}
