// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
)

// TransactionBuilder builds transaction bodies as the homeserver would push
// them.
type TransactionBuilder struct {
	t         *testing.T
	body      string
	count     int
	ephemeral int
}

func NewTransaction(t *testing.T) *TransactionBuilder {
	t.Helper()
	return &TransactionBuilder{t: t, body: `{"events":[]}`}
}

func (b *TransactionBuilder) set(path string, value interface{}) {
	b.t.Helper()
	var err error
	b.body, err = sjson.Set(b.body, path, value)
	require.NoError(b.t, err)
}

func (b *TransactionBuilder) setRaw(path, raw string) {
	b.t.Helper()
	var err error
	b.body, err = sjson.SetRaw(b.body, path, raw)
	require.NoError(b.t, err)
}

// Event appends a timeline event with the given type and content. The
// event ID is derived from its position.
func (b *TransactionBuilder) Event(eventType, roomID, sender string, content map[string]interface{}) *TransactionBuilder {
	b.t.Helper()
	prefix := fmt.Sprintf("events.%d", b.count)
	b.set(prefix+".type", eventType)
	b.set(prefix+".room_id", roomID)
	b.set(prefix+".sender", sender)
	b.set(prefix+".event_id", fmt.Sprintf("$%d:%s", b.count, ServerName))
	b.set(prefix+".origin_server_ts", 1700000000000+int64(b.count))
	if content == nil {
		content = map[string]interface{}{}
	}
	b.set(prefix+".content", content)
	b.count++
	return b
}

// StateEvent appends a state event.
func (b *TransactionBuilder) StateEvent(eventType, roomID, sender, stateKey string, content map[string]interface{}) *TransactionBuilder {
	b.t.Helper()
	b.Event(eventType, roomID, sender, content)
	b.set(fmt.Sprintf("events.%d.state_key", b.count-1), stateKey)
	return b
}

// Member appends an m.room.member event for stateKey.
func (b *TransactionBuilder) Member(roomID, sender, stateKey, membership string) *TransactionBuilder {
	b.t.Helper()
	return b.StateEvent("m.room.member", roomID, sender, stateKey, map[string]interface{}{"membership": membership})
}

// Message appends an m.room.message m.text event.
func (b *TransactionBuilder) Message(roomID, sender, text string) *TransactionBuilder {
	b.t.Helper()
	return b.Event("m.room.message", roomID, sender, map[string]interface{}{"msgtype": "m.text", "body": text})
}

// Ephemeral appends an ephemeral event (typing, receipts, presence).
func (b *TransactionBuilder) Ephemeral(eventType, roomID string, content map[string]interface{}) *TransactionBuilder {
	b.t.Helper()
	prefix := fmt.Sprintf("ephemeral.%d", b.ephemeral)
	if b.ephemeral == 0 {
		b.setRaw("ephemeral", "[]")
	}
	b.set(prefix+".type", eventType)
	b.set(prefix+".room_id", roomID)
	if content == nil {
		content = map[string]interface{}{}
	}
	b.set(prefix+".content", content)
	b.ephemeral++
	return b
}

func (b *TransactionBuilder) JSON() []byte {
	return []byte(b.body)
}
