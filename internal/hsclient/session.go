// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package hsclient

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Session acts as a single user. Requests carry the as_token and name the
// user with the user_id query parameter.
type Session struct {
	client *Client
	cli    *mautrix.Client
	userID string
}

func (s *Session) UserID() string {
	return s.userID
}

// WhoAmI returns the user ID the homeserver associates with this session.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	var userID string
	err := s.client.call(ctx, "whoami", func(ctx context.Context) error {
		resp, err := s.cli.Whoami(ctx)
		if err == nil {
			userID = resp.UserID.String()
		}
		return err
	})
	return userID, err
}

// JoinRoom joins a room by ID or alias and returns the room ID.
func (s *Session) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	var roomID string
	err := s.client.call(ctx, "join", func(ctx context.Context) error {
		resp, err := s.cli.JoinRoom(ctx, roomIDOrAlias, "", nil)
		if err == nil {
			roomID = resp.RoomID.String()
		}
		return err
	})
	return roomID, err
}

// SendEvent sends a timeline event and returns its event ID. A fresh
// transaction ID is used for each call.
func (s *Session) SendEvent(ctx context.Context, roomID, eventType string, content interface{}) (string, error) {
	var eventID string
	evtType := event.Type{Type: eventType, Class: event.MessageEventType}
	err := s.client.call(ctx, "send", func(ctx context.Context) error {
		resp, err := s.cli.SendMessageEvent(ctx, id.RoomID(roomID), evtType, content)
		if err == nil {
			eventID = resp.EventID.String()
		}
		return err
	})
	return eventID, err
}

// SendMessage sends a plain m.text message.
func (s *Session) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	return s.SendEvent(ctx, roomID, event.EventMessage.Type, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
}

// SendStateEvent sets a piece of room state and returns the event ID. The
// state key may be empty.
func (s *Session) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content interface{}) (string, error) {
	var eventID string
	evtType := event.Type{Type: eventType, Class: event.StateEventType}
	err := s.client.call(ctx, "state", func(ctx context.Context) error {
		resp, err := s.cli.SendStateEvent(ctx, id.RoomID(roomID), evtType, stateKey, content)
		if err == nil {
			eventID = resp.EventID.String()
		}
		return err
	})
	return eventID, err
}

// SetDisplayName sets the session user's global display name.
func (s *Session) SetDisplayName(ctx context.Context, displayName string) error {
	return s.client.call(ctx, "displayname", func(ctx context.Context) error {
		return s.cli.SetDisplayName(ctx, displayName)
	})
}
