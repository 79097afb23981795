// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"

	"github.com/element-hq/asgateway/internal/hsclient"
)

const (
	MRoomMember  = "m.room.member"
	MRoomMessage = "m.room.message"
)

// EventHandler is the application logic the gateway dispatches pushed
// events to. Each method gets the sender bot session. Returning an error
// only marks that event as failed.
type EventHandler interface {
	OnRoomMember(ctx context.Context, session *hsclient.Session, ev Event) error
	OnRoomMessage(ctx context.Context, session *hsclient.Session, ev Event) error
	OnStateEvent(ctx context.Context, session *hsclient.Session, ev Event) error
	OnTimelineEvent(ctx context.Context, session *hsclient.Session, ev Event) error
	OnEphemeralEvent(ctx context.Context, session *hsclient.Session, ev Event) error
}

// BaseEventHandler ignores everything. Embed it to implement only the
// methods you need.
type BaseEventHandler struct{}

func (BaseEventHandler) OnRoomMember(context.Context, *hsclient.Session, Event) error    { return nil }
func (BaseEventHandler) OnRoomMessage(context.Context, *hsclient.Session, Event) error   { return nil }
func (BaseEventHandler) OnStateEvent(context.Context, *hsclient.Session, Event) error    { return nil }
func (BaseEventHandler) OnTimelineEvent(context.Context, *hsclient.Session, Event) error { return nil }
func (BaseEventHandler) OnEphemeralEvent(context.Context, *hsclient.Session, Event) error {
	return nil
}

// Dispatch calls the handler method matching the category of a timeline
// event.
func Dispatch(ctx context.Context, h EventHandler, session *hsclient.Session, ev Event) error {
	switch {
	case ev.Type() == MRoomMember:
		return h.OnRoomMember(ctx, session, ev)
	case ev.Type() == MRoomMessage:
		return h.OnRoomMessage(ctx, session, ev)
	case ev.StateKey() != nil:
		return h.OnStateEvent(ctx, session, ev)
	default:
		return h.OnTimelineEvent(ctx, session, ev)
	}
}
