// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/element-hq/asgateway/internal/hsclient"
	"github.com/sirupsen/logrus"
)

// logEvents is installed when the gateway runs on its own, with no
// application logic embedding it.
type logEvents struct {
	api.BaseEventHandler
}

func (l *logEvents) log(kind string, ev api.Event) {
	logrus.WithFields(logrus.Fields{
		"event_id":   ev.EventID(),
		"event_type": ev.Type(),
		"room_id":    ev.RoomID(),
		"sender":     ev.Sender(),
	}).Debugf("Received %s event", kind)
}

func (l *logEvents) OnRoomMember(_ context.Context, _ *hsclient.Session, ev api.Event) error {
	l.log("member", ev)
	return nil
}

func (l *logEvents) OnRoomMessage(_ context.Context, _ *hsclient.Session, ev api.Event) error {
	l.log("message", ev)
	return nil
}

func (l *logEvents) OnStateEvent(_ context.Context, _ *hsclient.Session, ev api.Event) error {
	l.log("state", ev)
	return nil
}

func (l *logEvents) OnTimelineEvent(_ context.Context, _ *hsclient.Session, ev api.Event) error {
	l.log("timeline", ev)
	return nil
}

func (l *logEvents) OnEphemeralEvent(_ context.Context, _ *hsclient.Session, ev api.Event) error {
	l.log("ephemeral", ev)
	return nil
}
