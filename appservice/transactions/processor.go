// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package transactions processes the transactions the homeserver pushes:
// authenticate, deduplicate, dispatch in order, acknowledge.
package transactions

import (
	"context"
	"fmt"

	"github.com/element-hq/asgateway/appservice/api"
	"github.com/element-hq/asgateway/appservice/auth"
	"github.com/element-hq/asgateway/appservice/storage"
	"github.com/element-hq/asgateway/internal/hsclient"
	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/util"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// State is where a transaction ended up.
type State int

const (
	Received State = iota
	Authenticated
	Deduped
	Dispatching
	Acknowledged
	Rejected
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Authenticated:
		return "authenticated"
	case Deduped:
		return "deduped"
	case Dispatching:
		return "dispatching"
	case Acknowledged:
		return "acknowledged"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	transactionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asgateway",
			Subsystem: "transactions",
			Name:      "processed_total",
			Help:      "Transactions pushed by the homeserver, by outcome",
		},
		[]string{"outcome"},
	)
	eventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "asgateway",
			Subsystem: "transactions",
			Name:      "events_dispatched_total",
			Help:      "Events handed to the event handler, by category",
		},
		[]string{"category"},
	)
	dispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "asgateway",
			Subsystem: "transactions",
			Name:      "dispatch_failures_total",
			Help:      "Events the event handler failed on or panicked on",
		},
	)
)

// SenderSessions gives the processor the bot session handlers act with.
type SenderSessions interface {
	Sender() *hsclient.Session
}

type handlerBox struct {
	handler api.EventHandler
}

// Processor runs each pushed transaction through the state machine. It is
// safe for concurrent use.
type Processor struct {
	appserviceID string
	auth         *auth.Authenticator
	store        storage.Database
	sessions     SenderSessions
	handler      atomic.Pointer[handlerBox]
}

func NewProcessor(appserviceID string, authenticator *auth.Authenticator, store storage.Database, sessions SenderSessions) *Processor {
	return &Processor{
		appserviceID: appserviceID,
		auth:         authenticator,
		store:        store,
		sessions:     sessions,
	}
}

// SetEventHandler replaces the event handler. Transactions already being
// dispatched finish with the handler they started with.
func (p *Processor) SetEventHandler(h api.EventHandler) {
	if h == nil {
		p.handler.Store(nil)
		return
	}
	p.handler.Store(&handlerBox{handler: h})
}

// EventHandler returns the current handler, or nil.
func (p *Processor) EventHandler() api.EventHandler {
	if box := p.handler.Load(); box != nil {
		return box.handler
	}
	return nil
}

// Process handles one push. It returns *api.AuthError for a bad token and
// *api.MalformedRequestError for a body that cannot be parsed; neither
// records the transaction ID. Redelivered IDs are acknowledged without
// being dispatched again. Handler failures do not fail the transaction.
func (p *Processor) Process(ctx context.Context, token *string, txnID string, body []byte) (State, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "transactions.Process")
	defer span.Finish()
	span.SetTag("txn_id", txnID)

	logger := util.GetLogger(ctx).WithField("txn_id", txnID)

	if err := p.auth.Check(token); err != nil {
		transactionsProcessed.WithLabelValues("unauthorized").Inc()
		return Rejected, err
	}

	if txnID == "" {
		transactionsProcessed.WithLabelValues("malformed").Inc()
		return Rejected, &api.MalformedRequestError{Reason: "empty transaction ID"}
	}
	txn, err := api.ParseTransaction(txnID, body)
	if err != nil {
		transactionsProcessed.WithLabelValues("malformed").Inc()
		logger.WithError(err).Warn("Rejecting malformed transaction")
		return Rejected, err
	}

	isNew, err := p.store.MarkTransactionSeen(ctx, p.appserviceID, txnID)
	if err != nil {
		transactionsProcessed.WithLabelValues("error").Inc()
		ext.Error.Set(span, true)
		logger.WithError(err).Error("Failed to record transaction ID")
		sentry.CaptureException(err)
		return Rejected, errors.Wrap(err, "failed to record transaction ID")
	}
	if !isNew {
		transactionsProcessed.WithLabelValues("duplicate").Inc()
		logger.Debug("Ignoring already processed transaction")
		return Acknowledged, nil
	}

	handler := p.EventHandler()
	if handler == nil {
		transactionsProcessed.WithLabelValues("no_handler").Inc()
		logger.WithField("events", len(txn.Events)).Debug("No event handler registered, dropping events")
		return Acknowledged, nil
	}

	failures := p.dispatch(ctx, logger, handler, txn)
	span.SetTag("failures", failures)
	transactionsProcessed.WithLabelValues("processed").Inc()
	logger.WithFields(logrus.Fields{
		"events":    len(txn.Events),
		"ephemeral": len(txn.Ephemeral),
		"failures":  failures,
	}).Debug("Processed transaction")
	return Acknowledged, nil
}

// dispatch hands every event to h in order, then the ephemeral events. It
// returns the number of events that failed.
func (p *Processor) dispatch(ctx context.Context, logger *logrus.Entry, h api.EventHandler, txn *api.Transaction) (failures int) {
	session := p.sessions.Sender()
	for _, ev := range txn.Events {
		if err := p.dispatchOne(ctx, h, session, txn.TxnID, ev, false); err != nil {
			failures++
			reportDispatchError(logger, ev, err)
		}
	}
	for _, ev := range txn.Ephemeral {
		if err := p.dispatchOne(ctx, h, session, txn.TxnID, ev, true); err != nil {
			failures++
			reportDispatchError(logger, ev, err)
		}
	}
	return failures
}

func (p *Processor) dispatchOne(
	ctx context.Context, h api.EventHandler, session *hsclient.Session, txnID string, ev api.Event, ephemeral bool,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
		if err != nil {
			dispatchFailures.Inc()
			err = &api.DispatchError{TxnID: txnID, EventID: ev.EventID(), EventType: ev.Type(), Err: err}
		}
	}()
	if ephemeral {
		eventsDispatched.WithLabelValues("ephemeral").Inc()
		return h.OnEphemeralEvent(ctx, session, ev)
	}
	eventsDispatched.WithLabelValues(category(ev)).Inc()
	return api.Dispatch(ctx, h, session, ev)
}

func category(ev api.Event) string {
	switch {
	case ev.Type() == api.MRoomMember:
		return "member"
	case ev.Type() == api.MRoomMessage:
		return "message"
	case ev.StateKey() != nil:
		return "state"
	default:
		return "timeline"
	}
}

func reportDispatchError(logger *logrus.Entry, ev api.Event, err error) {
	logger.WithError(err).WithFields(logrus.Fields{
		"event_id":   ev.EventID(),
		"event_type": ev.Type(),
		"room_id":    ev.RoomID(),
	}).Error("Event handler failed")
	sentry.CaptureException(err)
}
