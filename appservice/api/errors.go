// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"fmt"
)

// AuthError is returned when a request from the homeserver does not carry
// the hs_token.
type AuthError struct {
	// Missing is true when no token was supplied at all.
	Missing bool
}

func (e *AuthError) Error() string {
	if e.Missing {
		return "missing access token"
	}
	return "unknown access token"
}

// SessionCreationError is returned when no session could be created for a
// user. It is never cached, so the next request retries.
type SessionCreationError struct {
	UserID string
	Err    error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("failed to create session for %s: %s", e.UserID, e.Err)
}

func (e *SessionCreationError) Unwrap() error {
	return e.Err
}

// RegistrationError is returned when a virtual user could not be registered.
type RegistrationError struct {
	Localpart string
	Err       error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register virtual user %q: %s", e.Localpart, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// DispatchError is returned by the event handler, or produced from a panic
// in it. One failing event does not stop the rest of the transaction.
type DispatchError struct {
	TxnID     string
	EventID   string
	EventType string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("handler failed for event %s (%s) in transaction %s: %s", e.EventID, e.EventType, e.TxnID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// MalformedRequestError is returned when a transaction body cannot be
// parsed. NotJSON separates invalid UTF-8 from JSON of the wrong shape.
type MalformedRequestError struct {
	NotJSON bool
	Reason  string
}

func (e *MalformedRequestError) Error() string {
	return "malformed transaction: " + e.Reason
}
