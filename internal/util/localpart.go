// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"errors"
	"fmt"
)

var ErrEmptyLocalpart = errors.New("localpart must not be empty")

// ValidateLocalpart checks a user localpart against the grammar the
// homeserver accepts for new registrations: lowercase ASCII letters,
// digits and ._=-/+ only.
func ValidateLocalpart(localpart string) error {
	if localpart == "" {
		return ErrEmptyLocalpart
	}
	for i := 0; i < len(localpart); i++ {
		if !isLocalpartByte(localpart[i]) {
			return fmt.Errorf("localpart %q contains invalid character %q", localpart, localpart[i])
		}
	}
	return nil
}

func isLocalpartByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '.', '_', '=', '-', '/', '+':
		return true
	}
	return false
}
