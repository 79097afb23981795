// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package hsclient

import (
	"fmt"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"
	"maunium.net/go/mautrix"
)

// MatrixError is a structured error response from the homeserver.
type MatrixError struct {
	Code       spec.MatrixErrorCode `json:"errcode"`
	Message    string               `json:"error"`
	StatusCode int                  `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("homeserver returned %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsMatrixError reports whether err wraps a *MatrixError with the given code.
func IsMatrixError(err error, code spec.MatrixErrorCode) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

func asHTTPError(err error) (*mautrix.HTTPError, bool) {
	var ptr *mautrix.HTTPError
	if errors.As(err, &ptr) {
		return ptr, true
	}
	var val mautrix.HTTPError
	if errors.As(err, &val) {
		return &val, true
	}
	return nil, false
}

// fromMautrixError keeps transport failures as wrapped errors and turns
// every homeserver response into a *MatrixError. Responses without an
// errcode become M_UNKNOWN.
func fromMautrixError(operation string, err error) error {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return err
	}
	httpErr, ok := asHTTPError(err)
	if !ok || httpErr.Response == nil {
		return errors.Wrapf(err, "%s request to homeserver failed", operation)
	}

	matrixErr = &MatrixError{Code: spec.ErrorUnknown, StatusCode: httpErr.Response.StatusCode}
	if httpErr.RespError != nil && httpErr.RespError.ErrCode != "" {
		matrixErr.Code = spec.MatrixErrorCode(httpErr.RespError.ErrCode)
		matrixErr.Message = httpErr.RespError.Err
		return matrixErr
	}
	matrixErr.Message = http.StatusText(matrixErr.StatusCode)
	return matrixErr
}
