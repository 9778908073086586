// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

// StatusFor maps an engine error to an HTTP status code
func StatusFor(err error) int {
	var reply *session.ReplyError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrUnknownDevice), errors.Is(err, exlink.ErrInvalidIdentifier):
		return http.StatusNotFound
	case errors.Is(err, exlink.ErrOutOfRange), errors.Is(err, exlink.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrTransportUnavailable), errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNoResponse), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrNotAcknowledged), errors.As(err, &reply):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
