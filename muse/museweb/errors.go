// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package museweb

import (
	"errors"
	"fmt"
	"net/http"

	"storj.io/muse/muse/songscore"
	"storj.io/muse/muse/submission"
	"storj.io/muse/muse/uploads"
)

// ErrorResponse is a struct for error responses that also implements the error interface.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

var (
	// ErrBadRequest is returned when the request is malformed.
	ErrBadRequest = &ErrorResponse{StatusCode: http.StatusBadRequest, Message: "bad request"}

	// ErrNotFound is returned when the requested resource is not found.
	ErrNotFound = &ErrorResponse{StatusCode: http.StatusNotFound, Message: "not found"}

	// ErrAuthorizationFailed is returned when the request is not authorized.
	ErrAuthorizationFailed = &ErrorResponse{StatusCode: http.StatusUnauthorized, Message: "authorization failed"}

	// ErrBadGateway is returned when song or score could not serve the request.
	ErrBadGateway = &ErrorResponse{StatusCode: http.StatusBadGateway, Message: "upstream request failed"}

	// ErrUnavailable is returned while the server is shutting down.
	ErrUnavailable = &ErrorResponse{StatusCode: http.StatusServiceUnavailable, Message: "service unavailable"}

	// ErrInternalError is returned when an internal error occurs.
	ErrInternalError = &ErrorResponse{StatusCode: http.StatusInternalServerError, Message: "internal error"}
)

// badRequest returns an ErrBadRequest carrying message.
func badRequest(format string, args ...any) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf(format, args...),
	}
}

// toResponse maps errors of the lower layers to an error response.
func toResponse(err error) *ErrorResponse {
	var e *ErrorResponse
	switch {
	case errors.As(err, &e):
		return e
	case submission.ErrInvalidRequest.Has(err):
		return badRequest("%v", err)
	case submission.ErrClosed.Has(err):
		return ErrUnavailable
	case uploads.ErrNotFound.Has(err):
		return ErrNotFound
	case songscore.ErrRemoteRejection.Has(err), songscore.ErrTransport.Has(err), songscore.ErrDecode.Has(err),
		songscore.ErrPrecondition.Has(err):
		return ErrBadGateway
	default:
		return ErrInternalError
	}
}
