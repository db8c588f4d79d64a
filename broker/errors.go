package broker

import (
	"errors"
	"net/http"
)

// OAuth error codes surfaced by the broker.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidClient  = "invalid_client"
	CodeInvalidGrant   = "invalid_grant"
	CodeAccessDenied   = "access_denied"
	CodeServerError    = "server_error"
)

// Error is an OAuth error returned by a broker transition. Its Description is
// safe to show to the caller.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`

	status int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// HTTPStatus maps the error to the status used for JSON error responses.
func (e *Error) HTTPStatus() int {
	if e.status != 0 {
		return e.status
	}
	if e.Code == CodeServerError {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// AsError extracts a broker *Error from err. Errors of any other kind are
// reported as a generic server_error so internal detail never leaks.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return serverError()
}

func invalidRequest(desc string) *Error { return &Error{Code: CodeInvalidRequest, Description: desc} }
func invalidClient(desc string) *Error  { return &Error{Code: CodeInvalidClient, Description: desc} }
func invalidGrant(desc string) *Error   { return &Error{Code: CodeInvalidGrant, Description: desc} }
func accessDenied(desc string) *Error   { return &Error{Code: CodeAccessDenied, Description: desc} }

func serverError() *Error {
	return &Error{Code: CodeServerError, Description: "An unexpected error occurred"}
}
