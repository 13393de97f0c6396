// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the OAuth 2.0 error taxonomy shared by the
// authorization engine. Every protocol failure is an *Error carrying its
// kind, HTTP status, OAuth error code and a client-safe message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of protocol failure.
type Kind string

// Error kinds
const (
	// KindInvalidRequest is a malformed, missing or duplicated parameter.
	KindInvalidRequest Kind = "InvalidRequest"

	// KindInvalidClient is an unknown or unauthenticated client.
	KindInvalidClient Kind = "InvalidClient"

	// KindInvalidGrant is a bad code, verifier or refresh token.
	KindInvalidGrant Kind = "InvalidGrant"

	// KindInvalidScope is a scope outside the client's registration.
	KindInvalidScope Kind = "InvalidScope"

	// KindInvalidTarget is an unacceptable resource indicator (RFC 8707).
	KindInvalidTarget Kind = "InvalidTarget"

	// KindUnauthorizedClient is a grant or response type the client may not use.
	KindUnauthorizedClient Kind = "UnauthorizedClient"

	// KindAccessDenied is a resource owner refusal.
	KindAccessDenied Kind = "AccessDenied"

	// KindInvalidToken is a resource access failure caused by the token.
	KindInvalidToken Kind = "InvalidToken"

	// KindInsufficientScope is a token lacking the scope a resource needs.
	KindInsufficientScope Kind = "InsufficientScope"

	// KindUnsupportedGrantType is a grant type no strategy handles.
	KindUnsupportedGrantType Kind = "UnsupportedGrantType"

	// KindUnsupportedResponseType is a response type no flow handles.
	KindUnsupportedResponseType Kind = "UnsupportedResponseType"

	// KindInvalidClientMetadata is unusable client metadata, such as an unreachable JWKS.
	KindInvalidClientMetadata Kind = "InvalidClientMetadata"

	// KindLoginRequired means the authorize endpoint has no authenticated user.
	KindLoginRequired Kind = "LoginRequired"

	// KindConsentRequired means consent is needed and cannot be prompted for.
	KindConsentRequired Kind = "ConsentRequired"

	// KindServerError is an unexpected failure.
	KindServerError Kind = "ServerError"

	// KindTemporarilyUnavailable is a retryable condition, such as keys not loaded yet.
	KindTemporarilyUnavailable Kind = "TemporarilyUnavailable"
)

type kindInfo struct {
	status int
	code   string
}

var kinds = map[Kind]kindInfo{
	KindInvalidRequest:          {http.StatusBadRequest, "invalid_request"},
	KindInvalidClient:           {http.StatusUnauthorized, "invalid_client"},
	KindInvalidGrant:            {http.StatusBadRequest, "invalid_grant"},
	KindInvalidScope:            {http.StatusBadRequest, "invalid_scope"},
	KindInvalidTarget:           {http.StatusBadRequest, "invalid_target"},
	KindUnauthorizedClient:      {http.StatusForbidden, "unauthorized_client"},
	KindAccessDenied:            {http.StatusForbidden, "access_denied"},
	KindInvalidToken:            {http.StatusUnauthorized, "invalid_token"},
	KindInsufficientScope:       {http.StatusForbidden, "insufficient_scope"},
	KindUnsupportedGrantType:    {http.StatusBadRequest, "unsupported_grant_type"},
	KindUnsupportedResponseType: {http.StatusBadRequest, "unsupported_response_type"},
	KindInvalidClientMetadata:   {http.StatusBadRequest, "invalid_client_metadata"},
	KindLoginRequired:           {http.StatusBadRequest, "login_required"},
	KindConsentRequired:         {http.StatusBadRequest, "consent_required"},
	KindServerError:             {http.StatusInternalServerError, "server_error"},
	KindTemporarilyUnavailable:  {http.StatusServiceUnavailable, "temporarily_unavailable"},
}

// Error is a protocol error.
type Error struct {
	// Kind is the error class
	Kind Kind

	// Status is the HTTP status code
	Status int

	// Code is the OAuth error code sent as "error"
	Code string

	// Message is the client-safe description sent as "error_description"
	Message string

	// Cause is the underlying error. It is never sent to clients.
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// NewError creates a new error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	info, ok := kinds[kind]
	if !ok {
		info = kinds[KindServerError]
	}
	return &Error{
		Kind:    kind,
		Status:  info.status,
		Code:    info.code,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(KindInvalidRequest, message, cause)
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(KindInvalidClient, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(KindInvalidGrant, message, cause)
}

// NewInvalidScopeError creates a new invalid scope error
func NewInvalidScopeError(message string, cause error) *Error {
	return NewError(KindInvalidScope, message, cause)
}

// NewInvalidTargetError creates a new invalid target error
func NewInvalidTargetError(message string, cause error) *Error {
	return NewError(KindInvalidTarget, message, cause)
}

// NewUnauthorizedClientError creates a new unauthorized client error
func NewUnauthorizedClientError(message string, cause error) *Error {
	return NewError(KindUnauthorizedClient, message, cause)
}

// NewAccessDeniedError creates a new access denied error
func NewAccessDeniedError(message string, cause error) *Error {
	return NewError(KindAccessDenied, message, cause)
}

// NewInvalidTokenError creates a new invalid token error
func NewInvalidTokenError(message string, cause error) *Error {
	return NewError(KindInvalidToken, message, cause)
}

// NewInsufficientScopeError creates a new insufficient scope error
func NewInsufficientScopeError(message string, cause error) *Error {
	return NewError(KindInsufficientScope, message, cause)
}

// NewUnsupportedGrantTypeError creates a new unsupported grant type error
func NewUnsupportedGrantTypeError(message string, cause error) *Error {
	return NewError(KindUnsupportedGrantType, message, cause)
}

// NewUnsupportedResponseTypeError creates a new unsupported response type error
func NewUnsupportedResponseTypeError(message string, cause error) *Error {
	return NewError(KindUnsupportedResponseType, message, cause)
}

// NewInvalidClientMetadataError creates a new invalid client metadata error
func NewInvalidClientMetadataError(message string, cause error) *Error {
	return NewError(KindInvalidClientMetadata, message, cause)
}

// NewLoginRequiredError creates a new login required error
func NewLoginRequiredError(message string, cause error) *Error {
	return NewError(KindLoginRequired, message, cause)
}

// NewConsentRequiredError creates a new consent required error
func NewConsentRequiredError(message string, cause error) *Error {
	return NewError(KindConsentRequired, message, cause)
}

// NewServerError creates a new server error
func NewServerError(message string, cause error) *Error {
	return NewError(KindServerError, message, cause)
}

// NewTemporarilyUnavailableError creates a new temporarily unavailable error
func NewTemporarilyUnavailableError(message string, cause error) *Error {
	return NewError(KindTemporarilyUnavailable, message, cause)
}

// FromError returns err as an *Error. Errors outside the taxonomy become a
// ServerError whose message carries no internal detail.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewServerError("internal server error", err)
}

// KindOf returns the kind of err, or the empty kind for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func isKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	return isKind(err, KindInvalidRequest)
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	return isKind(err, KindInvalidClient)
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return isKind(err, KindInvalidGrant)
}

// IsInvalidScope checks if the error is an invalid scope error
func IsInvalidScope(err error) bool {
	return isKind(err, KindInvalidScope)
}

// IsUnauthorizedClient checks if the error is an unauthorized client error
func IsUnauthorizedClient(err error) bool {
	return isKind(err, KindUnauthorizedClient)
}

// IsAccessDenied checks if the error is an access denied error
func IsAccessDenied(err error) bool {
	return isKind(err, KindAccessDenied)
}

// IsUnsupportedGrantType checks if the error is an unsupported grant type error
func IsUnsupportedGrantType(err error) bool {
	return isKind(err, KindUnsupportedGrantType)
}

// IsUnsupportedResponseType checks if the error is an unsupported response type error
func IsUnsupportedResponseType(err error) bool {
	return isKind(err, KindUnsupportedResponseType)
}

// IsInvalidClientMetadata checks if the error is an invalid client metadata error
func IsInvalidClientMetadata(err error) bool {
	return isKind(err, KindInvalidClientMetadata)
}

// IsServerError checks if the error is a server error
func IsServerError(err error) bool {
	return isKind(err, KindServerError)
}

// IsTemporarilyUnavailable checks if the error is a temporarily unavailable error
func IsTemporarilyUnavailable(err error) bool {
	return isKind(err, KindTemporarilyUnavailable)
}
