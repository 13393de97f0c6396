// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"net/url"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// Rejection is a failed authorization. When RedirectURI is set it has been
// validated against the client registration and the error may be sent to it.
type Rejection struct {
	Err          error
	RedirectURI  string
	State        string
	ResponseMode string
}

// Error implements error.
func (r *Rejection) Error() string { return r.Err.Error() }

// Unwrap returns the protocol error.
func (r *Rejection) Unwrap() error { return r.Err }

// RedirectURL returns the error redirect, or false when the error must be
// shown to the user agent directly.
func (r *Rejection) RedirectURL() (string, bool) {
	if r.RedirectURI == "" {
		return "", false
	}
	e := oautherrors.FromError(r.Err)
	params := url.Values{"error": {e.Code}}
	if e.Message != "" {
		params.Set("error_description", e.Message)
	}
	if r.State != "" {
		params.Set(oauth.ParamState, r.State)
	}
	u, err := oauth.BuildRedirect(r.RedirectURI, r.ResponseMode, params)
	if err != nil {
		return "", false
	}
	return u, true
}

// direct is a rejection that must not be redirected.
func direct(err error) *Rejection {
	return &Rejection{Err: err}
}
