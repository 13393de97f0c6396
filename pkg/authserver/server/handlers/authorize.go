// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/flow"
	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Query parameters sent to the consent page.
const (
	consentParamDomain   = "domain"
	consentParamReturnTo = "return_to"
)

// AuthorizeHandler handles GET and POST /{domain}/oauth/authorize.
//
// Errors found before the redirect target is validated are written as JSON
// to the user agent. Later errors are redirected to the client.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain")
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err, false)
		return
	}
	req, err := flow.ParseAuthorizationRequest(domainID, r.Form)
	if err != nil {
		writeError(w, r, err, false)
		return
	}

	user, err := h.users.ResolveUser(r)
	if err != nil {
		logger.ForDomain(domainID).Warn("failed to resolve end user", "error", err)
		user = nil
	}

	outcome, err := h.engine.Authorize(r.Context(), req, user)
	if err != nil {
		h.rejectAuthorization(w, r, err)
		return
	}

	switch outcome.State {
	case flow.StateResponseIssued:
		target, err := outcome.Response.URL()
		if err != nil {
			writeError(w, r, oautherrors.NewServerError("failed to build authorization response", err), false)
			return
		}
		setNoStore(w)
		http.Redirect(w, r, target, http.StatusFound)
	case flow.StateClientValidated:
		if h.consentPageURL == "" {
			h.rejectAuthorization(w, r, outcome.Reject(
				oautherrors.NewConsentRequiredError("the end user has not approved the requested scopes", nil)))
			return
		}
		target, err := h.consentRedirect(r, domainID, req.ClientID, outcome.PendingScopes)
		if err != nil {
			writeError(w, r, oautherrors.NewServerError("failed to build consent redirect", err), false)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	default:
		writeError(w, r, oautherrors.NewServerError("unexpected authorization state "+outcome.State.String(), nil), false)
	}
}

// rejectAuthorization redirects err to the client when its redirect target
// was validated and writes it to the user agent otherwise.
func (*Handler) rejectAuthorization(w http.ResponseWriter, r *http.Request, err error) {
	var rej *flow.Rejection
	if errors.As(err, &rej) {
		if target, ok := rej.RedirectURL(); ok {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		err = rej.Err
	}
	writeError(w, r, err, false)
}

// consentRedirect sends the user to the consent page with the pending scopes
// and a relative URL that resumes this authorization request.
func (h *Handler) consentRedirect(r *http.Request, domainID, clientID string, pending []string) (string, error) {
	u, err := url.Parse(h.consentPageURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(consentParamDomain, domainID)
	q.Set(oauth.ParamClientID, clientID)
	q.Set(oauth.ParamScope, strings.Join(pending, " "))
	q.Set(consentParamReturnTo, r.URL.Path+"?"+r.Form.Encode())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
