// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// Consent form parameters.
const (
	consentParamApprove = "approve"
	consentParamDeny    = "deny"
)

// ConsentHandler handles POST /{domain}/oauth/consent. The consent page posts
// the end user's decisions here: space separated "approve" and "deny" scope
// lists for client_id. A return_to pointing at this domain's authorization
// endpoint resumes the request with 303 See Other.
func (h *Handler) ConsentHandler(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain")
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err, false)
		return
	}
	user, err := h.users.ResolveUser(r)
	if err != nil || user == nil {
		writeError(w, r, oautherrors.NewLoginRequiredError("the end user is not authenticated", err), false)
		return
	}
	clientID := r.PostForm.Get(oauth.ParamClientID)
	if clientID == "" {
		writeError(w, r, oautherrors.NewInvalidRequestError("client_id is required", nil), false)
		return
	}

	returnTo := r.PostForm.Get(consentParamReturnTo)
	if returnTo != "" && !isAuthorizeURL(returnTo, domainID) {
		writeError(w, r, oautherrors.NewInvalidRequestError("return_to must be this domain's authorization endpoint", nil), false)
		return
	}

	decisions := map[string]bool{}
	for _, s := range oauth.ParseScope(r.PostForm.Get(consentParamApprove)) {
		decisions[s] = true
	}
	for _, s := range oauth.ParseScope(r.PostForm.Get(consentParamDeny)) {
		decisions[s] = false
	}
	if len(decisions) == 0 {
		writeError(w, r, oautherrors.NewInvalidRequestError("no scope decisions were submitted", nil), false)
		return
	}

	if err := h.engine.Approve(r.Context(), domainID, user.Subject, clientID, decisions); err != nil {
		writeError(w, r, err, false)
		return
	}
	if returnTo == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

// isAuthorizeURL reports whether raw is a relative reference to the
// authorization endpoint of domainID.
func isAuthorizeURL(raw, domainID string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return false
	}
	return u.Path == "/"+domainID+"/oauth/authorize"
}
