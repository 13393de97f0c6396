// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// IntrospectHandler handles POST /{domain}/oauth/introspect (RFC 7662).
// Only confidential clients may introspect.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain")
	setNoStore(w)
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err, false)
		return
	}
	if err := oauth.CheckMultiplicity(r.PostForm); err != nil {
		writeError(w, r, err, false)
		return
	}
	caller, basic, err := h.authenticateClient(r, domainID, false)
	if err != nil {
		writeError(w, r, err, basic)
		return
	}

	resp, err := h.engine.Introspect(r.Context(), domainID,
		r.PostForm.Get(oauth.ParamToken), r.PostForm.Get(oauth.ParamTokenTypeHint), caller)
	if err != nil {
		writeError(w, r, err, basic)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// RevokeHandler handles POST /{domain}/oauth/revoke (RFC 7009). Unknown and
// already revoked tokens answer 200.
func (h *Handler) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain")
	setNoStore(w)
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err, false)
		return
	}
	if err := oauth.CheckMultiplicity(r.PostForm); err != nil {
		writeError(w, r, err, false)
		return
	}
	caller, basic, err := h.authenticateClient(r, domainID, false)
	if err != nil {
		writeError(w, r, err, basic)
		return
	}
	raw := r.PostForm.Get(oauth.ParamToken)
	if raw == "" {
		writeError(w, r, oautherrors.NewInvalidRequestError("token is required", nil), basic)
		return
	}

	if err := h.engine.Revoke(r.Context(), domainID, raw, r.PostForm.Get(oauth.ParamTokenTypeHint), caller); err != nil {
		writeError(w, r, err, basic)
		return
	}
	w.WriteHeader(http.StatusOK)
}
