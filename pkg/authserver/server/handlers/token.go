// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/tenantauth/pkg/authserver/grant"
)

// tokenResponse is the RFC 6749 section 5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenHandler handles POST /{domain}/oauth/token. Only body parameters are
// read; the query string is ignored.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domain")
	setNoStore(w)
	if err := parseForm(w, r); err != nil {
		writeError(w, r, err, false)
		return
	}

	client, basic, err := h.authenticateClient(r, domainID, true)
	if err != nil {
		writeError(w, r, err, basic)
		return
	}
	req, err := grant.NewTokenRequest(domainID, client.ClientID, r.PostForm, h.engine.Now())
	if err != nil {
		writeError(w, r, err, basic)
		return
	}

	resp, err := h.engine.Token(r.Context(), req, client)
	if err != nil {
		writeError(w, r, err, basic)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    int64(resp.ExpiresIn.Seconds()),
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Scope:        strings.Join(resp.Scopes, " "),
	})
}
