// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

const paramClientSecret = "client_secret"

// credentials are the client credentials presented with a request.
type credentials struct {
	clientID string
	secret   string
	basic    bool
}

// readCredentials extracts client credentials from the Authorization header
// or the form body. Using both methods at once is invalid_request.
func readCredentials(r *http.Request) (credentials, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return credentials{
			clientID: r.PostForm.Get(oauth.ParamClientID),
			secret:   r.PostForm.Get(paramClientSecret),
		}, nil
	}
	if r.PostForm.Has(paramClientSecret) {
		return credentials{basic: true}, oautherrors.NewInvalidRequestError("more than one client authentication method was used", nil)
	}
	// RFC 6749 section 2.3.1 form-encodes both values before Basic encoding.
	id, err := url.QueryUnescape(user)
	if err != nil {
		return credentials{basic: true}, oautherrors.NewInvalidClientError("malformed client credentials", err)
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return credentials{basic: true}, oautherrors.NewInvalidClientError("malformed client credentials", err)
	}
	if formID := r.PostForm.Get(oauth.ParamClientID); formID != "" && formID != id {
		return credentials{basic: true}, oautherrors.NewInvalidRequestError("client_id does not match the authenticated client", nil)
	}
	return credentials{clientID: id, secret: secret, basic: true}, nil
}

// authenticateClient authenticates the client of a back-channel request.
// allowPublic permits public clients, which present only their client_id.
// The returned bool reports whether Basic authentication was attempted.
func (h *Handler) authenticateClient(r *http.Request, domainID string, allowPublic bool) (*storage.Client, bool, error) {
	creds, err := readCredentials(r)
	if err != nil {
		return nil, creds.basic, err
	}
	failed := oautherrors.NewInvalidClientError("client authentication failed", nil)
	if creds.clientID == "" {
		return nil, creds.basic, failed
	}

	client, err := h.engine.Client(r.Context(), domainID, creds.clientID)
	if errors.Is(err, storage.ErrNotFound) {
		// Unknown clients cost the same as a wrong secret.
		_ = bcrypt.CompareHashAndPassword(h.dummySecretHash(), []byte(creds.secret))
		return nil, creds.basic, failed
	}
	if err != nil {
		return nil, creds.basic, oautherrors.NewServerError("failed to load client", err)
	}

	if client.IsPublic() {
		if !allowPublic || creds.secret != "" || creds.basic {
			return nil, creds.basic, failed
		}
		return client, false, nil
	}
	if creds.secret == "" {
		return nil, creds.basic, failed
	}
	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(creds.secret)); err != nil {
		return nil, creds.basic, failed
	}
	return client, creds.basic, nil
}
