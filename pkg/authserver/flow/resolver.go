// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow implements the authorization endpoint: a resolver that
// validates the client and redirect target, evaluates consent and hands the
// request to the strategy of its response type.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/tenantauth/pkg/authserver/consent"
	"github.com/stacklok/tenantauth/pkg/authserver/oauth"
	"github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// State is a step of the authorization state machine.
type State int

// States in order. Rejected is terminal and may follow any other state.
const (
	StateRequestReceived State = iota
	StateClientValidated
	StateConsentResolved
	StateResponseIssued
	StateRejected
)

var stateNames = [...]string{"RequestReceived", "ClientValidated", "ConsentResolved", "ResponseIssued", "Rejected"}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// grant types implied by response type components.
const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeImplicit          = "implicit"
)

// Response is an issued authorization response.
type Response struct {
	RedirectURI string
	Mode        string
	Params      url.Values
}

// URL returns the redirect carrying the response.
func (r *Response) URL() (string, error) {
	return oauth.BuildRedirect(r.RedirectURI, r.Mode, r.Params)
}

// Outcome is the result of one pass through the resolver.
type Outcome struct {
	State    State
	Client   *storage.Client
	Response *Response

	// PendingScopes is set when State is StateClientValidated: the user has
	// not decided on these scopes yet.
	PendingScopes []string

	redirectURI string
	state       string
	mode        string
}

// Reject turns a pending outcome into a rejection redirected to the
// validated redirect target.
func (o *Outcome) Reject(err error) *Rejection {
	return &Rejection{Err: err, RedirectURI: o.redirectURI, State: o.state, ResponseMode: o.mode}
}

// ClientStore loads clients.
type ClientStore interface {
	GetClient(ctx context.Context, domainID, clientID string) (*storage.Client, error)
}

// Resolver runs authorization requests of one domain. It is immutable after
// construction.
type Resolver struct {
	clients     ClientStore
	consent     *consent.Service
	strategies  map[string]Strategy
	requirePKCE bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithPublicClientPKCE sets whether public clients must use PKCE. It is on
// by default.
func WithPublicClientPKCE(required bool) ResolverOption {
	return func(r *Resolver) { r.requirePKCE = required }
}

// NewResolver creates a Resolver. Two strategies claiming the same response
// type is a configuration error.
func NewResolver(clients ClientStore, consentSvc *consent.Service, strategies []Strategy, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		clients:     clients,
		consent:     consentSvc,
		strategies:  map[string]Strategy{},
		requirePKCE: true,
	}
	for _, s := range strategies {
		for _, rt := range s.ResponseTypes() {
			rt = NormalizeResponseType(rt)
			if _, ok := r.strategies[rt]; ok {
				return nil, fmt.Errorf("response type %q is handled by more than one flow", rt)
			}
			r.strategies[rt] = s
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ResponseTypes returns the supported response types, sorted.
func (r *Resolver) ResponseTypes() []string {
	out := make([]string, 0, len(r.strategies))
	for rt := range r.strategies {
		out = append(out, rt)
	}
	slices.Sort(out)
	return out
}

// Authorize runs req for user. A nil user yields login_required once the
// client and redirect target are validated. Failures are *Rejection.
func (r *Resolver) Authorize(ctx context.Context, req *AuthorizationRequest, user *User) (*Outcome, error) {
	client, redirectURI, err := r.validateClient(ctx, req)
	if err != nil {
		return nil, direct(err)
	}

	strategy, mode, err := r.selectStrategy(req)
	reject := func(err error) (*Outcome, error) {
		return nil, &Rejection{Err: err, RedirectURI: redirectURI, State: req.State, ResponseMode: mode}
	}
	if err != nil {
		return reject(err)
	}
	if err := r.validateRequest(req, client); err != nil {
		return reject(err)
	}
	if user == nil || user.Subject == "" {
		return reject(oautherrors.NewLoginRequiredError("the end user is not authenticated", nil))
	}

	decision, err := r.consent.Check(ctx, req.DomainID, user.Subject, client, req.Scopes)
	if err != nil {
		return reject(oautherrors.NewServerError("failed to evaluate consent", err))
	}
	if len(decision.Denied) > 0 {
		return reject(oautherrors.NewAccessDeniedError("the end user denied the request", nil))
	}
	if len(decision.Pending) > 0 {
		return &Outcome{
			State:         StateClientValidated,
			Client:        client,
			PendingScopes: decision.Pending,
			redirectURI:   redirectURI,
			state:         req.State,
			mode:          mode,
		}, nil
	}

	params, err := strategy.Respond(ctx, &Context{
		Request:     req,
		Client:      client,
		User:        user,
		RedirectURI: redirectURI,
		Scopes:      req.Scopes,
	})
	if err != nil {
		logger.ForDomain(req.DomainID).Error("failed to issue authorization response",
			"client_id", client.ClientID, "response_type", req.ResponseType, "error", err)
		return reject(err)
	}
	if req.State != "" {
		params.Set(oauth.ParamState, req.State)
	}
	return &Outcome{
		State:    StateResponseIssued,
		Client:   client,
		Response: &Response{RedirectURI: redirectURI, Mode: mode, Params: params},
	}, nil
}

// validateClient loads the client and resolves the redirect target. Its errors
// are never redirected.
func (r *Resolver) validateClient(ctx context.Context, req *AuthorizationRequest) (*storage.Client, string, error) {
	if req.ClientID == "" {
		return nil, "", oautherrors.NewInvalidRequestError("client_id is required", nil)
	}
	client, err := r.clients.GetClient(ctx, req.DomainID, req.ClientID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, "", oautherrors.NewInvalidClientError("unknown client", err)
	case err != nil:
		return nil, "", oautherrors.NewServerError("failed to load client", err)
	}

	if req.RedirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, "", oautherrors.NewInvalidRequestError("redirect_uri is required", nil)
		}
		return client, client.RedirectURIs[0], nil
	}
	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		return nil, "", oautherrors.NewInvalidRequestError("redirect_uri is not registered for this client", nil)
	}
	return client, req.RedirectURI, nil
}

func (r *Resolver) selectStrategy(req *AuthorizationRequest) (Strategy, string, error) {
	strategy, ok := r.strategies[req.ResponseType]
	if !ok {
		// Report the error in the mode the response type would have used.
		mode := oauth.ResponseModeFragment
		if req.ResponseType == ResponseTypeCode || req.ResponseType == "" {
			mode = oauth.ResponseModeQuery
		}
		if req.ResponseType == "" {
			return nil, mode, oautherrors.NewInvalidRequestError("response_type is required", nil)
		}
		return nil, mode, oautherrors.NewUnsupportedResponseTypeError(
			fmt.Sprintf("response type %q is not supported", req.ResponseType), nil)
	}

	mode := strategy.DefaultResponseMode()
	switch req.ResponseMode {
	case "":
	case oauth.ResponseModeFragment:
		mode = oauth.ResponseModeFragment
	case oauth.ResponseModeQuery:
		if req.Has(ResponseTypeToken) || req.Has(ResponseTypeIDToken) {
			return nil, mode, oautherrors.NewInvalidRequestError("tokens must not be returned in the query", nil)
		}
		mode = oauth.ResponseModeQuery
	default:
		return nil, mode, oautherrors.NewInvalidRequestError(
			fmt.Sprintf("response_mode %q is not supported", req.ResponseMode), nil)
	}
	return strategy, mode, nil
}

func (r *Resolver) validateRequest(req *AuthorizationRequest, client *storage.Client) error {
	if !clientAllowsResponseType(client, req) {
		return oautherrors.NewUnauthorizedClientError(
			fmt.Sprintf("client is not authorized to use response type %q", req.ResponseType), nil)
	}
	if err := oauth.ValidateScopes(req.Scopes, client.Scopes); err != nil {
		return err
	}
	if err := oauth.ValidateResources(req.Resources, client.Audiences); err != nil {
		return err
	}

	if req.Has(ResponseTypeCode) {
		if err := r.validatePKCE(req, client); err != nil {
			return err
		}
	}
	if req.Has(ResponseTypeIDToken) {
		if !slices.Contains(req.Scopes, "openid") {
			return oautherrors.NewInvalidRequestError("response type id_token requires the openid scope", nil)
		}
		if req.Nonce == "" {
			return oautherrors.NewInvalidRequestError("nonce is required for response type id_token", nil)
		}
	}
	return nil
}

func (r *Resolver) validatePKCE(req *AuthorizationRequest, client *storage.Client) error {
	if req.CodeChallenge == "" {
		if req.CodeChallengeMethod != "" {
			return oautherrors.NewInvalidRequestError("code_challenge_method without code_challenge", nil)
		}
		if r.requirePKCE && client.IsPublic() {
			return oautherrors.NewInvalidRequestError("public clients must use PKCE", nil)
		}
		return nil
	}
	if req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return oautherrors.NewInvalidRequestError("code_challenge_method must be S256", nil)
	}
	if !crypto.ValidCodeChallenge(req.CodeChallenge) {
		return oautherrors.NewInvalidRequestError("code_challenge is malformed", nil)
	}
	return nil
}

// clientAllowsResponseType checks the client's response types and the grant
// types they imply: code needs authorization_code, token and id_token need
// implicit.
func clientAllowsResponseType(client *storage.Client, req *AuthorizationRequest) bool {
	registered := false
	for _, rt := range client.ResponseTypes {
		if NormalizeResponseType(rt) == req.ResponseType {
			registered = true
			break
		}
	}
	if !registered {
		return false
	}
	for _, component := range strings.Fields(req.ResponseType) {
		required := grantTypeImplicit
		if component == ResponseTypeCode {
			required = grantTypeAuthorizationCode
		}
		if !client.HasGrantType(required) {
			return false
		}
	}
	return true
}
