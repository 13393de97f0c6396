// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grant

import (
	"context"
	"fmt"
	"slices"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/token"
	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

// Dispatcher routes token requests to the strategy of their grant type.
// It is immutable after construction.
type Dispatcher struct {
	strategies []*Strategy
}

// NewDispatcher creates a Dispatcher. Two strategies for the same grant
// type is a configuration error.
func NewDispatcher(strategies ...*Strategy) (*Dispatcher, error) {
	seen := make(map[string]struct{}, len(strategies))
	for _, s := range strategies {
		if s == nil || s.grantType == "" {
			return nil, fmt.Errorf("grant strategy without a grant type")
		}
		if _, ok := seen[s.grantType]; ok {
			return nil, fmt.Errorf("grant type %q is handled by more than one strategy", s.grantType)
		}
		seen[s.grantType] = struct{}{}
	}
	return &Dispatcher{strategies: slices.Clone(strategies)}, nil
}

// GrantTypes returns the supported grant types in registration order.
func (d *Dispatcher) GrantTypes() []string {
	out := make([]string, len(d.strategies))
	for i, s := range d.strategies {
		out[i] = s.grantType
	}
	return out
}

// Grant dispatches req for client.
func (d *Dispatcher) Grant(ctx context.Context, req *TokenRequest, client *storage.Client) (*token.Response, error) {
	if req.GrantType == "" {
		return nil, oautherrors.NewInvalidRequestError("grant_type is required", nil)
	}
	idx := slices.IndexFunc(d.strategies, func(s *Strategy) bool { return s.Handles(req.GrantType) })
	if idx < 0 {
		return nil, oautherrors.NewUnsupportedGrantTypeError(
			fmt.Sprintf("grant type %q is not supported", req.GrantType), nil)
	}
	return d.strategies[idx].Grant(ctx, req, client)
}
