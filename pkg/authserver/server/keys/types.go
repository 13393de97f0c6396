// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the signing material of each domain. Certificate
// configurations are turned into CertificateProviders by a type-keyed
// Registry, and a Manager holds one domain's providers behind an atomic
// snapshot that is rebuilt whenever the configuration changes.
package keys

import (
	"context"
	"crypto"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/tenantauth/pkg/authserver/storage"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks -source=types.go CertificateRepository

// DefaultAlgorithm is the signing algorithm of generated certificates
// that do not name one.
const DefaultAlgorithm = "ES256"

var (
	// ErrNotReady is returned until the first successful build.
	ErrNotReady = errors.New("signing keys are not ready")

	// ErrNoProviders is returned when a domain has no usable certificate.
	ErrNoProviders = errors.New("no certificate providers configured")

	// ErrProviderNotFound is returned by Get for an unknown certificate ID.
	ErrProviderNotFound = errors.New("certificate provider not found")
)

// CertificateProvider is the signing material built from one certificate.
type CertificateProvider interface {
	// ID is the certificate ID the provider was built from.
	ID() string

	// KeyID is the JWS "kid".
	KeyID() string

	// Algorithm is the JWS "alg".
	Algorithm() string

	// Signer signs tokens.
	Signer() crypto.Signer

	// PublicJWK is the verification key published in the JWKS.
	PublicJWK() jose.JSONWebKey

	// CreatedAt orders providers when no default is configured.
	CreatedAt() time.Time
}

// CertificateRepository is the part of storage the Manager needs.
type CertificateRepository interface {
	ListCertificates(ctx context.Context, domainID string) ([]*storage.Certificate, error)
}
