// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"

	servercrypto "github.com/stacklok/tenantauth/pkg/authserver/server/crypto"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Built-in certificate types.
const (
	// TypePEM loads a private key from inline PEM or a file.
	TypePEM = "pem"

	// TypeGenerated creates an ephemeral key when the provider is built.
	// Generated keys are lost on restart, invalidating issued tokens.
	TypeGenerated = "generated"
)

// PEMConfig is the configuration of a TypePEM certificate.
type PEMConfig struct {
	// Key is an inline PEM private key. Takes precedence over KeyFile.
	Key string `json:"key,omitempty"`

	// KeyFile is the path of a PEM private key.
	KeyFile string `json:"keyFile,omitempty"`

	// KeyID overrides the RFC 7638 thumbprint.
	KeyID string `json:"keyId,omitempty"`

	// Algorithm overrides the algorithm derived from the key type.
	Algorithm string `json:"algorithm,omitempty"`
}

// GeneratedConfig is the configuration of a TypeGenerated certificate.
type GeneratedConfig struct {
	// Algorithm defaults to DefaultAlgorithm.
	Algorithm string `json:"algorithm,omitempty"`
}

// signingProvider is the CertificateProvider of both built-in types.
type signingProvider struct {
	id        string
	keyID     string
	algorithm string
	signer    crypto.Signer
	createdAt time.Time
}

func (p *signingProvider) ID() string            { return p.id }
func (p *signingProvider) KeyID() string         { return p.keyID }
func (p *signingProvider) Algorithm() string     { return p.algorithm }
func (p *signingProvider) Signer() crypto.Signer { return p.signer }
func (p *signingProvider) CreatedAt() time.Time  { return p.createdAt }

func (p *signingProvider) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       p.signer.Public(),
		KeyID:     p.keyID,
		Algorithm: p.algorithm,
		Use:       "sig",
	}
}

// NewSigningProvider wraps a signer as a provider for cert. An empty keyID
// or algorithm is derived from the key.
func NewSigningProvider(cert *storage.Certificate, signer crypto.Signer, keyID, algorithm string) (CertificateProvider, error) {
	params, err := servercrypto.DeriveSigningKeyParams(signer, keyID, algorithm)
	if err != nil {
		return nil, err
	}
	return &signingProvider{
		id:        cert.ID,
		keyID:     params.KeyID,
		algorithm: params.Algorithm,
		signer:    params.Key,
		createdAt: cert.CreatedAt,
	}, nil
}

func decodeConfig(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid certificate configuration: %w", err)
	}
	return nil
}

// NewPEMProvider is the FactoryFunc of TypePEM.
func NewPEMProvider(_ context.Context, cert *storage.Certificate) (CertificateProvider, error) {
	var cfg PEMConfig
	if err := decodeConfig(cert.Configuration, &cfg); err != nil {
		return nil, err
	}

	var (
		signer crypto.Signer
		err    error
	)
	switch {
	case cfg.Key != "":
		signer, err = servercrypto.ParseSigningKey([]byte(cfg.Key))
	case cfg.KeyFile != "":
		signer, err = servercrypto.LoadSigningKey(cfg.KeyFile)
	default:
		return nil, errors.New("pem certificate requires key or keyFile")
	}
	if err != nil {
		return nil, err
	}
	return NewSigningProvider(cert, signer, cfg.KeyID, cfg.Algorithm)
}

// NewGeneratedProvider is the FactoryFunc of TypeGenerated.
func NewGeneratedProvider(_ context.Context, cert *storage.Certificate) (CertificateProvider, error) {
	cfg := GeneratedConfig{Algorithm: DefaultAlgorithm}
	if err := decodeConfig(cert.Configuration, &cfg); err != nil {
		return nil, err
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultAlgorithm
	}

	signer, err := servercrypto.GenerateSigningKey(cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	p, err := NewSigningProvider(cert, signer, "", cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	logger.Warnw("generated ephemeral signing key, tokens will be invalid after restart",
		"domain", cert.DomainID,
		"certificate", cert.ID,
		"algorithm", p.Algorithm(),
		"key_id", p.KeyID(),
	)
	return p, nil
}
