// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver wires the multi-tenant OAuth 2.0 / OpenID Connect
// authorization engine.
//
// The server supports:
//   - Authorization code, implicit and hybrid flows with consent
//   - PKCE (RFC 7636, S256 only), required for public clients by default
//   - authorization_code, refresh_token, client_credentials, password
//     and extension grants
//   - Token introspection (RFC 7662) and revocation (RFC 7009)
//   - Per-domain signing keys, JWKS and OIDC discovery
//
// # Usage
//
// Storage is a required parameter:
//
//	stor := storage.NewMemoryStorage()
//	srv, err := authserver.New(ctx, cfg, stor)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	if err := srv.Start(ctx); err != nil {
//	    logger.Warnw("some domains failed to activate", "error", err)
//	}
//	http.ListenAndServe(":8080", srv.Handler())
//
// # Domains
//
// Every enabled domain gets its own runtime: key manager, flow resolver and
// grant dispatcher. Runtimes are rebuilt from events published on
// Server.Events(), so several replicas sharing a Redis bus stay in sync.
//
// # Storage
//
// Backends are selected by storage.RunConfig through NewStorageFromRunConfig:
//   - In-memory storage (single instance)
//   - Redis (replicated deployments)
//   - SQLite (single node with persistence)
package authserver
