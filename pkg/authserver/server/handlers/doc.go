// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers serves the HTTP surface of the authorization engine.
//
// Every domain is mounted under its own path prefix:
//   - /{domain}/oauth/authorize (authorization endpoint)
//   - /{domain}/oauth/token (token endpoint)
//   - /{domain}/oauth/introspect (RFC 7662)
//   - /{domain}/oauth/revoke (RFC 7009)
//   - /{domain}/oauth/consent (consent decisions from the consent page)
//   - /{domain}/.well-known/jwks.json
//   - /{domain}/.well-known/openid-configuration
//
// /health and /metrics are served at the root. Handlers only parse and
// write HTTP; every protocol decision is made by the Engine.
package handlers
