// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

const (
	// MinPKCELength is the shortest code_verifier or code_challenge accepted.
	MinPKCELength = 43
	// MaxPKCELength is the longest code_verifier or code_challenge accepted.
	MaxPKCELength = 128
)

// PKCE verification failures. Callers map all of them to invalid_grant.
var (
	ErrPKCEVerifierMissing   = errors.New("code_verifier is required")
	ErrPKCEVerifierMalformed = errors.New("code_verifier is malformed")
	ErrPKCEMethodUnsupported = errors.New("code_challenge_method is not supported")
	ErrPKCEMismatch          = errors.New("code_verifier does not match code_challenge")
)

// ValidCodeVerifier reports whether v is a well-formed RFC 7636 code_verifier:
// 43 to 128 characters from [A-Za-z0-9-._~].
func ValidCodeVerifier(v string) bool {
	return validPKCEString(v)
}

// ValidCodeChallenge applies the code_verifier shape rules to a code_challenge.
func ValidCodeChallenge(c string) bool {
	return validPKCEString(c)
}

func validPKCEString(s string) bool {
	if len(s) < MinPKCELength || len(s) > MaxPKCELength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			return false
		}
	}
	return true
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}

// DeriveS256Challenge returns BASE64URL-NOPAD(SHA256(verifier)).
func DeriveS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a code_verifier presented at the token endpoint against
// the challenge stored with the authorization code. Only S256 is accepted.
func VerifyPKCE(verifier, challenge, method string) error {
	if method != PKCEChallengeMethodS256 {
		return ErrPKCEMethodUnsupported
	}
	if verifier == "" {
		return ErrPKCEVerifierMissing
	}
	if !ValidCodeVerifier(verifier) {
		return ErrPKCEVerifierMalformed
	}
	derived := DeriveS256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}

// GeneratePKCEVerifier generates a random 43 character code_verifier.
// It panics if crypto/rand fails.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the S256 code_challenge of a verifier using
// the oauth2 client implementation.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
