// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
)

// LeftHalfHash computes the OIDC at_hash / c_hash value of token for the
// JWS algorithm alg: the base64url left half of the algorithm's hash.
func LeftHalfHash(alg, token string) (string, error) {
	var h hash.Hash
	switch alg {
	case AlgRS256, AlgES256:
		h = sha256.New()
	case AlgRS384, AlgES384:
		h = sha512.New384()
	case AlgRS512, AlgES512, AlgEdDSA:
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported algorithm for hash claim: %q", alg)
	}
	h.Write([]byte(token))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
