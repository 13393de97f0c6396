// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tenantauth/pkg/authserver/server/keys"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
)

func generatedProviders(t *testing.T, n int) []keys.CertificateProvider {
	t.Helper()
	out := make([]keys.CertificateProvider, n)
	for i := range out {
		p, err := keys.NewGeneratedProvider(context.Background(), &storage.Certificate{
			ID:        "cert-" + string(rune('a'+i)),
			DomainID:  "acme",
			Type:      keys.TypeGenerated,
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
		out[i] = p
	}
	return out
}

func TestKeys(t *testing.T) {
	t.Parallel()

	t.Run("no providers yield an empty set", func(t *testing.T) {
		t.Parallel()
		set := Keys(nil)
		require.NotNil(t, set.Keys)
		assert.Empty(t, set.Keys)
	})

	t.Run("one key per provider", func(t *testing.T) {
		t.Parallel()
		providers := generatedProviders(t, 3)
		set := Keys(providers)
		require.Len(t, set.Keys, 3)

		kids := map[string]struct{}{}
		for i, k := range set.Keys {
			assert.Equal(t, providers[i].KeyID(), k.KeyID)
			assert.True(t, k.IsPublic())
			kids[k.KeyID] = struct{}{}
		}
		assert.Len(t, kids, 3)
	})
}

func TestFindKey(t *testing.T) {
	t.Parallel()

	set := Keys(generatedProviders(t, 2))
	want := set.Keys[1].KeyID

	tests := []struct {
		name  string
		kid   string
		found bool
	}{
		{"known kid", want, true},
		{"unknown kid", "nope", false},
		{"blank kid", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			k, ok := FindKey(set, tt.kid)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, want, k.KeyID)
			}
		})
	}

	t.Run("empty set", func(t *testing.T) {
		t.Parallel()
		_, ok := FindKey(Keys(nil), want)
		assert.False(t, ok)
	})
}
