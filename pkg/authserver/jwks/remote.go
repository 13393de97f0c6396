// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
	"github.com/stacklok/tenantauth/pkg/logger"
)

// Defaults for RemoteConfig.
const (
	DefaultFetchTimeout       = 5 * time.Second
	DefaultMinRefreshInterval = 5 * time.Minute
	DefaultMaxRefreshInterval = time.Hour

	// DefaultUnknownKeyRefreshInterval bounds forced refreshes triggered by
	// a key ID missing from the cached set.
	DefaultUnknownKeyRefreshInterval = 30 * time.Second
)

// ErrKeyNotFound is returned by LookupKey when the set has no key with the
// requested key ID, even after a refresh.
var ErrKeyNotFound = errors.New("key not found in JWKS")

// RemoteConfig configures a RemoteResolver.
type RemoteConfig struct {
	// HTTPClient fetches the sets. Defaults to a client with FetchTimeout.
	HTTPClient *http.Client

	// FetchTimeout bounds every fetch.
	FetchTimeout time.Duration

	// MinRefreshInterval and MaxRefreshInterval bound how long a set is cached.
	MinRefreshInterval time.Duration
	MaxRefreshInterval time.Duration

	// UnknownKeyRefreshInterval is the minimum delay between forced refreshes
	// of one URL.
	UnknownKeyRefreshInterval time.Duration
}

func (c *RemoteConfig) applyDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if c.MaxRefreshInterval < c.MinRefreshInterval {
		c.MaxRefreshInterval = max(DefaultMaxRefreshInterval, c.MinRefreshInterval)
	}
	if c.UnknownKeyRefreshInterval <= 0 {
		c.UnknownKeyRefreshInterval = DefaultUnknownKeyRefreshInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.FetchTimeout}
	}
}

// RemoteResolver fetches and caches JWK Sets published by clients and
// assertion issuers. It is safe for concurrent use.
type RemoteResolver struct {
	cfg   RemoteConfig
	cache *jwk.Cache

	group      singleflight.Group
	registered sync.Map // url -> struct{}
	limiters   sync.Map // url -> *rate.Limiter
}

// NewRemoteResolver creates a resolver whose background refreshes run until
// ctx is cancelled.
func NewRemoteResolver(ctx context.Context, cfg RemoteConfig) (*RemoteResolver, error) {
	cfg.applyDefaults()

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(cfg.HTTPClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &RemoteResolver{cfg: cfg, cache: cache}, nil
}

// Fetch returns the set published at url, registering the URL with the
// cache on first use.
func (r *RemoteResolver) Fetch(ctx context.Context, url string) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	if err := r.ensureRegistered(ctx, url); err != nil {
		return nil, metadataError(err)
	}
	set, err := r.cache.Lookup(ctx, url)
	if err != nil {
		return nil, metadataError(fmt.Errorf("failed to lookup JWKS: %w", err))
	}
	return set, nil
}

// LookupKey returns the key identified by kid in the set at url. A missing
// kid forces one refresh, at most once per UnknownKeyRefreshInterval.
func (r *RemoteResolver) LookupKey(ctx context.Context, url, kid string) (jwk.Key, error) {
	set, err := r.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return key, nil
	}
	if kid == "" || !r.limiter(url).Allow() {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}

	logger.Debugw("refreshing JWKS for unknown key", "url", url, "kid", kid)
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	set, err = r.cache.Refresh(ctx, url)
	if err != nil {
		return nil, metadataError(fmt.Errorf("failed to refresh JWKS: %w", err))
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
}

// PublicKey returns the raw public key for kid, ready for signature
// verification.
func (r *RemoteResolver) PublicKey(ctx context.Context, url, kid string) (any, error) {
	key, err := r.LookupKey(ctx, url, kid)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key %q: %w", kid, err)
	}
	return raw, nil
}

func (r *RemoteResolver) ensureRegistered(ctx context.Context, url string) error {
	if _, ok := r.registered.Load(url); ok {
		return nil
	}
	_, err, _ := r.group.Do(url, func() (any, error) {
		if _, ok := r.registered.Load(url); ok {
			return nil, nil
		}
		err := r.cache.Register(ctx, url,
			jwk.WithMinInterval(r.cfg.MinRefreshInterval),
			jwk.WithMaxInterval(r.cfg.MaxRefreshInterval),
		)
		if err != nil {
			// A failed first fetch may leave the URL registered; drop it so
			// the next call retries from scratch.
			_ = r.cache.Unregister(context.WithoutCancel(ctx), url)
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
		r.registered.Store(url, struct{}{})
		return nil, nil
	})
	return err
}

func (r *RemoteResolver) limiter(url string) *rate.Limiter {
	if l, ok := r.limiters.Load(url); ok {
		return l.(*rate.Limiter)
	}
	l, _ := r.limiters.LoadOrStore(url, rate.NewLimiter(rate.Every(r.cfg.UnknownKeyRefreshInterval), 1))
	return l.(*rate.Limiter)
}

func metadataError(err error) error {
	return oautherrors.NewInvalidClientMetadataError("unable to retrieve the JWKS", err)
}
