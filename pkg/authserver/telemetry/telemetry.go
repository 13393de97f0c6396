// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry holds the Prometheus collectors and the OpenTelemetry
// tracer used by the authorization engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	oautherrors "github.com/stacklok/tenantauth/pkg/errors"
)

const (
	instrumentationName = "github.com/stacklok/tenantauth/pkg/authserver"
	namespace           = "tenantauth"
)

// Span attribute keys.
var (
	AttrDomain       = attribute.Key("tenantauth.domain")
	AttrClientID     = attribute.Key("oauth.client_id")
	AttrGrantType    = attribute.Key("oauth.grant_type")
	AttrResponseType = attribute.Key("oauth.response_type")
	AttrErrorCode    = attribute.Key("oauth.error")
)

// Metrics is the set of engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	grants         *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	introspections *prometheus.CounterVec
	keysReady      *prometheus.GaugeVec
	activeDomains  prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_grants_total",
			Help:      "Token requests by domain, grant type and outcome.",
		}, []string{"domain", "grant_type", "outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Authorization requests by domain, response type and outcome.",
		}, []string{"domain", "response_type", "outcome"}),
		introspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "introspections_total",
			Help:      "Introspection requests by domain and verdict.",
		}, []string{"domain", "active"}),
		keysReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "domain_keys_ready",
			Help:      "1 when the domain's signing keys are loaded.",
		}, []string{"domain"}),
		activeDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_domains",
			Help:      "Number of activated domains.",
		}),
	}
	reg.MustRegister(m.grants, m.authorizations, m.introspections, m.keysReady, m.activeDomains)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Outcome returns "ok" for nil and the OAuth error code otherwise.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return oautherrors.FromError(err).Code
}

// ObserveGrant counts one token request.
func (m *Metrics) ObserveGrant(domainID, grantType string, err error) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(domainID, grantType, Outcome(err)).Inc()
}

// ObserveAuthorization counts one authorization request. outcome is an
// error code, "ok" or "consent_pending".
func (m *Metrics) ObserveAuthorization(domainID, responseType, outcome string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(domainID, responseType, outcome).Inc()
}

// ObserveIntrospection counts one introspection verdict.
func (m *Metrics) ObserveIntrospection(domainID string, active bool) {
	if m == nil {
		return
	}
	v := "false"
	if active {
		v = "true"
	}
	m.introspections.WithLabelValues(domainID, v).Inc()
}

// SetKeysReady records the readiness of a domain's key manager.
func (m *Metrics) SetKeysReady(domainID string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.keysReady.WithLabelValues(domainID).Set(v)
}

// ForgetDomain drops the per-domain series of a deactivated domain.
func (m *Metrics) ForgetDomain(domainID string) {
	if m == nil {
		return
	}
	m.keysReady.DeleteLabelValues(domainID)
}

// SetActiveDomains records the number of activated domains.
func (m *Metrics) SetActiveDomains(n int) {
	if m == nil {
		return
	}
	m.activeDomains.Set(float64(n))
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// TracerFrom returns the engine tracer from tp, or the global one if tp is nil.
func TracerFrom(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return Tracer()
	}
	return tp.Tracer(instrumentationName)
}

// StartSpan starts a span tagged with the domain.
func StartSpan(ctx context.Context, tracer trace.Tracer, name, domainID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, AttrDomain.String(domainID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(AttrErrorCode.String(Outcome(err)))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
