// Package provider defines the executor capability set implemented once per
// upstream vendor, the guard that wraps every executor with credential
// refresh, timeouts and a circuit breaker, and the registry keyed by provider
// id.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"combo-gateway/internal/account"
	"combo-gateway/internal/models"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

// ErrUnknownProvider indicates the requested provider id is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider indicates an attempt to register the same provider id twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrRefreshUnsupported indicates the provider has no credential refresh flow.
var ErrRefreshUnsupported = errors.New("credential refresh not supported")

// ErrMissingCredentials indicates the account carries no usable secret.
var ErrMissingCredentials = errors.New("account has no credentials")

// Shape tells how an upstream response body is laid out.
type Shape int

const (
	ShapeWhole Shape = iota
	ShapeStream
)

func (s Shape) String() string {
	if s == ShapeStream {
		return "stream"
	}
	return "whole"
}

// Executor is the capability set of one upstream vendor.
type Executor interface {
	Name() string
	// Format returns the wire format of upstream responses for model.
	Format(model string) translator.Format
	BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error)
	Execute(req *http.Request) (*http.Response, error)
	RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error)
	ClassifyResponseShape(resp *http.Response) Shape
	// OpenStream wraps a streamed body; model is the one the request
	// addressed.
	OpenStream(resp *http.Response, model string) (stream.Source, error)
	ReadWhole(resp *http.Response) ([]byte, error)
}

// Registry maps provider ids to guarded executors. It is immutable once built.
type Registry struct {
	guards map[string]*Guard
}

// NewRegistry indexes guards by the name of their executor.
func NewRegistry(guards ...*Guard) (*Registry, error) {
	m := make(map[string]*Guard, len(guards))
	for _, g := range guards {
		if g == nil {
			return nil, errors.New("guard must not be nil")
		}
		if _, exists := m[g.Name()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, g.Name())
		}
		m[g.Name()] = g
	}
	return &Registry{guards: m}, nil
}

// Lookup returns the guard registered for a provider id.
func (r *Registry) Lookup(name string) (*Guard, error) {
	g, ok := r.guards[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return g, nil
}

// Names lists the registered provider ids in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.guards))
	for name := range r.guards {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
