package hostcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

const (
	keyPrefix       = "livedb:host:"
	protocolVersion = "5"
)

var (
	ErrInvalidDatabaseURL = errors.New("hostcache: invalid database url")

	databaseURLRe = regexp.MustCompile(`^http(s?)://(([^.]+)\.(.+))$`)
)

// DatabaseURL is the parsed form of `http[s]://{namespace}.{domain}`.
type DatabaseURL struct {
	Secure    bool
	Host      string
	Namespace string
}

// ParseDatabaseURL validates the configured database URL.
func ParseDatabaseURL(raw string) (DatabaseURL, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	m := databaseURLRe.FindStringSubmatch(raw)
	if m == nil {
		return DatabaseURL{}, fmt.Errorf("%w: %q", ErrInvalidDatabaseURL, raw)
	}
	return DatabaseURL{
		Secure:    m[1] == "s",
		Host:      m[2],
		Namespace: m[3],
	}, nil
}

// Target is the endpoint of one connection attempt.
type Target struct {
	Host      string
	Secure    bool
	Namespace string
	// WithNamespace adds the ns parameter. Needed whenever Host is not the configured host.
	WithNamespace bool
}

// URL renders `ws[s]://{host}/.ws?v=5[&ns={namespace}]`.
func (t Target) URL() string {
	scheme := "ws"
	if t.Secure {
		scheme = "wss"
	}
	u := fmt.Sprintf("%s://%s/.ws?v=%s", scheme, t.Host, protocolVersion)
	if t.WithNamespace && t.Namespace != "" {
		u += "&ns=" + url.QueryEscape(t.Namespace)
	}
	return u
}

// Resolver maps the configured database to the host that should be dialed.
type Resolver struct {
	origin DatabaseURL
	store  Store
}

func NewResolver(origin DatabaseURL, store Store) *Resolver {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Resolver{origin: origin, store: store}
}

// Origin is the configured database.
func (r *Resolver) Origin() DatabaseURL {
	return r.origin
}

// Key is the store key holding the last redirect of this database.
func (r *Resolver) Key() string {
	return keyPrefix + r.origin.Host
}

// Resolve returns the last remembered host, or the configured one. A failing store is logged
// and treated as empty.
func (r *Resolver) Resolve(ctx context.Context) Target {
	target := Target{
		Host:      r.origin.Host,
		Secure:    r.origin.Secure,
		Namespace: r.origin.Namespace,
	}

	host, ok, err := r.store.Get(ctx, r.Key())
	if err != nil {
		slog.Warn("hostcache get", "key", r.Key(), "error", err)
		return target
	}
	if ok && host != "" {
		target.Host = host
		target.WithNamespace = true
	}
	return target
}

// Remember persists a redirect and returns the target to dial next.
func (r *Resolver) Remember(ctx context.Context, host string) (Target, error) {
	target := Target{
		Host:          host,
		Secure:        r.origin.Secure,
		Namespace:     r.origin.Namespace,
		WithNamespace: true,
	}
	if err := r.store.Set(ctx, r.Key(), host); err != nil {
		return target, fmt.Errorf("remember host %s: %w", host, err)
	}
	return target, nil
}
