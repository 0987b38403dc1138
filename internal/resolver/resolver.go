// Package resolver pins the proving service host to the addresses it
// resolved to at startup.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "OpenProver/internal/errors"
)

// IPLookuper resolves a host name to IP addresses. *net.Resolver satisfies it.
type IPLookuper interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Endpoint is a service base URL together with the address set its host
// resolved to. Connections to Host:Port only ever go to Addrs.
type Endpoint struct {
	BaseURL *url.URL
	Host    string
	Port    string
	Addrs   []string

	dialer *net.Dialer
}

type options struct {
	lookuper IPLookuper
	dialer   *net.Dialer
}

// Option customises Resolve.
type Option func(*options)

// WithLookuper replaces the system resolver.
func WithLookuper(l IPLookuper) Option {
	return func(o *options) {
		if l != nil {
			o.lookuper = l
		}
	}
}

// WithDialer replaces the dialer used for pinned connections.
func WithDialer(d *net.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// Resolve parses rawURL and resolves its host exactly once. A malformed URL
// or an empty address set is a configuration error.
func Resolve(ctx context.Context, rawURL string, opts ...Option) (*Endpoint, error) {
	o := options{
		lookuper: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	base, err := parseBaseURL(rawURL)
	if err != nil {
		return nil, err
	}
	host := base.Hostname()
	port := base.Port()
	if port == "" {
		port = defaultPort(base.Scheme)
	}

	ips, err := o.lookuper.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "resolve proof service host",
			xerrors.WithMetadata("host", host))
	}
	addrs := make([]string, 0, len(ips))
	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), port)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "proof service host resolved to no addresses",
			xerrors.WithMetadata("host", host))
	}

	return &Endpoint{BaseURL: base, Host: host, Port: port, Addrs: addrs, dialer: o.dialer}, nil
}

func parseBaseURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "proof service url is empty")
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "parse proof service url")
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "proof service url must use http or https",
			xerrors.WithMetadata("url", rawURL))
	}
	if base.Hostname() == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "proof service url has no host",
			xerrors.WithMetadata("url", rawURL))
	}
	return base, nil
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

// DialContext connects to the pinned addresses when addr names the endpoint
// host, trying each address in resolution order. Other hosts are dialed
// normally.
func (e *Endpoint) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !e.matches(addr) {
		return e.dialer.DialContext(ctx, network, addr)
	}
	var errs []error
	for _, pinned := range e.Addrs {
		conn, err := e.dialer.DialContext(ctx, network, pinned)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", pinned, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (e *Endpoint) matches(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return strings.EqualFold(host, e.Host) && port == e.Port
}

// Transport returns an http.Transport bound to the pinned address set.
// Proxies are disabled since they would bypass the pinning.
func (e *Endpoint) Transport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = e.DialContext
	return t
}

// HTTPClient builds a client that always connects to the pinned addresses.
// The client is safe for concurrent use.
func (e *Endpoint) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: e.Transport(), Timeout: timeout}
}
