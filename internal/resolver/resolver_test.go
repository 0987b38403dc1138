package resolver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "OpenProver/internal/errors"
)

type staticLookuper struct {
	calls atomic.Int32
	addrs []net.IPAddr
	err   error
}

func (s *staticLookuper) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	s.calls.Add(1)
	return s.addrs, s.err
}

func TestResolvePinsAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Host)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	lookup := &staticLookuper{addrs: []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}}
	ep, err := Resolve(context.Background(), "http://prover.invalid:"+u.Port()+"/api", WithLookuper(lookup))
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:" + u.Port()}, ep.Addrs)
	require.Equal(t, "prover.invalid", ep.Host)

	client := ep.HTTPClient(5 * time.Second)
	for i := 0; i < 3; i++ {
		resp, err := client.Get("http://prover.invalid:" + u.Port() + "/api")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, "prover.invalid:"+u.Port(), string(body))
	}
	require.EqualValues(t, 1, lookup.calls.Load())
}

func TestResolveFallsThroughDeadAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	// 127.0.0.2 上没有监听者，拨号应回退到下一个地址。
	lookup := &staticLookuper{addrs: []net.IPAddr{{IP: net.ParseIP("127.0.0.2")}, {IP: net.ParseIP("127.0.0.1")}}}
	ep, err := Resolve(context.Background(), "http://prover.invalid:"+u.Port(), WithLookuper(lookup))
	require.NoError(t, err)
	require.Len(t, ep.Addrs, 2)

	resp, err := ep.HTTPClient(5 * time.Second).Get("http://prover.invalid:" + u.Port())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestResolveDefaultPorts(t *testing.T) {
	lookup := &staticLookuper{addrs: []net.IPAddr{{IP: net.ParseIP("10.0.0.1")}, {IP: net.ParseIP("10.0.0.1")}}}

	ep, err := Resolve(context.Background(), "https://prover.example.com", WithLookuper(lookup))
	require.NoError(t, err)
	require.Equal(t, "443", ep.Port)
	require.Equal(t, []string{"10.0.0.1:443"}, ep.Addrs)

	ep, err = Resolve(context.Background(), "http://prover.example.com/v1", WithLookuper(lookup))
	require.NoError(t, err)
	require.Equal(t, "80", ep.Port)
}

func TestResolveConfigurationErrors(t *testing.T) {
	cases := map[string]struct {
		url    string
		lookup *staticLookuper
	}{
		"empty":        {url: "", lookup: &staticLookuper{}},
		"bad scheme":   {url: "ftp://prover.example.com", lookup: &staticLookuper{}},
		"no host":      {url: "https://", lookup: &staticLookuper{}},
		"malformed":    {url: "https://prover example.com/%zz", lookup: &staticLookuper{}},
		"lookup error": {url: "https://prover.example.com", lookup: &staticLookuper{err: errors.New("nxdomain")}},
		"no addresses": {url: "https://prover.example.com", lookup: &staticLookuper{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve(context.Background(), tc.url, WithLookuper(tc.lookup))
			require.Error(t, err)
			require.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
		})
	}
}
