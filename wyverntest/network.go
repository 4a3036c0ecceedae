// Package wyverntest provides a multi-endpoint loopback fixture,
// to simplify tests that require talking endpoints.
package wyverntest

import (
	"log/slog"
	"net/netip"
	"testing"

	"github.com/gordian-engine/wyvern"
	"github.com/gordian-engine/wyvern/internal/wtest"
	"github.com/gordian-engine/wyvern/wcred"
	"github.com/gordian-engine/wyvern/wcred/wcredtest"
	"github.com/gordian-engine/wyvern/wquic/wquictest"
	"github.com/stretchr/testify/require"
)

// Network contains a collection of endpoints on 127.0.0.1 sockets,
// all driven by one loop and backed by the loopback engine.
type Network struct {
	Log *slog.Logger

	Net *wyvern.Network

	Endpoints []*wyvern.Endpoint

	// Creds holds the per-endpoint listening credentials,
	// parallel to Endpoints.
	Creds []wcred.Credentials
}

// NewNetwork returns a Network of n endpoints, each bound to an
// OS-assigned 127.0.0.1 port and listening with the given options
// (the credentials field is filled in per endpoint).
//
// If any error occurs while creating the network, t.Fatal is called.
//
// t.Cleanup is used extensively to ensure resources are cleaned up.
func NewNetwork(t *testing.T, n int, listenOpts wyvern.ConnOptions) *Network {
	t.Helper()

	log := wtest.NewLogger(t)

	nw := wyvern.NewNetwork(log, wyvern.NetworkConfig{})
	t.Cleanup(nw.Close)

	engine := wquictest.NewEngine(log.With("sys", "engine"))

	endpoints := make([]*wyvern.Endpoint, n)
	creds := make([]wcred.Credentials, n)
	for i := range n {
		c, err := wcredtest.GenerateEd25519()
		require.NoError(t, err)
		creds[i] = c

		ep, err := nw.NewEndpoint(wyvern.EndpointConfig{
			Engine: engine,
			Local: wyvern.Address{
				AddrPort: netip.MustParseAddrPort("127.0.0.1:0"),
			},
		})
		require.NoError(t, err)
		t.Cleanup(ep.Close)

		opts := listenOpts
		opts.Creds = c
		require.NoError(t, ep.Listen(opts))

		endpoints[i] = ep
	}

	return &Network{
		Log: log,

		Net: nw,

		Endpoints: endpoints,
		Creds:     creds,
	}
}

// Connect dials from endpoint i to endpoint j.
func (n *Network) Connect(
	t *testing.T, i, j int, opts wyvern.ConnOptions,
) *wyvern.Connection {
	t.Helper()

	if !opts.Creds.IsSet() {
		opts.Creds = n.Creds[i]
	}

	c, err := n.Endpoints[i].Connect(n.Endpoints[j].LocalAddr(), opts)
	require.NoError(t, err)
	return c
}
