package netscan_test

import (
	"iter"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/polardev/chatstack/internal/netscan"

	"github.com/stretchr/testify/require"
)

func TestLocalPorts(t *testing.T) {
	t.Parallel()

	ports := []uint16{ipv4.Port(), ipv6.Port()}
	var testCases = []struct {
		scenario string
		given    iter.Seq[netip.AddrPort]
	}{
		{
			scenario: "LocalPortsDial",
			given:    netscan.LocalPortsDial(t.Context(), ports),
		},
		{
			scenario: "LocalPorts",
			given:    netscan.LocalPorts(t.Context(), ports...),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			requirePorts(t, tc.given)
		})
	}
}

func TestListeners(t *testing.T) {
	t.Parallel()
	ls, err := netscan.Listeners()
	if err != nil {
		t.Skipf("sock_diag not available: %s", err)
	}
	requirePorts(t, func(yield func(netip.AddrPort) bool) {
		for _, l := range ls {
			if !yield(l.Addr) {
				return
			}
		}
	})

	for _, l := range ls {
		if l.Addr.Port() == ipv6.Port() && l.Addr.Addr().Is6() {
			require.Equal(t, netip.IPv6Loopback(), l.Addr.Addr())
		}
		if l.Addr.Port() == ipv4.Port() && l.Addr.Addr().Is4() {
			require.Equal(t, ipv4.Addr(), l.Addr.Addr())
			require.Equal(t, uint32(os.Getuid()), l.UID)
			require.NotZero(t, l.Inode)
		}
	}

	on := netscan.ListenersOn(ipv4.Port())
	require.NotEmpty(t, on)
	for _, l := range on {
		require.Equal(t, ipv4.Port(), l.Addr.Port())
	}
}

func TestListeningAndWaitFree(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	require.True(t, netscan.Listening(t.Context(), port))
	err = netscan.WaitFree(t.Context(), port, 200*time.Millisecond)
	require.ErrorIs(t, err, netscan.ErrPortBusy)

	require.NoError(t, ln.Close())
	require.NoError(t, netscan.WaitFree(t.Context(), port, 2*time.Second))
	require.False(t, netscan.Listening(t.Context(), port))
}

func requirePorts(t *testing.T, seq iter.Seq[netip.AddrPort]) {
	t.Helper()
	var ipv4Port bool
	var ipv6Port bool
	for ap := range seq {
		if ap.Port() == ipv4.Port() {
			ipv4Port = true
		}
		if ap.Port() == ipv6.Port() {
			ipv6Port = true
		}
	}
	require.Truef(t, ipv4Port, "ipv4 port :%d was not seen", ipv4.Port())
	require.Truef(t, ipv6Port, "ipv6 port :%d was not seen", ipv6.Port())
}
