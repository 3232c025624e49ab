package sharing

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absfs/credvault"
	"github.com/absfs/credvault/peer"
	"github.com/absfs/credvault/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Full stack: websocket relay for negotiation, QUIC between the peers
func TestShare_OverRelayAndQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("network test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	relay := signaling.NewRelay(signaling.RelayConfig{
		Authenticate: func(token string) bool { return token == "t0ken" },
	})
	relay.Start()
	srv := httptest.NewServer(relay)
	defer relay.Stop()
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	peerCfg := peer.Config{ListenAddr: "127.0.0.1:0", CloseGrace: 100 * time.Millisecond}

	sharerClient, err := signaling.Dial(ctx, url, signaling.DialOptions{Token: "t0ken"})
	require.NoError(t, err)
	receiverClient, err := signaling.Dial(ctx, url, signaling.DialOptions{Token: "t0ken"})
	require.NoError(t, err)

	owner := newOwnerKeys(t)
	grants := newMemGrants()

	s, err := NewSharer(owner, grants, NewSignalingTransport(sharerClient, peerCfg), testConfig())
	require.NoError(t, err)
	r, err := NewReceiver("laptop@example.com", []byte("laptop-pw"), NewSignalingTransport(receiverClient, peerCfg), testConfig())
	require.NoError(t, err)

	so, rres, rerr := runShare(t, s, r)
	require.NoError(t, so.err)
	require.NoError(t, rerr)
	assert.Equal(t, "laptop@example.com", so.result.Identity)

	opened, err := credvault.OpenGrant(rres.Grant, []byte("laptop-pw"), nil)
	require.NoError(t, err)
	want, _ := owner.ExportKey()
	got, _ := opened.ExportKey()
	assert.True(t, bytes.Equal(want, got))
}
