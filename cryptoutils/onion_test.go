package cryptoutils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropmesh/dropmesh/interfaces"
)

func TestWrapPeelSingleHop(t *testing.T) {
	relayPub, relayPriv, err := GenerateNodeKeypair()
	require.NoError(t, err)

	payload := []byte("fragment-bytes")
	blob, err := WrapRoute(payload, []RouteHop{{Relay: relayPub}})
	require.NoError(t, err)

	cmd, next, inner, err := PeelLayer(blob, relayPriv)
	require.NoError(t, err)
	assert.Equal(t, RelayStore, cmd, "Single hop is the final carrier")
	assert.Empty(t, next)
	assert.Equal(t, payload, inner)
}

func TestWrapPeelThreeHops(t *testing.T) {
	type hopKeys struct {
		pub  interfaces.NodeKey
		priv interfaces.NodePrivateKey
	}

	hops := make([]hopKeys, 3)
	route := make([]RouteHop, 3)
	for i := range hops {
		pub, priv, err := GenerateNodeKeypair()
		require.NoError(t, err)
		hops[i] = hopKeys{pub, priv}
		route[i] = RouteHop{Relay: pub, Next: "handle-" + string(rune('a'+i+1))}
	}
	route[2].Next = "" // final hop stores

	payload := []byte("innermost-fragment")
	blob, err := WrapRoute(payload, route)
	require.NoError(t, err)

	// Hop 0 forwards, learning only the next handle.
	cmd, next, inner, err := PeelLayer(blob, hops[0].priv)
	require.NoError(t, err)
	assert.Equal(t, RelayForward, cmd)
	assert.Equal(t, "handle-b", next)
	assert.NotContains(t, string(inner), "innermost", "Relay must not see the plaintext")

	// Hop 1 forwards again.
	cmd, next, inner, err = PeelLayer(inner, hops[1].priv)
	require.NoError(t, err)
	assert.Equal(t, RelayForward, cmd)
	assert.Equal(t, "handle-c", next)

	// Hop 2 stores and sees the original payload.
	cmd, _, inner, err = PeelLayer(inner, hops[2].priv)
	require.NoError(t, err)
	assert.Equal(t, RelayStore, cmd)
	assert.Equal(t, payload, inner)
}

func TestPeelWrongRelay(t *testing.T) {
	relayPub, _, err := GenerateNodeKeypair()
	require.NoError(t, err)
	_, otherPriv, err := GenerateNodeKeypair()
	require.NoError(t, err)

	blob, err := WrapRoute([]byte("payload"), []RouteHop{{Relay: relayPub}})
	require.NoError(t, err)

	_, _, _, err = PeelLayer(blob, otherPriv)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed, "A non-addressed relay must not peel the layer")
}

func TestWrapRouteValidation(t *testing.T) {
	_, err := WrapRoute([]byte("payload"), nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "Empty route should be rejected")

	relayPub, _, err := GenerateNodeKeypair()
	require.NoError(t, err)
	otherPub, _, err := GenerateNodeKeypair()
	require.NoError(t, err)

	// Forwarding hop without a next handle.
	_, err = WrapRoute([]byte("payload"), []RouteHop{{Relay: relayPub}, {Relay: otherPub}})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "Forwarding hop needs a next handle")
}

func TestDeriveOwnerKeyDeterministic(t *testing.T) {
	keyA := DeriveOwnerKey([]byte("passphrase"), []byte("salt-value-0001"))
	keyB := DeriveOwnerKey([]byte("passphrase"), []byte("salt-value-0001"))
	keyC := DeriveOwnerKey([]byte("passphrase"), []byte("salt-value-0002"))

	assert.Equal(t, keyA, keyB, "Same passphrase and salt should derive the same key")
	assert.NotEqual(t, keyA, keyC, "Different salt should derive a different key")
	assert.Len(t, keyA, 32)
}

func TestRelayLayerNotLinkable(t *testing.T) {
	relayPub, _, err := GenerateNodeKeypair()
	require.NoError(t, err)

	// Wrapping the same payload twice yields unrelated blobs (fresh
	// ephemeral key and nonce per layer).
	payload, err := SealFragment(interfaces.Share{Index: 1, Payload: []byte("share")},
		interfaces.NewDropID(), time.Now().Add(time.Hour), 0, relayPub)
	require.NoError(t, err)
	encoded, err := payload.Encode()
	require.NoError(t, err)

	blobA, err := WrapRoute(encoded, []RouteHop{{Relay: relayPub}})
	require.NoError(t, err)
	blobB, err := WrapRoute(encoded, []RouteHop{{Relay: relayPub}})
	require.NoError(t, err)

	assert.NotEqual(t, blobA, blobB, "Re-wrapped blobs must not be linkable")
}
