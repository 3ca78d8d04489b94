package groupenc

import (
	"context"
	"testing"

	"github.com/dnamesh/dnamessenger/crypto"
	"github.com/stretchr/testify/require"
)

func freshIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	mnemonic, err := crypto.GenerateMnemonic()
	require.NoError(t, err)
	seed, err := crypto.SeedFromMnemonic(mnemonic, "")
	require.NoError(t, err)
	id, err := crypto.DeriveIdentity(seed)
	require.NoError(t, err)
	return id
}

// staticKEMResolver resolves each fingerprint to the KEM pubkey stored
// for it in the map (nil for an unknown fingerprint), sufficient for
// tests with a fixed set of participants.
type staticKEMResolver map[crypto.Fingerprint][]byte

func (r staticKEMResolver) ResolveKEMPubkey(_ context.Context, fp crypto.Fingerprint) ([]byte, error) {
	return r[fp], nil
}
