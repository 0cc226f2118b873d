package bridge_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"mintedbridge/native/bridge"
)

func signDigest(t *testing.T, set *signerSet, digest common.Hash) [][]byte {
	t.Helper()
	sigs := make([][]byte, 0, len(set.keys))
	for _, key := range set.keys {
		sig, err := ethcrypto.Sign(digest.Bytes(), key)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestVerifyQuorumAndOrdering(t *testing.T) {
	set := newSignerSet(t, 3)
	verifier, err := bridge.NewSignatureVerifier(set.addrs, 2)
	require.NoError(t, err)
	digest := common.HexToHash("0xfeed")
	sigs := signDigest(t, set, digest)

	require.NoError(t, verifier.Verify(digest, sigs))
	require.NoError(t, verifier.Verify(digest, sigs[:2]))

	err = verifier.Verify(digest, sigs[:1])
	require.ErrorIs(t, err, bridge.ErrInsufficientSignatures)

	// Swapping two entries breaks the strict ascending order.
	swapped := [][]byte{sigs[1], sigs[0], sigs[2]}
	err = verifier.Verify(digest, swapped)
	require.ErrorIs(t, err, bridge.ErrUnsortedSignatures)
}

func TestVerifyDuplicateSignerRejectedRegardlessOfCount(t *testing.T) {
	set := newSignerSet(t, 3)
	verifier, err := bridge.NewSignatureVerifier(set.addrs, 2)
	require.NoError(t, err)
	digest := common.HexToHash("0xbeef")
	sigs := signDigest(t, set, digest)

	padded := [][]byte{sigs[0], sigs[0], sigs[1], sigs[2]}
	err = verifier.Verify(digest, padded)
	require.ErrorIs(t, err, bridge.ErrUnsortedSignatures)
}

func TestVerifyUnauthorizedSigner(t *testing.T) {
	set := newSignerSet(t, 2)
	outsider := newSignerSet(t, 1)
	verifier, err := bridge.NewSignatureVerifier(set.addrs, 1)
	require.NoError(t, err)
	digest := common.HexToHash("0xabcd")

	sigs := signDigest(t, outsider, digest)
	err = verifier.Verify(digest, sigs)
	require.ErrorIs(t, err, bridge.ErrUnauthorizedSigner)
}

func TestValidatorRegistry(t *testing.T) {
	set := newSignerSet(t, 3)
	verifier, err := bridge.NewSignatureVerifier(set.addrs, 2)
	require.NoError(t, err)

	extra := newSignerSet(t, 1)
	require.NoError(t, verifier.AddValidator(extra.addrs[0]))
	require.True(t, verifier.IsValidator(extra.addrs[0]))
	require.Len(t, verifier.Validators(), 4)

	require.NoError(t, verifier.RemoveValidator(extra.addrs[0]))
	require.NoError(t, verifier.RemoveValidator(set.addrs[0]))
	// A further removal would shrink the set below the quorum of 2.
	err = verifier.RemoveValidator(set.addrs[1])
	require.Error(t, err)
}
