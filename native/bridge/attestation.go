package bridge

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Attestation is a signed claim about external-ledger state submitted to
// authorise a local supply-cap change. Instances are immutable once created;
// validators produce them off-ledger and they are submitted exactly once.
type Attestation struct {
	ID         common.Hash
	AssetValue *big.Int
	Nonce      uint64
	Timestamp  uint64
	Entropy    common.Hash
	StateHash  common.Hash
	Signatures [][]byte
}

// ComputeID derives the content-bound identifier from the attestation fields.
// A reused id is a replay attempt; a mismatching id is tampering.
func (a *Attestation) ComputeID(chainID uint64, contract common.Address) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(a.canonicalFields(chainID, contract)))
}

// SigningDigest is the canonical digest validators sign: the id followed by the
// same field encoding the id commits to.
func (a *Attestation) SigningDigest(chainID uint64, contract common.Address) common.Hash {
	payload := make([]byte, 0, 32+32+32+8+8+32+32+8+20)
	payload = append(payload, a.ID.Bytes()...)
	payload = append(payload, a.canonicalFields(chainID, contract)...)
	return common.BytesToHash(ethcrypto.Keccak256(payload))
}

func (a *Attestation) canonicalFields(chainID uint64, contract common.Address) []byte {
	value := a.AssetValue
	if value == nil {
		value = new(big.Int)
	}
	buf := make([]byte, 0, 32+8+8+32+32+8+20)
	buf = append(buf, common.BigToHash(value).Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, a.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, a.Timestamp)
	buf = append(buf, a.Entropy.Bytes()...)
	buf = append(buf, a.StateHash.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, chainID)
	buf = append(buf, contract.Bytes()...)
	return buf
}

// Validate performs structural checks that do not depend on processor state.
func (a *Attestation) Validate() error {
	if a == nil {
		return fmt.Errorf("bridge: attestation required")
	}
	if a.AssetValue == nil || a.AssetValue.Sign() < 0 {
		return fmt.Errorf("bridge: asset value must be non-negative")
	}
	if len(a.Signatures) == 0 {
		return fmt.Errorf("bridge: at least one signature required")
	}
	for i, sig := range a.Signatures {
		if len(sig) != ethcrypto.SignatureLength {
			return fmt.Errorf("bridge: signature %d must be %d bytes", i, ethcrypto.SignatureLength)
		}
	}
	return nil
}
