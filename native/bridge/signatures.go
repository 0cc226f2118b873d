package bridge

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureVerifier validates validator signature sets over a canonical digest.
// Signatures must be sorted by ascending recovered signer address; the strict
// ordering doubles as duplicate-signer detection.
type SignatureVerifier struct {
	mu            sync.RWMutex
	validators    map[common.Address]struct{}
	minSignatures int
}

// NewSignatureVerifier constructs a verifier over the supplied validator set.
func NewSignatureVerifier(validators []common.Address, minSignatures int) (*SignatureVerifier, error) {
	if minSignatures < 1 {
		return nil, fmt.Errorf("bridge: min signatures must be at least 1")
	}
	if len(validators) < minSignatures {
		return nil, fmt.Errorf("bridge: validator set smaller than quorum %d", minSignatures)
	}
	registry := make(map[common.Address]struct{}, len(validators))
	for _, v := range validators {
		if (v == common.Address{}) {
			return nil, fmt.Errorf("bridge: zero validator address")
		}
		if _, exists := registry[v]; exists {
			return nil, fmt.Errorf("bridge: duplicate validator %s", v.Hex())
		}
		registry[v] = struct{}{}
	}
	return &SignatureVerifier{validators: registry, minSignatures: minSignatures}, nil
}

// Verify recovers every signer from the 65-byte signatures and enforces strict
// ascending signer ordering, quorum, and validator registration.
func (v *SignatureVerifier) Verify(digest common.Hash, signatures [][]byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var prev common.Address
	recovered := make([]common.Address, 0, len(signatures))
	for i, sig := range signatures {
		if len(sig) != ethcrypto.SignatureLength {
			return fmt.Errorf("%w: signature %d is %d bytes", ErrUnsortedSignatures, i, len(sig))
		}
		pubKey, err := ethcrypto.SigToPub(digest.Bytes(), sig)
		if err != nil {
			return fmt.Errorf("%w: signature %d unrecoverable", ErrUnauthorizedSigner, i)
		}
		signer := ethcrypto.PubkeyToAddress(*pubKey)
		if i > 0 && bytes.Compare(signer.Bytes(), prev.Bytes()) <= 0 {
			return ErrUnsortedSignatures
		}
		prev = signer
		recovered = append(recovered, signer)
	}
	if len(recovered) < v.minSignatures {
		return ErrInsufficientSignatures
	}
	for _, signer := range recovered {
		if _, ok := v.validators[signer]; !ok {
			return fmt.Errorf("%w: %s", ErrUnauthorizedSigner, signer.Hex())
		}
	}
	return nil
}

// IsValidator reports whether the address is registered.
func (v *SignatureVerifier) IsValidator(addr common.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.validators[addr]
	return ok
}

// AddValidator registers a new validator address.
func (v *SignatureVerifier) AddValidator(addr common.Address) error {
	if (addr == common.Address{}) {
		return fmt.Errorf("bridge: zero validator address")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.validators[addr]; exists {
		return fmt.Errorf("bridge: validator %s already registered", addr.Hex())
	}
	v.validators[addr] = struct{}{}
	return nil
}

// RemoveValidator deregisters a validator. Removal below the quorum size is
// rejected so the verifier can never enter an unsatisfiable state.
func (v *SignatureVerifier) RemoveValidator(addr common.Address) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.validators[addr]; !exists {
		return fmt.Errorf("bridge: validator %s not registered", addr.Hex())
	}
	if len(v.validators)-1 < v.minSignatures {
		return fmt.Errorf("bridge: removal would shrink validator set below quorum %d", v.minSignatures)
	}
	delete(v.validators, addr)
	return nil
}

// Validators returns a sorted snapshot of the registered validator set.
func (v *SignatureVerifier) Validators() []common.Address {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]common.Address, 0, len(v.validators))
	for addr := range v.validators {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

// MinSignatures returns the configured quorum size.
func (v *SignatureVerifier) MinSignatures() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.minSignatures
}
