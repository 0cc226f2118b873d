package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Op describes a transaction to submit against a ledger contract.
type Op struct {
	Contract common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Receipt summarises a mined submission.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Reverted    bool
}

// Event is a decoded log entry returned from QueryEvents.
type Event struct {
	Contract    common.Address
	Name        string
	BlockNumber uint64
	TxHash      common.Hash
	Topics      []common.Hash
	Data        []byte
}

// Client is the ledger surface the relay and keepers consume. Implementations
// must honour context deadlines on every call; a hung RPC endpoint is treated
// as a transient failure by callers.
type Client interface {
	SubmitTransaction(ctx context.Context, op Op) (*Receipt, error)
	QueryEvents(ctx context.Context, contract common.Address, eventSig common.Hash, fromBlock, toBlock uint64) ([]Event, error)
	ReadState(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

// RevertError marks a permanent on-ledger rejection. Reverts are never
// retried; they are surfaced and investigated manually.
type RevertError struct {
	TxHash common.Hash
	Reason string
}

func (e *RevertError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "execution reverted"
	}
	return "ledger: " + reason + " (" + e.TxHash.Hex() + ")"
}

// IsRevert reports whether the error chain contains a ledger revert.
func IsRevert(err error) bool {
	var revert *RevertError
	return errors.As(err, &revert)
}

// IsTransient reports whether an error should be retried with backoff.
// Anything that is not a definitive revert is assumed retryable; timeouts,
// connection resets, and rate-limit responses all fall here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsRevert(err)
}
