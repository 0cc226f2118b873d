package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

const (
	defaultCallTimeout  = 15 * time.Second
	defaultMineTimeout  = 2 * time.Minute
	defaultMinePoll     = 3 * time.Second
	defaultQueryRate    = 10
	defaultMaxBlockSpan = 5_000
	defaultGasLimit     = 500_000
)

// EVMConfig configures the EVM-backed ledger client.
type EVMConfig struct {
	RPCURL       string
	ChainID      *big.Int
	SignerKey    *ecdsa.PrivateKey
	CallTimeout  time.Duration
	MineTimeout  time.Duration
	MaxBlockSpan uint64
	QueryRate    int
}

// EVMClient implements Client against an Ethereum-compatible JSON-RPC node.
// Log queries are throttled so batch scans cannot starve the endpoint.
type EVMClient struct {
	eth          *ethclient.Client
	chainID      *big.Int
	signer       *ecdsa.PrivateKey
	from         common.Address
	callTimeout  time.Duration
	mineTimeout  time.Duration
	maxBlockSpan uint64
	queryLimiter *rate.Limiter
}

// DialEVM connects to the configured endpoint and verifies the chain id.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVMClient, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, fmt.Errorf("ledger: rpc url required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	eth, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", endpoint, err)
	}
	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("ledger: query chain id: %w", err)
	}
	if remote.Cmp(cfg.ChainID) != 0 {
		eth.Close()
		return nil, fmt.Errorf("ledger: chain id mismatch: node reports %s, configured %s", remote, cfg.ChainID)
	}
	client := &EVMClient{
		eth:          eth,
		chainID:      new(big.Int).Set(cfg.ChainID),
		signer:       cfg.SignerKey,
		callTimeout:  cfg.CallTimeout,
		mineTimeout:  cfg.MineTimeout,
		maxBlockSpan: cfg.MaxBlockSpan,
	}
	if client.signer != nil {
		client.from = ethcrypto.PubkeyToAddress(client.signer.PublicKey)
	}
	if client.callTimeout <= 0 {
		client.callTimeout = defaultCallTimeout
	}
	if client.mineTimeout <= 0 {
		client.mineTimeout = defaultMineTimeout
	}
	if client.maxBlockSpan == 0 {
		client.maxBlockSpan = defaultMaxBlockSpan
	}
	qps := cfg.QueryRate
	if qps <= 0 {
		qps = defaultQueryRate
	}
	client.queryLimiter = rate.NewLimiter(rate.Limit(qps), qps)
	return client, nil
}

// Close releases the underlying RPC connection.
func (c *EVMClient) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// From returns the submitting address derived from the signer key.
func (c *EVMClient) From() common.Address { return c.from }

// SubmitTransaction signs, broadcasts, and waits for the operation to mine.
// A mined-but-reverted transaction is returned as a RevertError so callers
// can distinguish permanent rejection from transport trouble.
func (c *EVMClient) SubmitTransaction(ctx context.Context, op Op) (*Receipt, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("ledger: no signer key configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(callCtx, c.from)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, fmt.Errorf("ledger: suggest gas price: %w", err)
	}
	gasLimit := op.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	value := op.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &op.Contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     op.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.signer)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(callCtx, signed); err != nil {
		return nil, fmt.Errorf("ledger: broadcast: %w", err)
	}
	return c.waitMined(ctx, signed.Hash())
}

func (c *EVMClient) waitMined(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	deadline, cancel := context.WithTimeout(ctx, c.mineTimeout)
	defer cancel()
	ticker := time.NewTicker(defaultMinePoll)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(deadline, txHash)
		if err == nil && receipt != nil {
			out := &Receipt{
				TxHash:  txHash,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				out.Reverted = true
				return out, &RevertError{TxHash: txHash}
			}
			return out, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("ledger: poll receipt: %w", err)
		}
		select {
		case <-deadline.Done():
			return nil, fmt.Errorf("ledger: transaction %s not mined: %w", txHash.Hex(), deadline.Err())
		case <-ticker.C:
		}
	}
}

// QueryEvents fetches logs for a single event signature over a bounded block
// range. Ranges wider than the configured span are rejected so callers must
// chunk their scans.
func (c *EVMClient) QueryEvents(ctx context.Context, contract common.Address, eventSig common.Hash, fromBlock, toBlock uint64) ([]Event, error) {
	if toBlock < fromBlock {
		return nil, fmt.Errorf("ledger: invalid range [%d, %d]", fromBlock, toBlock)
	}
	if toBlock-fromBlock > c.maxBlockSpan {
		return nil, fmt.Errorf("ledger: range [%d, %d] exceeds max span %d", fromBlock, toBlock, c.maxBlockSpan)
	}
	if err := c.queryLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	logs, err := c.eth.FilterLogs(callCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{eventSig}},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: filter logs: %w", err)
	}
	events := make([]Event, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		events = append(events, Event{
			Contract:    entry.Address,
			BlockNumber: entry.BlockNumber,
			TxHash:      entry.TxHash,
			Topics:      append([]common.Hash{}, entry.Topics...),
			Data:        append([]byte{}, entry.Data...),
		})
	}
	return events, nil
}

// SubscribeEvents attaches a live log subscription for one event signature
// and pumps matching logs into sink as Events. It requires a websocket or IPC
// endpoint; plain HTTP endpoints return an error and callers fall back to
// polling. The handle satisfies Subscription.
func (c *EVMClient) SubscribeEvents(ctx context.Context, contract common.Address, eventSig common.Hash, sink chan<- Event) (Subscription, error) {
	logs := make(chan gethtypes.Log, 64)
	inner, err := c.eth.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{eventSig}},
	}, logs)
	if err != nil {
		return nil, fmt.Errorf("ledger: subscribe logs: %w", err)
	}
	sub := &logSubscription{Subscription: inner, done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case entry := <-logs:
				if entry.Removed {
					continue
				}
				evt := Event{
					Contract:    entry.Address,
					BlockNumber: entry.BlockNumber,
					TxHash:      entry.TxHash,
					Topics:      append([]common.Hash{}, entry.Topics...),
					Data:        append([]byte{}, entry.Data...),
				}
				select {
				case sink <- evt:
				case <-ctx.Done():
					return
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub, nil
}

// logSubscription releases the pump goroutine together with the underlying
// go-ethereum handle. Unsubscribe is idempotent.
type logSubscription struct {
	ethereum.Subscription
	done chan struct{}
	once sync.Once
}

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
	s.Subscription.Unsubscribe()
}

// ReadState performs a read-only contract call at the latest block.
func (c *EVMClient) ReadState(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call contract: %w", err)
	}
	return out, nil
}

// BlockNumber returns the current head height.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	head, err := c.eth.BlockNumber(callCtx)
	if err != nil {
		return 0, fmt.Errorf("ledger: block number: %w", err)
	}
	return head, nil
}

// GasPrice returns the node's suggested gas price.
func (c *EVMClient) GasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	price, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, fmt.Errorf("ledger: gas price: %w", err)
	}
	return price, nil
}
