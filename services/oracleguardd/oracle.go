package oracleguardd

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"mintedbridge/ledger"
)

// priceScale is the oracle's fixed-point denominator.
var priceScale = big.NewInt(100_000_000)

// LedgerOracle drives a price oracle contract through the ledger client.
// Read calls return two 32-byte words, price then last-update timestamp, with
// prices scaled by 1e8.
type LedgerOracle struct {
	client    ledger.Client
	contract  common.Address
	readSel   []byte
	unsafeSel []byte
	resetSel  []byte
	gasLimit  uint64
}

// LedgerOracleConfig configures the contract binding.
type LedgerOracleConfig struct {
	Contract       common.Address
	ReadSelector   []byte
	UnsafeSelector []byte
	ResetSelector  []byte
	GasLimit       uint64
}

// NewLedgerOracle validates the binding and wraps the client.
func NewLedgerOracle(client ledger.Client, cfg LedgerOracleConfig) (*LedgerOracle, error) {
	if client == nil {
		return nil, fmt.Errorf("oracleguardd: ledger client required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("oracleguardd: oracle contract required")
	}
	for name, sel := range map[string][]byte{
		"read":   cfg.ReadSelector,
		"unsafe": cfg.UnsafeSelector,
		"reset":  cfg.ResetSelector,
	} {
		if len(sel) != 4 {
			return nil, fmt.Errorf("oracleguardd: %s selector must be 4 bytes", name)
		}
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 200_000
	}
	return &LedgerOracle{
		client:    client,
		contract:  cfg.Contract,
		readSel:   cfg.ReadSelector,
		unsafeSel: cfg.UnsafeSelector,
		resetSel:  cfg.ResetSelector,
		gasLimit:  cfg.GasLimit,
	}, nil
}

// ReadPrice returns the breaker-guarded price. A revert here means the
// breaker has fired.
func (o *LedgerOracle) ReadPrice(ctx context.Context, asset string) (PriceReading, error) {
	return o.read(ctx, o.readSel, asset)
}

// ReadUnsafePrice bypasses the breaker and returns the last known price.
func (o *LedgerOracle) ReadUnsafePrice(ctx context.Context, asset string) (PriceReading, error) {
	return o.read(ctx, o.unsafeSel, asset)
}

func (o *LedgerOracle) read(ctx context.Context, selector []byte, asset string) (PriceReading, error) {
	data := append(append([]byte{}, selector...), assetWord(asset)...)
	raw, err := o.client.ReadState(ctx, o.contract, data)
	if err != nil {
		return PriceReading{}, fmt.Errorf("oracleguardd: read %s: %w", asset, err)
	}
	if len(raw) < 64 {
		return PriceReading{}, fmt.Errorf("oracleguardd: short oracle response for %s", asset)
	}
	price := new(big.Float).SetInt(new(big.Int).SetBytes(raw[:32]))
	price.Quo(price, new(big.Float).SetInt(priceScale))
	value, _ := price.Float64()
	return PriceReading{
		Price:      value,
		LastUpdate: new(big.Int).SetBytes(raw[32:64]).Uint64(),
	}, nil
}

// SubmitReset writes price back as the oracle's last known value and clears
// the breaker.
func (o *LedgerOracle) SubmitReset(ctx context.Context, asset string, price float64) error {
	scaled, _ := new(big.Float).Mul(big.NewFloat(price), new(big.Float).SetInt(priceScale)).Int(nil)
	word := make([]byte, 32)
	scaled.FillBytes(word)
	data := append(append([]byte{}, o.resetSel...), assetWord(asset)...)
	data = append(data, word...)
	receipt, err := o.client.SubmitTransaction(ctx, ledger.Op{
		Contract: o.contract,
		Data:     data,
		GasLimit: o.gasLimit,
	})
	if err != nil {
		return err
	}
	if receipt != nil && receipt.Reverted {
		return fmt.Errorf("oracleguardd: reset reverted for %s", asset)
	}
	return nil
}

func assetWord(asset string) []byte {
	word := make([]byte, 32)
	copy(word, strings.ToUpper(strings.TrimSpace(asset)))
	return word
}
