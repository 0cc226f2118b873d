package bridged

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"mintedbridge/native/bridge"
	"mintedbridge/observability"
)

// AttestationGateway accepts validator attestations over HTTP and feeds them
// to the processor. It is the ingest side of the bridge: the relay consumes
// the supply cap the processor maintains.
type AttestationGateway struct {
	processor *bridge.Processor
	metrics   *observability.BridgeMetrics
	logger    *slog.Logger
}

// NewAttestationGateway wraps the processor.
func NewAttestationGateway(processor *bridge.Processor, metrics *observability.BridgeMetrics, logger *slog.Logger) (*AttestationGateway, error) {
	if processor == nil {
		return nil, fmt.Errorf("bridged: attestation processor required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AttestationGateway{
		processor: processor,
		metrics:   metrics,
		logger:    logger.With("component", "attest"),
	}, nil
}

type attestationRequest struct {
	ID         string   `json:"id"`
	AssetValue string   `json:"asset_value"`
	Nonce      uint64   `json:"nonce"`
	Timestamp  uint64   `json:"timestamp"`
	Entropy    string   `json:"entropy"`
	StateHash  string   `json:"state_hash"`
	Signatures []string `json:"signatures"`
}

type attestationResponse struct {
	Accepted     bool   `json:"accepted"`
	NewSupplyCap string `json:"new_supply_cap"`
}

// ServeHTTP handles POST /attestations.
func (g *AttestationGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req attestationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	att, err := req.toAttestation()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := g.processor.Process(att)
	if err != nil {
		if bridge.IsValidationError(err) {
			reason := bridge.ReasonCode(err)
			if g.metrics != nil {
				g.metrics.Attestations.WithLabelValues("rejected").Inc()
				g.metrics.ValidationFailures.WithLabelValues(reason).Inc()
			}
			g.logger.Warn("attestation rejected", "nonce", att.Nonce, "reason", reason)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
			return
		}
		if g.metrics != nil {
			g.metrics.Attestations.WithLabelValues("error").Inc()
		}
		http.Error(w, "attestation processing failed", http.StatusInternalServerError)
		return
	}

	if g.metrics != nil {
		g.metrics.Attestations.WithLabelValues("accepted").Inc()
	}
	g.logger.Info("attestation accepted", "nonce", att.Nonce, "new_supply_cap", result.NewSupplyCap.String())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(attestationResponse{
		Accepted:     result.Accepted,
		NewSupplyCap: result.NewSupplyCap.String(),
	})
}

func (r attestationRequest) toAttestation() (*bridge.Attestation, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(r.AssetValue), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("bridged: asset_value must be a non-negative decimal")
	}
	signatures := make([][]byte, 0, len(r.Signatures))
	for i, raw := range r.Signatures {
		decoded, err := hexutil.Decode(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("bridged: signatures[%d]: %w", i, err)
		}
		signatures = append(signatures, decoded)
	}
	return &bridge.Attestation{
		ID:         common.HexToHash(r.ID),
		AssetValue: value,
		Nonce:      r.Nonce,
		Timestamp:  r.Timestamp,
		Entropy:    common.HexToHash(r.Entropy),
		StateHash:  common.HexToHash(r.StateHash),
		Signatures: signatures,
	}, nil
}
