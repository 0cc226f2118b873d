package recond

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mintedbridge/alerts"
	"mintedbridge/ledger"
	"mintedbridge/observability"
	"mintedbridge/observability/logging"
	telemetry "mintedbridge/observability/otel"
)

// Main initialises and runs the reconciliation keeper.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/recond/config.yaml", "path to recond configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("MINTED_ENV"))
	var logOpts []logging.Option
	if cfg.Log.Path != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(cfg.Log.Path, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups))
	}
	logger := logging.Setup("recond", env, logOpts...)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "recond",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	signerKey, err := ethcrypto.HexToECDSA(strings.TrimPrefix(cfg.Ledger.SignerKey, "0x"))
	if err != nil {
		return fmt.Errorf("decode signer key: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := ledger.DialEVM(dialCtx, ledger.EVMConfig{
		RPCURL:       cfg.Ledger.Endpoint,
		ChainID:      big.NewInt(cfg.Ledger.ChainID),
		SignerKey:    signerKey,
		MaxBlockSpan: cfg.Ledger.MaxBlockSpan,
		QueryRate:    cfg.Ledger.QueryRate,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer client.Close()

	positionSel, _ := decodeSelector(cfg.Debt.PositionSelector)
	correctionSel, _ := decodeSelector(cfg.Debt.CorrectionSelector)
	var gasCeiling *big.Int
	if cfg.Debt.GasCeilingGwei > 0 {
		gasCeiling = new(big.Int).Mul(new(big.Int).SetUint64(cfg.Debt.GasCeilingGwei), big.NewInt(1_000_000_000))
	}
	sink := alerts.NewWebhookSink(cfg.AlertWebhook, logger)
	keeper, err := NewKeeper(client, KeeperConfig{
		DebtContract:       common.HexToAddress(cfg.Debt.Contract),
		CorrectionContract: common.HexToAddress(cfg.Debt.CorrectionContract),
		OpenedEvent:        common.HexToHash(cfg.Debt.OpenedEvent),
		RepaidEvent:        common.HexToHash(cfg.Debt.RepaidEvent),
		ForceAdjustedEvent: common.HexToHash(cfg.Debt.ForceAdjustedEvent),
		DriftEvent:         common.HexToHash(cfg.Debt.DriftEvent),
		PositionSelector:   positionSel,
		CorrectionSelector: correctionSel,
		StartBlock:         cfg.Debt.StartBlock,
		BatchSize:          cfg.Debt.BatchSize,
		GasCeilingWei:      gasCeiling,
		GasLimit:           cfg.Debt.GasLimit,
	}, observability.Recon(), logger, WithAlerts(sink))
	if err != nil {
		return fmt.Errorf("init keeper: %w", err)
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"last_indexed_block": keeper.LastIndexedBlock(),
			"known_borrowers":    keeper.KnownBorrowers(),
		})
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(router, "recond"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)
	go func() {
		log.Printf("recond listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- keeper.Run(stopCtx, cfg.PollInterval.Duration)
	}()

	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return err
	}
	return nil
}
