package bridged

import (
	"context"
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mintedbridge/alerts"
	"mintedbridge/ledger"
	"mintedbridge/native/bridge"
	"mintedbridge/observability"
	"mintedbridge/observability/logging"
	telemetry "mintedbridge/observability/otel"
	"mintedbridge/services/bridged/storage"
)

// Main initialises and runs the relay daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/bridged/config.yaml", "path to bridged configuration")
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
	logger := logging.Setup("bridged", env, logOpts...)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "bridged",
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

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open transfer history: %w", err)
	}

	metrics := observability.Bridge()
	sink := alerts.NewWebhookSink(cfg.AlertWebhook, logger)
	guard := NewAnomalyGuard(cfg.AnomalyThreshold, sink, metrics)
	health := NewDirectionHealthTracker(cfg.Health.SoftThreshold, cfg.Health.HardThreshold, metrics)
	idem := NewIdempotencyStore(
		WithIdempotencyTTL(cfg.Idempotency.TTL.Duration),
		WithIdempotencyCap(cfg.Idempotency.MaxEntries),
	)

	scanners := make([]Scanner, 0, len(cfg.Sources))
	for _, source := range cfg.Sources {
		selector, err := source.selectorBytes()
		if err != nil {
			return fmt.Errorf("source %s: %w", source.Direction, err)
		}
		gasLimit := source.DestGasLimit
		if gasLimit == 0 {
			gasLimit = cfg.Ledger.GasLimit
		}
		scanner, err := NewEventScanner(client, SourceSpec{
			Direction:      source.Direction,
			Contract:       common.HexToAddress(source.Contract),
			EventSignature: common.HexToHash(source.EventSignature),
			StartBlock:     source.StartBlock,
			Confirmations:  source.Confirmations,
			BatchSize:      source.BatchSize,
			DestContract:   common.HexToAddress(source.DestContract),
			DestSelector:   selector,
			DestGasLimit:   gasLimit,
		})
		if err != nil {
			return fmt.Errorf("source %s: %w", source.Direction, err)
		}
		scanners = append(scanners, scanner)
	}

	orchestrator, err := NewOrchestrator(client, NewMultiScanner(scanners...), guard, health, idem, metrics, logger,
		WithPollInterval(cfg.PollInterval.Duration),
		WithMaxAttempts(cfg.MaxAttempts),
		WithRetryBackoff(cfg.RetryBackoff.Duration, cfg.RetryBackoffMax.Duration),
		WithSubmitTimeout(cfg.SubmitTimeout.Duration),
		WithHistory(store),
		WithAlerts(sink),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	if cfg.PauseOnStart {
		orchestrator.Pause()
	}

	var attestGateway *AttestationGateway
	if cfg.Attestation.Enabled {
		validators := make([]common.Address, 0, len(cfg.Attestation.Validators))
		for _, raw := range cfg.Attestation.Validators {
			validators = append(validators, common.HexToAddress(raw))
		}
		verifier, err := bridge.NewSignatureVerifier(validators, cfg.Attestation.MinSignatures)
		if err != nil {
			return fmt.Errorf("init signature verifier: %w", err)
		}
		var replayOpts []bridge.ReplayGuardOption
		if cfg.Attestation.ArchivePath != "" {
			archive, err := bridge.OpenReplayArchive(cfg.Attestation.ArchivePath)
			if err != nil {
				return fmt.Errorf("open replay archive: %w", err)
			}
			defer archive.Close()
			replayOpts = append(replayOpts, bridge.WithReplayArchive(archive))
		}
		replay, err := bridge.NewReplayGuard(replayOpts...)
		if err != nil {
			return fmt.Errorf("init replay guard: %w", err)
		}
		minuteCap, err := parseCap(cfg.Attestation.Limits.MinuteAmountCap)
		if err != nil {
			return fmt.Errorf("attestation minute cap: %w", err)
		}
		hourCap, err := parseCap(cfg.Attestation.Limits.HourAmountCap)
		if err != nil {
			return fmt.Errorf("attestation hour cap: %w", err)
		}
		dayCap, err := parseCap(cfg.Attestation.Limits.DayAmountCap)
		if err != nil {
			return fmt.Errorf("attestation day cap: %w", err)
		}
		initialCap, err := parseCap(cfg.Attestation.InitialSupplyCap)
		if err != nil {
			return fmt.Errorf("attestation initial supply cap: %w", err)
		}
		limiter := bridge.NewRateLimiter(bridge.RateLimits{
			MinuteTxLimit:   cfg.Attestation.Limits.MinuteTxLimit,
			MinuteAmountCap: minuteCap,
			HourAmountCap:   hourCap,
			DayAmountCap:    dayCap,
		})
		processor, err := bridge.NewProcessor(bridge.ProcessorConfig{
			ChainID:            cfg.Attestation.ChainID,
			ContractAddress:    common.HexToAddress(cfg.Attestation.Contract),
			ClockSkewTolerance: cfg.Attestation.ClockSkewTolerance.Duration,
			MinSpacing:         cfg.Attestation.MinSpacing.Duration,
			InitialSupplyCap:   initialCap,
		}, verifier, replay, limiter)
		if err != nil {
			return fmt.Errorf("init attestation processor: %w", err)
		}
		attestGateway, err = NewAttestationGateway(processor, metrics, logger)
		if err != nil {
			return fmt.Errorf("init attestation gateway: %w", err)
		}
	}

	auth, err := NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	adminServer := NewAdminServer(orchestrator, guard, health, store, attestGateway, auth)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(adminServer, "bridged"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live source subscriptions wake the relay loop between poll ticks. A
	// failed or dropped stream leaves the poll timer as the only trigger.
	for _, source := range cfg.Sources {
		contract := common.HexToAddress(source.Contract)
		eventSig := common.HexToHash(source.EventSignature)
		subscribe := func(ctx context.Context, sink chan<- ledger.Event) (ledger.Subscription, error) {
			return client.SubscribeEvents(ctx, contract, eventSig, sink)
		}
		stream, err := ledger.NewStream(subscribe, logger)
		if err != nil {
			return fmt.Errorf("source %s: init event stream: %w", source.Direction, err)
		}
		go func(direction string, stream *ledger.Stream) {
			err := stream.Run(stopCtx, func(ledger.Event) { orchestrator.Notify() })
			if err != nil && stopCtx.Err() == nil {
				logger.Warn("event stream unavailable, relying on poll timer",
					"direction", direction,
					"error", err)
			}
		}(source.Direction, stream)
	}

	errs := make(chan error, 2)
	go func() {
		log.Printf("bridged admin listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()
	go func() {
		errs <- orchestrator.Run(stopCtx)
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
