package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/solver-vault/internal/activity"
	"github.com/juno-intents/solver-vault/internal/balance"
	"github.com/juno-intents/solver-vault/internal/blobstore"
	"github.com/juno-intents/solver-vault/internal/dashboard"
	"github.com/juno-intents/solver-vault/internal/depositform"
	"github.com/juno-intents/solver-vault/internal/journal"
	journalpg "github.com/juno-intents/solver-vault/internal/journal/postgres"
	"github.com/juno-intents/solver-vault/internal/queue"
	"github.com/juno-intents/solver-vault/internal/secrets"
	"github.com/juno-intents/solver-vault/internal/vault"
	"github.com/juno-intents/solver-vault/internal/vaultconfig"
	"github.com/juno-intents/solver-vault/internal/wallet"
)

const (
	journalDriverMemory   = "memory"
	journalDriverPostgres = "postgres"
)

type options struct {
	listenAddr string

	keySource string
	keyName   string

	initialChainID uint64
	rpcOverrides   string

	journalDriver string
	postgresDSN   string

	queueDriver  string
	queueBrokers string
	depositTopic string

	blobDriver string
	blobBucket string
	blobPrefix string

	receiptPollInterval time.Duration
	confirmTimeout      time.Duration

	maxReplacements        int
	replaceAfter           time.Duration
	replacementBumpPercent int
	minReplacementBumpWei  uint64

	balanceStaleTime time.Duration
	refreshInterval  time.Duration

	rateLimitPerSecond float64
	rateLimitBurst     int
	rateLimitMaxIPs    int

	readHeaderTimeout time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration

	logLevel string
}

func main() {
	var o options
	flag.StringVar(&o.listenAddr, "listen", "127.0.0.1:3000", "HTTP listen address")

	flag.StringVar(&o.keySource, "key-source", secrets.SourceEnv, "wallet key source (env|file|aws)")
	flag.StringVar(&o.keyName, "key-name", "SOLVER_VAULT_PRIVATE_KEY", "env var name, file path or AWS secret id holding the hex private key")

	flag.Uint64Var(&o.initialChainID, "initial-chain-id", 0, "wallet network to connect to first (default: first wallet network)")
	flag.StringVar(&o.rpcOverrides, "rpc-overrides", "", "optional YAML file of per-network RPC URLs")

	flag.StringVar(&o.journalDriver, "journal-driver", journalDriverMemory, "deposit journal driver (memory|postgres)")
	flag.StringVar(&o.postgresDSN, "postgres-dsn", "", "Postgres DSN (required for --journal-driver=postgres)")

	flag.StringVar(&o.queueDriver, "queue-driver", queue.DriverStdio, "deposit event queue driver (kafka|stdio)")
	flag.StringVar(&o.queueBrokers, "queue-brokers", "", "queue brokers (comma-separated, required for kafka)")
	flag.StringVar(&o.depositTopic, "deposit-topic", activity.DefaultTopic, "queue topic for deposit events")

	flag.StringVar(&o.blobDriver, "blob-driver", blobstore.DriverMemory, "receipt archive driver (memory|s3)")
	flag.StringVar(&o.blobBucket, "blob-bucket", "", "S3 bucket for the receipt archive (required for s3)")
	flag.StringVar(&o.blobPrefix, "blob-prefix", "", "key prefix for archived receipts")

	flag.DurationVar(&o.receiptPollInterval, "receipt-poll-interval", 2*time.Second, "interval between receipt polls")
	flag.DurationVar(&o.confirmTimeout, "confirm-timeout", depositform.DefaultConfirmTimeout, "max time to wait for a deposit receipt")
	flag.IntVar(&o.maxReplacements, "max-replacements", 2, "fee-bumped re-broadcasts of a stuck deposit (0 disables)")
	flag.DurationVar(&o.replaceAfter, "replace-after", vault.DefaultReplaceAfter, "how long a deposit may stay unmined before it is replaced")
	flag.IntVar(&o.replacementBumpPercent, "replacement-bump-percent", vault.DefaultReplacementBumpPercent, "fee increase per replacement, in percent (>= 10)")
	flag.Uint64Var(&o.minReplacementBumpWei, "min-replacement-bump-wei", vault.DefaultMinReplacementBump.Uint64(), "minimum tip and fee cap increase per replacement, in wei")
	flag.DurationVar(&o.balanceStaleTime, "balance-stale-time", balance.DefaultStaleTime, "how long balance reads are reused")
	flag.DurationVar(&o.refreshInterval, "page-refresh-interval", 2*time.Second, "page auto-refresh period while a deposit is pending")

	flag.Float64Var(&o.rateLimitPerSecond, "rate-limit-per-ip-per-second", 20, "per-IP refill rate for rate limiting")
	flag.IntVar(&o.rateLimitBurst, "rate-limit-burst", 40, "per-IP burst capacity for rate limiting")
	flag.IntVar(&o.rateLimitMaxIPs, "rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

	flag.DurationVar(&o.readHeaderTimeout, "read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
	flag.DurationVar(&o.readTimeout, "read-timeout", 10*time.Second, "http.Server ReadTimeout")
	flag.DurationVar(&o.writeTimeout, "write-timeout", 30*time.Second, "http.Server WriteTimeout")
	flag.DurationVar(&o.idleTimeout, "idle-timeout", 60*time.Second, "http.Server IdleTimeout")

	flag.StringVar(&o.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	flag.Parse()

	level, err := o.validate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := vaultconfig.Resolver{ProjectID: vaultconfig.ProjectID(os.Getenv)}
	if o.rpcOverrides != "" {
		overrides, err := vaultconfig.LoadRPCOverrides(o.rpcOverrides)
		if err != nil {
			log.Error("load rpc overrides", "err", err)
			os.Exit(2)
		}
		resolver.Overrides = overrides
	}

	keys, err := secrets.New(ctx, o.keySource)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}

	session, err := wallet.NewSession(wallet.Config{
		Resolver:       resolver,
		Secrets:        keys,
		KeyName:        o.keyName,
		InitialChainID: o.initialChainID,
		Log:            log,
	})
	if err != nil {
		log.Error("init wallet session", "err", err)
		os.Exit(2)
	}
	defer session.Disconnect()

	vaultClient, err := vault.New(session, vault.Config{
		Address:                vaultconfig.VaultAddress,
		ReceiptPollInterval:    o.receiptPollInterval,
		MaxReplacements:        o.maxReplacements,
		ReplaceAfter:           o.replaceAfter,
		ReplacementBumpPercent: o.replacementBumpPercent,
		MinReplacementTipBump:  new(big.Int).SetUint64(o.minReplacementBumpWei),
		MinReplacementFeeBump:  new(big.Int).SetUint64(o.minReplacementBumpWei),
	})
	if err != nil {
		log.Error("init vault client", "err", err)
		os.Exit(2)
	}

	balances, err := balance.New(session, vaultClient, balance.Config{StaleTime: o.balanceStaleTime, Log: log})
	if err != nil {
		log.Error("init balance display", "err", err)
		os.Exit(2)
	}

	deposits, closeJournal, err := openJournal(ctx, o.journalDriver, o.postgresDSN)
	if err != nil {
		log.Error("init deposit journal", "err", err)
		os.Exit(2)
	}
	defer closeJournal()

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  o.queueDriver,
		Brokers: queue.SplitCommaList(o.queueBrokers),
		TLS:     queue.TLSFromEnv(os.Getenv),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}

	blobCfg := blobstore.Config{Driver: o.blobDriver, Prefix: o.blobPrefix, Bucket: o.blobBucket}
	if o.blobDriver == blobstore.DriverS3 {
		s3Client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			log.Error("init s3 client", "err", err)
			os.Exit(2)
		}
		blobCfg.S3Client = s3Client
	}
	receipts, err := blobstore.New(blobCfg)
	if err != nil {
		log.Error("init receipt archive", "err", err)
		os.Exit(2)
	}

	tracker := activity.New(activity.Config{
		Journal:  deposits,
		Producer: producer,
		Receipts: receipts,
		Topic:    o.depositTopic,
		Log:      log,
	})
	defer func() {
		if err := tracker.Close(); err != nil {
			log.Warn("close queue producer", "err", err)
		}
	}()

	form, err := depositform.New(depositform.Config{
		Wallet:         session,
		Vault:          vaultClient,
		Tracker:        tracker,
		ConfirmTimeout: o.confirmTimeout,
		Log:            log,
	})
	if err != nil {
		log.Error("init deposit form", "err", err)
		os.Exit(2)
	}
	defer form.Close()

	handler, err := dashboard.NewHandler(dashboard.Config{
		VaultAddress:            vaultconfig.VaultAddress,
		RefreshInterval:         o.refreshInterval,
		RateLimitPerIPPerSecond: o.rateLimitPerSecond,
		RateLimitBurst:          o.rateLimitBurst,
		RateLimitMaxTrackedIPs:  o.rateLimitMaxIPs,
		Now:                     time.Now,
		Log:                     log,
	}, session, form, balances, deposits, receipts)
	if err != nil {
		log.Error("init dashboard handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              o.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: o.readHeaderTimeout,
		ReadTimeout:       o.readTimeout,
		WriteTimeout:      o.writeTimeout,
		IdleTimeout:       o.idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("solver-vault listening",
			"addr", o.listenAddr,
			"vault", vaultconfig.VaultAddress,
			"walletChainID", session.State().ChainID,
			"journal", o.journalDriver,
			"queue", o.queueDriver,
			"blob", o.blobDriver,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// validate checks flag combinations and returns the parsed log level.
func (o *options) validate() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return 0, fmt.Errorf("--log-level: %v", err)
	}

	o.journalDriver = strings.ToLower(strings.TrimSpace(o.journalDriver))
	o.queueDriver = strings.ToLower(strings.TrimSpace(o.queueDriver))
	o.blobDriver = strings.ToLower(strings.TrimSpace(o.blobDriver))

	switch {
	case strings.TrimSpace(o.listenAddr) == "":
		return 0, errors.New("--listen must be non-empty")
	case strings.TrimSpace(o.keyName) == "":
		return 0, errors.New("--key-name must be non-empty")
	case o.readHeaderTimeout <= 0 || o.readTimeout <= 0 || o.writeTimeout <= 0 || o.idleTimeout <= 0:
		return 0, errors.New("timeouts must be > 0")
	case o.receiptPollInterval <= 0 || o.confirmTimeout <= 0 || o.balanceStaleTime <= 0 || o.refreshInterval <= 0:
		return 0, errors.New("--receipt-poll-interval, --confirm-timeout, --balance-stale-time and --page-refresh-interval must be > 0")
	case o.rateLimitPerSecond <= 0 || o.rateLimitBurst <= 0 || o.rateLimitMaxIPs <= 0:
		return 0, errors.New("rate limit settings must be > 0")
	case o.maxReplacements < 0:
		return 0, errors.New("--max-replacements must be >= 0")
	case o.maxReplacements > 0 && o.replaceAfter <= 0:
		return 0, errors.New("--replace-after must be > 0 when replacements are enabled")
	case o.maxReplacements > 0 && o.replacementBumpPercent < 10:
		// Nodes reject replacements that raise fees by less than 10%.
		return 0, errors.New("--replacement-bump-percent must be >= 10 when replacements are enabled")
	}

	if o.initialChainID != 0 {
		if _, ok := vaultconfig.NetworkByID(o.initialChainID); !ok {
			return 0, fmt.Errorf("--initial-chain-id %d is not a wallet network", o.initialChainID)
		}
	}

	switch o.journalDriver {
	case journalDriverMemory:
	case journalDriverPostgres:
		if strings.TrimSpace(o.postgresDSN) == "" {
			return 0, errors.New("--postgres-dsn is required for --journal-driver=postgres")
		}
	default:
		return 0, fmt.Errorf("unsupported --journal-driver %q", o.journalDriver)
	}

	switch o.queueDriver {
	case queue.DriverStdio:
	case queue.DriverKafka:
		if len(queue.SplitCommaList(o.queueBrokers)) == 0 {
			return 0, errors.New("--queue-brokers is required for --queue-driver=kafka")
		}
	default:
		return 0, fmt.Errorf("unsupported --queue-driver %q", o.queueDriver)
	}
	if strings.TrimSpace(o.depositTopic) == "" {
		return 0, errors.New("--deposit-topic must be non-empty")
	}

	switch o.blobDriver {
	case blobstore.DriverMemory:
	case blobstore.DriverS3:
		if strings.TrimSpace(o.blobBucket) == "" {
			return 0, errors.New("--blob-bucket is required for --blob-driver=s3")
		}
	default:
		return 0, fmt.Errorf("unsupported --blob-driver %q", o.blobDriver)
	}
	return level, nil
}

func openJournal(ctx context.Context, driver, dsn string) (journal.Store, func(), error) {
	if driver != journalDriverPostgres {
		return journal.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("init pgx pool: %w", err)
	}
	store, err := journalpg.New(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return store, pool.Close, nil
}
