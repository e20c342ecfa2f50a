package main

import (
	"context"
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackpool/savingsd/internal/deposit"
	depositpg "github.com/stackpool/savingsd/internal/deposit/postgres"
	"github.com/stackpool/savingsd/internal/depositevent"
	"github.com/stackpool/savingsd/internal/flow"
	"github.com/stackpool/savingsd/internal/ledger"
	"github.com/stackpool/savingsd/internal/querycache"
	"github.com/stackpool/savingsd/internal/queue"
	"github.com/stackpool/savingsd/internal/receipts"
	"github.com/stackpool/savingsd/internal/savingsapi"
	"github.com/stackpool/savingsd/internal/secrets"
	"github.com/stackpool/savingsd/internal/service"
	"github.com/stackpool/savingsd/internal/submitter"
	"github.com/stackpool/savingsd/internal/wallet"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		rpcURL    = flag.String("rpc-url", "", "EVM RPC URL (required)")
		chainID   = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		poolAddr  = flag.String("pool-address", "", "savings pool contract address (required)")
		tokenAddr = flag.String("token-address", "", "deposit token contract address (required)")

		walletKeySource = flag.String("wallet-key-source", "env", "wallet key provider: env|file|aws")
		walletKeyRef    = flag.String("wallet-key-ref", "SAVINGSD_WALLET_KEY", "wallet key reference: env var name, file path, or Secrets Manager ARN")

		tokenDecimals = flag.Uint("token-decimals", 18, "deposit token decimals")
		minDeposit    = flag.String("min-deposit", "", "minimum deposit in the token's smallest unit; empty disables the check")

		approveGasLimit = flag.Uint64("approve-gas-limit", 0, "gas limit override for approve transactions; 0 => estimate")
		depositGasLimit = flag.Uint64("deposit-gas-limit", 0, "gas limit override for deposit transactions; 0 => estimate")

		confirmDepth       = flag.Uint64("confirm-depth", 1, "blocks a receipt must be buried under before a transaction counts as confirmed")
		receiptPoll        = flag.Duration("receipt-poll-interval", 2*time.Second, "interval between receipt polls while awaiting confirmation")
		gasLimitMultiplier = flag.Float64("gas-limit-multiplier", 1.2, "multiplier applied to gas estimates")
		minTipCapWei       = flag.Int64("min-tip-cap-wei", 1_000_000_000, "minimum priority fee per gas in wei")
		replaceAfter       = flag.Duration("replace-after", 45*time.Second, "age before a stuck transaction is fee-bumped; requires --max-replacements > 0")
		maxReplacements    = flag.Int("max-replacements", 3, "maximum fee-bumped replacements per transaction; 0 disables replacement")
		replacementBump    = flag.Int("replacement-bump-percent", 15, "fee bump percentage per replacement")

		storeDriver = flag.String("store-driver", "postgres", "attempt history store driver: postgres|memory")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required when --store-driver=postgres)")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "deposit event queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated queue brokers; empty disables event publishing for kafka")
		eventTopic   = flag.String("deposit-event-topic", depositevent.DefaultTopic, "queue topic for deposit events")

		receiptsDriver = flag.String("receipts-driver", receipts.DriverS3, "receipt archive driver: s3|memory")
		receiptsBucket = flag.String("receipts-bucket", "", "S3 bucket for receipt archiving; empty disables archiving for s3")
		receiptsPrefix = flag.String("receipts-prefix", "", "key prefix inside the receipt archive")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Minute, "http.Server WriteTimeout; deposits block until confirmation")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *rpcURL == "" || *chainID == 0 || *poolAddr == "" || *tokenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, --pool-address, and --token-address are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*poolAddr) || !common.IsHexAddress(*tokenAddr) {
		fmt.Fprintln(os.Stderr, "error: --pool-address and --token-address must be valid hex addresses")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *tokenDecimals > 77 {
		fmt.Fprintln(os.Stderr, "error: --token-decimals must be <= 77")
		os.Exit(2)
	}
	if *confirmDepth == 0 || *receiptPoll <= 0 || *gasLimitMultiplier <= 0 || *minTipCapWei < 0 {
		fmt.Fprintln(os.Stderr, "error: --confirm-depth, --receipt-poll-interval, --gas-limit-multiplier must be > 0 and --min-tip-cap-wei >= 0")
		os.Exit(2)
	}
	if *maxReplacements < 0 || (*maxReplacements > 0 && (*replaceAfter <= 0 || *replacementBump <= 0)) {
		fmt.Fprintln(os.Stderr, "error: replacement settings require --replace-after and --replacement-bump-percent > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	var minDepositWei *big.Int
	if strings.TrimSpace(*minDeposit) != "" {
		v, ok := new(big.Int).SetString(strings.TrimSpace(*minDeposit), 10)
		if !ok || v.Sign() < 0 {
			fmt.Fprintln(os.Stderr, "error: --min-deposit must be a non-negative integer")
			os.Exit(2)
		}
		minDepositWei = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var keyProvider secrets.Provider
	switch strings.ToLower(strings.TrimSpace(*walletKeySource)) {
	case "env":
		keyProvider = secrets.NewEnv()
	case "file":
		keyProvider = secrets.NewFile()
	case "aws":
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secrets provider", "err", err)
			os.Exit(2)
		}
		keyProvider = p
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --wallet-key-source %q\n", *walletKeySource)
		os.Exit(2)
	}
	key, err := secrets.WalletKey(ctx, keyProvider, *walletKeyRef)
	if err != nil {
		log.Error("load wallet key", "source", *walletKeySource, "err", err)
		os.Exit(2)
	}

	session, err := wallet.NewLocalSession(key)
	if err != nil {
		log.Error("init wallet session", "err", err)
		os.Exit(2)
	}
	account, ok := session.Address()
	if !ok {
		log.Error("wallet session has no address")
		os.Exit(2)
	}

	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "url", *rpcURL, "err", err)
		os.Exit(2)
	}
	defer client.Close()

	pool := common.HexToAddress(*poolAddr)
	token := common.HexToAddress(*tokenAddr)

	sub, err := submitter.New(client, session, submitter.Config{
		ChainID:                new(big.Int).SetUint64(*chainID),
		GasLimitMultiplier:     *gasLimitMultiplier,
		MinTipCap:              big.NewInt(*minTipCapWei),
		ConfirmDepth:           *confirmDepth,
		ReceiptPollInterval:    *receiptPoll,
		ReplaceAfter:           *replaceAfter,
		MaxReplacements:        *maxReplacements,
		ReplacementBumpPercent: *replacementBump,
		MinReplacementTipBump:  big.NewInt(1),
		MinReplacementFeeBump:  big.NewInt(1),
	})
	if err != nil {
		log.Error("init submitter", "err", err)
		os.Exit(2)
	}

	reader, err := ledger.NewReader(client)
	if err != nil {
		log.Error("init ledger reader", "err", err)
		os.Exit(2)
	}

	cache := querycache.New()
	if err := cache.Register(querycache.PositionKey(pool, account), func(ctx context.Context) (any, error) {
		return reader.PoolBalance(ctx, pool, account)
	}); err != nil {
		log.Error("register position fetch", "err", err)
		os.Exit(2)
	}
	if err := cache.Register(querycache.AllowanceKey(token, account), func(ctx context.Context) (any, error) {
		return reader.Allowance(ctx, token, account, pool)
	}); err != nil {
		log.Error("register allowance fetch", "err", err)
		os.Exit(2)
	}

	orch, err := flow.New(flow.Config{
		PoolAddress:     pool,
		TokenAddress:    token,
		MinDeposit:      minDepositWei,
		ApproveGasLimit: *approveGasLimit,
		DepositGasLimit: *depositGasLimit,
	}, session, submitterAdapter{sub}, reader, cache, log)
	if err != nil {
		log.Error("init deposit flow", "err", err)
		os.Exit(2)
	}

	var store deposit.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if strings.TrimSpace(*postgresDSN) == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pgPool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pgPool.Close()

		pgStore, err := depositpg.New(pgPool)
		if err != nil {
			log.Error("init attempt store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure attempt schema", "err", err)
			os.Exit(2)
		}
		store = pgStore
	case "memory":
		store = deposit.NewMemoryStore()
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var events service.EventPublisher
	if strings.TrimSpace(*queueBrokers) != "" || strings.EqualFold(strings.TrimSpace(*queueDriver), queue.DriverStdio) {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		eventProducer, err := queue.NewEventProducer(producer, *eventTopic)
		if err != nil {
			log.Error("init deposit event producer", "err", err)
			os.Exit(2)
		}
		defer eventProducer.Close()
		events = eventProducer
		log.Info("deposit event publishing enabled", "queueDriver", *queueDriver, "topic", eventProducer.Topic())
	}

	archive, err := initReceiptArchive(ctx, *receiptsDriver, *receiptsBucket, *receiptsPrefix)
	if err != nil {
		log.Error("init receipt archive", "err", err)
		os.Exit(2)
	}
	if archive != nil {
		log.Info("receipt archiving enabled", "driver", strings.ToLower(strings.TrimSpace(*receiptsDriver)), "bucket", *receiptsBucket, "prefix", *receiptsPrefix)
	}

	svc, err := service.New(service.Config{
		PoolAddress:  pool,
		TokenAddress: token,
	}, orch, session, store, events, archive, log)
	if err != nil {
		log.Error("init deposit service", "err", err)
		os.Exit(2)
	}

	position := func(ctx context.Context) (*big.Int, error) {
		v, err := cache.Get(ctx, querycache.PositionKey(pool, account))
		if err != nil {
			return nil, err
		}
		bal, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected cached position type %T", v)
		}
		return bal, nil
	}

	handler, err := savingsapi.NewHandler(savingsapi.Config{
		ChainID:                 *chainID,
		PoolAddress:             pool,
		TokenAddress:            token,
		TokenDecimals:           uint8(*tokenDecimals),
		MinDeposit:              minDepositWei,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, svc, position)
	if err != nil {
		log.Error("init savings api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("savingsd listening",
			"addr", *listenAddr,
			"chainID", *chainID,
			"pool", pool,
			"token", token,
			"account", account,
			"storeDriver", strings.ToLower(strings.TrimSpace(*storeDriver)),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// submitterAdapter narrows *submitter.Submitter to the flow's transaction
// surface.
type submitterAdapter struct {
	sub *submitter.Submitter
}

func (a submitterAdapter) Submit(ctx context.Context, call flow.Call) (flow.Handle, error) {
	return a.sub.Submit(ctx, submitter.Call{
		To:       call.To,
		Data:     call.Data,
		GasLimit: call.GasLimit,
	})
}

func (a submitterAdapter) WaitConfirmed(ctx context.Context, h flow.Handle) (flow.TxResult, error) {
	p, ok := h.(*submitter.PendingTx)
	if !ok {
		return flow.TxResult{}, fmt.Errorf("unexpected pending tx handle %T", h)
	}
	res, err := a.sub.WaitConfirmed(ctx, p)
	if err != nil {
		return flow.TxResult{}, err
	}
	return flow.TxResult{Success: res.Success, TxHash: res.TxHash, Receipt: res.Receipt}, nil
}

func initReceiptArchive(ctx context.Context, driver, bucket, prefix string) (receipts.Archive, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case receipts.DriverMemory:
		return receipts.New(receipts.Config{Driver: receipts.DriverMemory, Prefix: prefix})
	case receipts.DriverS3, "":
		if strings.TrimSpace(bucket) == "" {
			return nil, nil
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return receipts.New(receipts.Config{
			Driver:   receipts.DriverS3,
			Prefix:   prefix,
			Bucket:   bucket,
			S3Client: awss3.NewFromConfig(awsCfg),
		})
	default:
		return nil, fmt.Errorf("unsupported receipts driver %q", driver)
	}
}
