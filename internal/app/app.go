package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"intent-registry/internal/alerting"
	"intent-registry/internal/api"
	"intent-registry/internal/config"
	"intent-registry/internal/publish"
	"intent-registry/internal/registry"
	"intent-registry/internal/scheduler"
	"intent-registry/internal/service"
	"intent-registry/internal/storage"
	"intent-registry/internal/wallet"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// backend bundles the storage roles used by the commands.
type backend struct {
	records storage.RecordStore
	reader  storage.RecordReader
	anchors storage.AnchorStore
	health  api.HealthChecker
	durable bool
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	return alerting.NewThrottled(telegram, a.Config.Alerting.Cooldown)
}

func (a *App) newPinner() publish.Pinner {
	if !a.Config.IPFS.Enabled {
		return nil
	}
	cfg := a.Config.IPFS
	return publish.NewPinata(publish.PinataOptions{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Timeout:   cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newAnnouncer() (publish.Announcer, error) {
	if !a.Config.Ethereum.Enabled {
		return nil, nil
	}
	cfg := a.Config.Ethereum
	chain, err := publish.NewChain(publish.ChainOptions{
		RPCURL:          cfg.RPCURL,
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
		ChainID:         cfg.ChainID,
		GasLimit:        cfg.GasLimit,
		GasPriceBumpPct: cfg.GasPriceBumpPct,
		RequestTimeout:  cfg.RequestTimeout,
		ReceiptTimeout:  cfg.ReceiptTimeout,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openBackend returns the PostgreSQL store, or an in-memory one when no DSN is configured.
func (a *App) openBackend(ctx context.Context) (backend, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return backend{}, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; records are kept in memory and lost on restart")
		mem := storage.NewMemory()
		return backend{records: mem, reader: mem, anchors: mem}, func() {}, nil
	}
	return backend{records: store, reader: store, anchors: store, health: store, durable: true}, closeStore, nil
}

func (a *App) requireDurable(ctx context.Context, what string) (backend, func(), error) {
	if a.Config.Database.DSN == "" {
		return backend{}, nil, errors.New("database not configured; cannot " + what)
	}
	return a.openBackend(ctx)
}

func (a *App) openWallet(ctx context.Context) (wallet.Wallet, func(), error) {
	cfg := a.Config.Wallet
	switch {
	case cfg.PrivateKey != "":
		key, err := wallet.NewKeyFromHex(cfg.PrivateKey)
		if err != nil {
			return nil, nil, err
		}
		return key, func() {}, nil
	case cfg.RPCURL != "":
		opts := wallet.RPCOptions{URL: cfg.RPCURL}
		if cfg.Account != "" {
			opts.Account = common.HexToAddress(cfg.Account)
		}
		w, err := wallet.DialRPC(ctx, opts, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	default:
		return nil, nil, wallet.ErrNoProvider
	}
}

func (a *App) newClient() *api.Client {
	return api.NewClient(a.Config.Client.BaseURL, a.Config.Client.Timeout)
}

// Serve runs the HTTP registry and, when enabled, the anchoring job.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	be, closeBackend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer closeBackend()

	reg := registry.New(be.records, registry.Options{RequireSignerMatch: a.Config.Registry.RequireSignerMatch}, a.Logger)
	intake := service.NewIntake(reg, a.newNotifier(), a.Logger)

	srvCfg := a.Config.Server
	server := api.NewServer(api.Options{
		Addr:            srvCfg.Addr,
		AllowedOrigins:  srvCfg.AllowedOrigins,
		ReadTimeout:     srvCfg.ReadTimeout,
		WriteTimeout:    srvCfg.WriteTimeout,
		ShutdownTimeout: srvCfg.ShutdownTimeout,
		MaxBodyBytes:    srvCfg.MaxBodyBytes,
	}, intake, be.health, a.Logger)

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- server.Run(ctx) }()

	if a.Config.Anchor.Enabled {
		if !be.durable {
			a.Logger.Warn().Msg("anchoring in-memory records; anchors will not survive a restart")
		}
		anchorSvc, err := a.newAnchorService(be)
		if err != nil {
			cancel()
			<-errCh
			return err
		}
		running++
		go func() { errCh <- anchorSvc.Run(ctx) }()
	}

	a.Logger.Info().Str("addr", srvCfg.Addr).Bool("anchoring", a.Config.Anchor.Enabled).Msg("intent registry started")

	var firstErr error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			a.Logger.Error().Err(err).Msg("component terminated with error")
			firstErr = err
		}
		cancel()
	}

	a.Logger.Info().Msg("intent registry stopped")
	return firstErr
}

func (a *App) newAnchorService(be backend) (*service.Service, error) {
	announcer, err := a.newAnnouncer()
	if err != nil {
		return nil, err
	}

	cfg := a.Config.Anchor
	sched := scheduler.New(scheduler.Options{
		Interval:      cfg.Interval,
		AlignToWindow: cfg.AlignToWindow,
		StartupDelay:  cfg.StartupDelay,
	}, a.Logger)

	return service.New(service.AnchorOptions{
		AdvisoryLockKey: cfg.AdvisoryLockKey,
		OutputDir:       cfg.OutputDir,
		ResendAfter:     cfg.ResendAfter,
	}, sched, be.anchors, a.newPinner(), announcer, a.Logger), nil
}

// SignOptions describe an intent to sign from the command line.
type SignOptions struct {
	Asset          string
	Size           string
	ReferencePrice string
	Direction      string
	Expiry         time.Time
	Nonce          string
	Submit         bool
}

// VerifyOptions configure offline signature verification.
type VerifyOptions struct {
	Input string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Signer string
}

// ExportOptions hold parameters for exporting records.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// AnchorOptions configure a one-off anchoring run.
type AnchorOptions struct {
	End time.Time
}
