package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/inbox-relay/internal/auth"
	"github.com/Martian-dev/inbox-relay/internal/config"
	"github.com/Martian-dev/inbox-relay/internal/eventstore/postgres"
	"github.com/Martian-dev/inbox-relay/internal/eventstore/sqlite"
	natsjs "github.com/Martian-dev/inbox-relay/internal/nats"
	"github.com/Martian-dev/inbox-relay/internal/notify"
	"github.com/Martian-dev/inbox-relay/internal/providers/gmail"
	"github.com/Martian-dev/inbox-relay/internal/sync"
	"github.com/Martian-dev/inbox-relay/internal/webhook"
)

// cursorStore is what both store backends provide
type cursorStore interface {
	sync.CursorStore
	sync.StatusRecorder
	LastRun(ctx context.Context) (*sync.RunStatus, error)
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (default inbox-relay.yml if present)")
	importToken := flag.String("import-token", "", "store an OAuth credentials JSON file in the keyring and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	if *importToken != "" {
		if err := importCredentials(cfg, *importToken); err != nil {
			logger.Fatal().Err(err).Msg("failed to import credentials")
		}
		logger.Info().Str("service", cfg.Credentials.KeyringService).Msg("credentials stored in keyring")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("inbox-relay stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := openCursorStore(cfg.CursorStore)
	if err != nil {
		return fmt.Errorf("cursor store: %w", err)
	}
	defer store.Close()

	// Token refreshes outlive any single request
	ts, err := auth.NewTokenSource(context.Background(), credentialsConfig(cfg.Credentials))
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	provider, err := gmail.New(ctx, ts, gmail.Options{
		User:     cfg.Mailbox.User,
		PageSize: cfg.History.PageSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("gmail: %w", err)
	}

	policy, err := sync.NewPolicy(cfg.Selection.Policy, cfg.Selection.Labels, cfg.Selection.Keywords, cfg.Selection.RequireUnread)
	if err != nil {
		return err
	}
	kinds := sync.DefaultKinds(policy)
	if len(cfg.History.EventKinds) > 0 {
		if kinds, err = sync.ParseEventKinds(cfg.History.EventKinds); err != nil {
			return err
		}
	}

	mailbox := cfg.Mailbox.Address
	if mailbox == "" {
		mailbox = cfg.CursorStore.Key
	}

	routes, publisher, err := buildRoutes(ctx, cfg.Notify, mailbox)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
	}

	fanoutOpts := sync.FanoutOptions{Cooldown: cfg.Notify.Cooldown}
	if cfg.Notify.Workflow.ConfirmByEmail {
		fanoutOpts.ConfirmTransport = "smtp"
	}
	fanout := sync.NewFanout(routes, fanoutOpts, logger)
	if needsMail := cfg.Notify.ForwardRawPush || cfg.Notify.Workflow.ConfirmByEmail || cfg.Watch.NotifyByEmail; needsMail && !fanout.HasDirect("smtp") {
		return fmt.Errorf("email forwarding, confirmations and watch notices need the email sink")
	}

	gate := sync.NewGate(store, sync.GateOptions{AdmitWait: cfg.Gate.AdmitWait})
	runner := &sync.Runner{
		Gate:      gate,
		Extractor: sync.NewExtractor(provider, kinds, logger),
		Policy:    policy,
		Enricher:  sync.NewEnricher(provider, logger),
		Fanout:    fanout,
		Status:    store,
		Mailbox:   mailbox,
		RunBudget: cfg.Gate.RunBudget,
		Logger:    logger,
	}
	manager := sync.NewManager(runner, cfg.Mailbox.Address, logger)

	var refresher *sync.WatchRefresher
	if cfg.Watch.Topic != "" {
		refresher = &sync.WatchRefresher{
			Registrar: provider,
			Topic:     cfg.Watch.Topic,
			LabelIDs:  cfg.Watch.LabelIDs,
			Interval:  cfg.Watch.Interval,
			Gate:      gate,
			Logger:    logger,
		}
		if cfg.Watch.NotifyByEmail {
			refresher.Fanout = fanout
			refresher.NotifyTransport = "smtp"
		}
	}

	hopts := webhook.Options{
		Path:         cfg.Webhook.Path,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
		Scheduler:    manager,
		Cursor:       gate,
		LastRun:      store,
		Stats: map[string]webhook.StatsFunc{
			"gmail_breaker": func() interface{} { return provider.BreakerState() },
		},
		Logger: logger,
	}
	if refresher != nil {
		hopts.Refresher = refresher
	}
	if cfg.Notify.ForwardRawPush {
		hopts.Forwarder = fanout
		hopts.ForwardTransport = "smtp"
	}
	if cfg.Webhook.Auth.Enabled {
		verifier, err := auth.NewPushVerifier(ctx, auth.PushVerifierConfig{
			JWKSURL:  cfg.Webhook.Auth.JWKSURL,
			Audience: cfg.Webhook.Auth.Audience,
			Issuers:  cfg.Webhook.Auth.Issuers,
			Email:    cfg.Webhook.Auth.Email,
		})
		if err != nil {
			return fmt.Errorf("push auth: %w", err)
		}
		hopts.Verifier = verifier
		hopts.Stats["push_auth"] = func() interface{} { return verifier.Stats() }
	}
	handler, err := webhook.NewHandler(hopts)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), webhook.RequestLogger(logger))
	handler.Register(r)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("mailbox", mailbox).
		Str("policy", policy.Name()).
		Strs("sinks", fanout.Sinks()).
		Msg("inbox-relay listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		if err := manager.Wait(shutdownCtx); err != nil {
			logger.Warn().Err(err).Strs("running", manager.Running()).Msg("runs still in flight at shutdown")
		}
		return nil
	})
	if refresher != nil && cfg.Watch.AutoRefresh {
		g.Go(func() error {
			if err := refresher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func openCursorStore(cfg config.CursorStoreConfig) (cursorStore, error) {
	if cfg.Driver == "postgres" {
		store, err := postgres.New(cfg.DSN, cfg.Key)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := sqlite.Open(cfg.Path, cfg.Driver, cfg.Key)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildRoutes creates one route per enabled sink, in email, workflow, nats order
func buildRoutes(ctx context.Context, cfg config.NotifyConfig, mailbox string) ([]sync.Route, *natsjs.Publisher, error) {
	var routes []sync.Route

	if cfg.Email.Enabled {
		sink, err := notify.NewEmailSink(notify.SMTPConfig{
			Host:        cfg.Email.Host,
			Port:        cfg.Email.Port,
			ImplicitTLS: cfg.Email.ImplicitTLS,
			Username:    cfg.Email.Username,
			Password:    cfg.Email.Password,
			From:        cfg.Email.From,
			To:          cfg.Email.To,
			Timeout:     cfg.Email.Timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("email sink: %w", err)
		}
		tmpl, err := sync.NewTemplate(cfg.Email.SubjectTemplate, cfg.Email.BodyTemplate)
		if err != nil {
			return nil, nil, fmt.Errorf("email template: %w", err)
		}
		routes = append(routes, sync.Route{Sink: sink, Template: tmpl})
	}

	if cfg.Workflow.Enabled {
		sink, err := notify.NewWorkflowSink(ctx, notify.WorkflowConfig{
			APIURL:   cfg.Workflow.APIURL,
			Repo:     cfg.Workflow.Repo,
			Workflow: cfg.Workflow.Workflow,
			Ref:      cfg.Workflow.Ref,
			Token:    cfg.Workflow.Token,
			Inputs:   cfg.Workflow.Inputs,
			Confirm:  cfg.Workflow.ConfirmByEmail,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("workflow sink: %w", err)
		}
		tmpl, err := sync.NewTemplate(cfg.Workflow.SubjectTemplate, cfg.Workflow.BodyTemplate)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow template: %w", err)
		}
		routes = append(routes, sync.Route{Sink: sink, Template: tmpl})
	}

	var publisher *natsjs.Publisher
	if cfg.NATS.Enabled {
		var err error
		publisher, err = natsjs.NewPublisher(cfg.NATS.URL, natsjs.StreamConfig{
			Name:          cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxAge:        cfg.NATS.MaxAge,
		})
		if err != nil {
			return nil, nil, err
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := publisher.EnsureStream(ensureCtx); err != nil {
			publisher.Close()
			return nil, nil, err
		}
		tmpl, err := sync.NewTemplate(cfg.NATS.SubjectTemplate, cfg.NATS.BodyTemplate)
		if err != nil {
			publisher.Close()
			return nil, nil, fmt.Errorf("nats template: %w", err)
		}
		routes = append(routes, sync.Route{Sink: natsjs.NewChangeSink(publisher, mailbox), Template: tmpl})
	}

	return routes, publisher, nil
}

func credentialsConfig(c config.CredentialsConfig) auth.CredentialsConfig {
	return auth.CredentialsConfig{
		Source:          c.Source,
		Scopes:          c.Scopes,
		TokenFile:       c.TokenFile,
		KeyringService:  c.KeyringService,
		KeyringKey:      c.KeyringKey,
		KeyringDir:      c.KeyringDir,
		KeyringPassword: c.KeyringPassword,
		BrokerURL:       c.BrokerURL,
		BrokerSecret:    c.BrokerSecret,
		BrokerProvider:  c.BrokerProvider,
	}
}

func importCredentials(cfg config.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return auth.StoreCredentials(credentialsConfig(cfg.Credentials), data)
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "inbox-relay").Logger()
}
