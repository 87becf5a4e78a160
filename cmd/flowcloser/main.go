package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flowoff/flowcloser/internal/accounts"
	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/flowoff/flowcloser/internal/api"
	"github.com/flowoff/flowcloser/internal/config"
	"github.com/flowoff/flowcloser/internal/genai"
	"github.com/flowoff/flowcloser/internal/leads"
	"github.com/flowoff/flowcloser/internal/lockfile"
	"github.com/flowoff/flowcloser/internal/messaging"
	"github.com/flowoff/flowcloser/internal/mirror"
	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/relay"
	"github.com/flowoff/flowcloser/internal/store"
	"github.com/flowoff/flowcloser/internal/twiliowhatsapp"
	"github.com/flowoff/flowcloser/internal/whatsapp"
)

// DefaultWhatsmeowFileName is the whatsmeow device store inside the state directory.
const DefaultWhatsmeowFileName = "whatsmeow.db"

func main() {
	cfg := config.Load()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	initializeLogger(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowCloser", "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr, "whatsapp_provider", cfg.WhatsAppProvider)
	if err := run(ctx, cfg, flags); err != nil {
		slog.Error("FlowCloser failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowCloser exited successfully")
}

// Flags holds command line values that have no environment equivalent.
type Flags struct {
	qrOutput *string
	numeric  *bool
}

// initializeLogger sets up structured logging on stdout.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// parseCommandLineFlags parses args into fs; flags override the environment values in cfg.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg *config.Config) (Flags, error) {
	flags := Flags{
		qrOutput: fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:  fs.Bool("numeric-code", false, "use a numeric whatsmeow login code instead of a QR code"),
	}
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for FlowCloser data (overrides $FLOWCLOSER_STATE_DIR)")
	fs.StringVar(&cfg.LeadsDSN, "leads-dsn", cfg.LeadsDSN, "lead store DSN: empty for JSON, *.db for SQLite, postgres:// for PostgreSQL (overrides $LEADS_DSN)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR and $PORT)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.WhatsAppProvider, "whatsapp-provider", cfg.WhatsAppProvider, "meta, twilio, whatsmeow or none (overrides $WHATSAPP_PROVIDER)")
	fs.StringVar(&cfg.WhatsmeowDSN, "whatsmeow-dsn", cfg.WhatsmeowDSN, "whatsmeow device store DSN (overrides $WHATSMEOW_DSN)")
	fs.StringVar(&cfg.MirrorBackend, "mirror", cfg.MirrorBackend, "lead mirror backend: none, minio or kubo (overrides $MIRROR_BACKEND)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	if cfg.WhatsmeowDSN == "" {
		cfg.WhatsmeowDSN = "file:" + filepath.Join(cfg.StateDir, DefaultWhatsmeowFileName) + "?_foreign_keys=on"
	}
	slog.Debug("flags parsed",
		"state_dir", cfg.StateDir,
		"leads_dsn_set", cfg.LeadsDSN != "",
		"api_addr", cfg.APIAddr,
		"openai_key_set", cfg.OpenAIKey != "",
		"whatsapp_provider", cfg.WhatsAppProvider,
		"mirror", cfg.MirrorBackend,
		"qr_output", *flags.qrOutput,
		"numeric", *flags.numeric)
	return flags, nil
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, flags Flags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lock, err := lockfile.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	leadStore, err := store.New(buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to open lead store: %w", err)
	}
	defer leadStore.Close()

	uploader, err := buildUploader(cfg)
	if err != nil {
		return err
	}
	var leadOpts []leads.Option
	if uploader != nil {
		leadOpts = append(leadOpts, leads.WithUploader(uploader))
	}
	leadSvc := leads.NewService(leadStore, leadOpts...)

	sessions, closeSessions := buildSessionStore(ctx, cfg)
	defer closeSessions()

	invoker, closeInvoker := buildInvoker(ctx, cfg)
	defer closeInvoker()

	portfolio := cfg.PortfolioURL
	if portfolio == "" {
		portfolio = agent.DefaultPortfolioURL
	}
	orch := agent.NewOrchestrator(invoker,
		agent.WithModels(cfg.PrimaryModel, cfg.FallbackModel),
		agent.WithSessionStore(sessions),
		agent.WithTools(agent.DefaultTools(agent.ToolConfig{PortfolioURL: portfolio})...),
		agent.WithHooks(agent.LogResponseHook(portfolio)),
		agent.WithPortfolioURL(portfolio),
	)

	registry, err := accounts.Load(cfg.AccountsFile)
	if err != nil {
		return err
	}
	slog.Info("Accounts loaded", "count", len(registry.All()))

	var metaOpts []messaging.Option
	if cfg.GraphBaseURL != "" {
		metaOpts = append(metaOpts, messaging.WithGraphBaseURL(cfg.GraphBaseURL))
	}
	meta := messaging.NewMetaClient(metaOpts...)

	wa, err := buildWhatsApp(cfg, flags, meta)
	if err != nil {
		return err
	}
	defer wa.cleanup()

	replier := messaging.NewRouter(meta, registry, wa.sender, wa.provider)

	var dedup store.DedupRepo = store.NewMemoryDedup(store.DefaultDedupRetention)
	if d, ok := leadStore.(store.DedupRepo); ok {
		dedup = d
	}
	rel := relay.New(orch, replier, leadSvc,
		relay.WithAccounts(registry),
		relay.WithDedup(dedup),
		relay.WithSessions(sessions, agent.DefaultAppName),
	)

	consumed := make(chan struct{})
	if wa.service != nil {
		if err := wa.service.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", wa.provider, err)
		}
		go func() {
			defer close(consumed)
			rel.Consume(ctx, wa.service.Inbound())
		}()
		go logReceipts(ctx, wa.service.Receipts())
	} else {
		close(consumed)
	}

	apiOpts := []api.Option{
		api.WithVerifyToken(cfg.VerifyToken),
		api.WithAppSecret(cfg.AppSecret),
		api.WithPublicBaseURL(cfg.PublicBaseURL),
		api.WithStorageName(storageName(cfg)),
		api.WithSessions(sessions),
	}
	if wa.webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(wa.webhook))
	}
	server := api.NewServer(orch, leadSvc, rel, apiOpts...)

	runErr := server.Run(ctx, cfg.APIAddr)
	cancel()

	slog.Info("Draining in-flight messages")
	<-consumed
	rel.Wait()
	if wa.service != nil {
		if err := wa.service.Stop(); err != nil && !errors.Is(err, messaging.ErrServiceStopped) {
			slog.Warn("failed to stop messaging service", "error", err)
		}
	}
	leadSvc.Wait()
	return runErr
}

// buildStoreOptions picks the lead store backend from the DSN.
func buildStoreOptions(cfg *config.Config) []store.Option {
	dsn := cfg.LeadsStoreDSN()
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	case "json":
		slog.Debug("Configuring JSON lead file", "path", dsn)
		return []store.Option{store.WithJSONPath(dsn)}
	default:
		slog.Debug("Configuring SQLite store", "db_path", dsn)
		return []store.Option{store.WithSQLiteDSN(dsn)}
	}
}

// storageName labels the lead backend, plus the mirror when one is enabled.
func storageName(cfg *config.Config) string {
	name := store.DetectDSNType(cfg.LeadsStoreDSN())
	if cfg.MirrorBackend != "" && cfg.MirrorBackend != config.MirrorNone {
		name += "+" + cfg.MirrorBackend
	}
	return name
}

// buildUploader returns the configured mirror, or nil when mirroring is off.
func buildUploader(cfg *config.Config) (mirror.Uploader, error) {
	switch cfg.MirrorBackend {
	case "", config.MirrorNone:
		return nil, nil
	case config.MirrorMinio:
		u, err := mirror.NewMinioUploader(mirror.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Secure:    cfg.MinioSecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure minio mirror: %w", err)
		}
		return u, nil
	case config.MirrorKubo:
		if cfg.KuboAPIURL == "" {
			return nil, fmt.Errorf("KUBO_API_URL is required for the kubo mirror")
		}
		return mirror.NewKuboUploader(cfg.KuboAPIURL, &http.Client{Timeout: leads.DefaultMirrorTimeout}), nil
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.MirrorBackend)
	}
}

// buildSessionStore connects to Redis when configured. A Redis failure falls
// back to process memory so the agent keeps answering.
func buildSessionStore(ctx context.Context, cfg *config.Config) (agent.SessionStore, func()) {
	if cfg.RedisURL != "" {
		rs, err := agent.NewRedisSessionStore(ctx, cfg.RedisURL, agent.DefaultMaxHistory, cfg.SessionTTL)
		if err == nil {
			slog.Info("Using Redis session store")
			return rs, func() {
				if err := rs.Close(); err != nil {
					slog.Warn("failed to close redis session store", "error", err)
				}
			}
		}
		slog.Warn("Redis session store unavailable, using memory", "error", err)
	}
	return agent.NewMemorySessionStore(agent.DefaultMaxHistory), func() {}
}

// buildInvoker creates the model clients that have credentials.
func buildInvoker(ctx context.Context, cfg *config.Config) (*genai.Router, func()) {
	router := &genai.Router{}
	cleanup := func() {}

	openaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIOrg != "" {
		openaiOpts = append(openaiOpts, genai.WithOrganization(cfg.OpenAIOrg))
	}
	if cfg.OpenAIProject != "" {
		openaiOpts = append(openaiOpts, genai.WithProject(cfg.OpenAIProject))
	}
	if oa, err := genai.NewOpenAIInvoker(openaiOpts...); err != nil {
		slog.Warn("OpenAI client not configured", "error", err)
	} else {
		router.OpenAI = oa
	}

	if g, err := genai.NewGeminiInvoker(ctx, cfg.GeminiKey); err != nil {
		slog.Warn("Gemini client not configured", "error", err)
	} else {
		router.Gemini = g
		cleanup = func() {
			if err := g.Close(); err != nil {
				slog.Warn("failed to close gemini client", "error", err)
			}
		}
	}

	if router.OpenAI == nil && router.Gemini == nil {
		slog.Warn("No model provider configured; agent requests will fail until OPENAI_API_KEY or GEMINI_API_KEY is set")
	}
	return router, cleanup
}

// whatsAppWiring is the outcome of configuring the WhatsApp provider.
type whatsAppWiring struct {
	provider string
	sender   messaging.Sender
	service  messaging.Service
	webhook  http.HandlerFunc
	cleanup  func()
}

// buildWhatsApp configures the provider named by WHATSAPP_PROVIDER. Missing
// Meta credentials leave WhatsApp replies disabled; other providers must start.
func buildWhatsApp(cfg *config.Config, flags Flags, meta *messaging.MetaClient) (whatsAppWiring, error) {
	wa := whatsAppWiring{provider: cfg.WhatsAppProvider, cleanup: func() {}}
	switch cfg.WhatsAppProvider {
	case config.WhatsAppProviderMeta:
		if cfg.WhatsAppPhoneNumberID == "" || cfg.WhatsAppAccessToken == "" {
			slog.Warn("WhatsApp Cloud API credentials missing; WhatsApp replies disabled")
			return wa, nil
		}
		wa.sender = messaging.CloudSender{Client: meta, PhoneNumberID: cfg.WhatsAppPhoneNumberID, AccessToken: cfg.WhatsAppAccessToken}

	case config.WhatsAppProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioWhatsAppFrom),
		)
		if err != nil {
			return wa, fmt.Errorf("failed to create twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		if cfg.TwilioValidateWebhook && cfg.PublicBaseURL != "" {
			svc.RequireSignature(client, cfg.PublicBaseURL+"/api/webhooks/twilio")
		} else {
			slog.Warn("Twilio webhook signatures are not validated", "validate", cfg.TwilioValidateWebhook, "public_base_url_set", cfg.PublicBaseURL != "")
		}
		wa.sender, wa.service, wa.webhook = svc, svc, svc.WebhookHandler

	case config.WhatsAppProviderWhatsmeow:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsmeowDSN)}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return wa, fmt.Errorf("failed to create whatsmeow client: %w", err)
		}
		svc := messaging.NewWhatsAppService(client)
		wa.sender, wa.service = svc, svc
		wa.cleanup = client.Disconnect

	case config.WhatsAppProviderNone, "":
		wa.provider = config.WhatsAppProviderNone

	default:
		return wa, fmt.Errorf("unknown WhatsApp provider %q", cfg.WhatsAppProvider)
	}
	slog.Info("WhatsApp provider configured", "provider", wa.provider)
	return wa, nil
}

// logReceipts drains delivery receipts so channel services never block on them.
func logReceipts(ctx context.Context, receipts <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("delivery receipt", "to", r.To, "provider", r.Provider, "status", r.Status)
		}
	}
}
