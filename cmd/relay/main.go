// Command relay is the model gateway server.
//
// Usage:
//
//	relay serve --config config.yaml
//	relay validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/modelgateway/relay/pkg/blob"
	"github.com/modelgateway/relay/pkg/cache"
	"github.com/modelgateway/relay/pkg/config"
	"github.com/modelgateway/relay/pkg/logger"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/observability"
	"github.com/modelgateway/relay/pkg/providers"
	"github.com/modelgateway/relay/pkg/runner"
	"github.com/modelgateway/relay/pkg/server"
	"github.com/modelgateway/relay/pkg/store"
	"github.com/modelgateway/relay/pkg/tenant"
	"github.com/modelgateway/relay/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the gateway server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides config."`
	LogFormat string `help:"Log format (text or json). Overrides config."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("relay version %s\n", version)
	return nil
}

// ValidateCmd parses the config file and reports errors.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Println("config is valid")
	return nil
}

// ServeCmd starts the gateway server.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Logging.Format = cli.LogFormat
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	logger.Init(logger.ParseLevel(cfg.Logging.Level), os.Stderr, cfg.Logging.Format)
	log := logger.Get()

	tp, err := observability.InitGlobalTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if shutdown, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
		defer func() { _ = shutdown.Shutdown(context.Background()) }()
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	catalog := model.DefaultCatalog()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = st.Close(context.Background()) }()

	runCache, err := buildCache(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	blobStore, err := buildBlob(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	if cfg.Providers.Empty() {
		log.Warn("no provider credentials configured; every run will fail")
	}
	registry, err := providers.NewRegistryFromCredentials(ctx, providers.Credentials{
		OpenAIAPIKey:    cfg.Providers.OpenAIAPIKey,
		AnthropicAPIKey: cfg.Providers.AnthropicAPIKey,
		GoogleAPIKey:    cfg.Providers.GoogleAPIKey,
		MistralAPIKey:   cfg.Providers.MistralAPIKey,
		XAIAPIKey:       cfg.Providers.XAIAPIKey,
		CerebrasAPIKey:  cfg.Providers.CerebrasAPIKey,
		BedrockEnabled:  cfg.Providers.Bedrock.Enabled,
		Bedrock: providers.BedrockConfig{
			Region:          cfg.Providers.Bedrock.Region,
			AccessKeyID:     cfg.Providers.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Providers.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Providers.Bedrock.SessionToken,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	toolRegistry, err := tools.NewHostedRegistry(tools.HostedConfig{
		GoogleSearchAPIKey:   cfg.Tools.GoogleSearchAPIKey,
		GoogleSearchEngineID: cfg.Tools.GoogleSearchEngineID,
		PerplexityAPIKey:     cfg.Tools.PerplexityAPIKey,
	}, metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize hosted tools: %w", err)
	}

	r := runner.New(registry, catalog, toolRegistry, metrics,
		runner.WithTransientRetries(cfg.Runner.TransientRetries),
		runner.WithBaseDelay(cfg.Runner.BaseDelay),
		runner.WithToolDepth(cfg.Runner.ToolDepth),
	)

	directory, ledger, err := buildTenants(cfg, st)
	if err != nil {
		return fmt.Errorf("failed to initialize tenants: %w", err)
	}
	credits := tenant.NewCredits(ledger, cfg.Credits.FloorUSD, nil)

	engineOpts := []runner.EngineOption{runner.WithCredits(credits)}
	if runCache != nil {
		engineOpts = append(engineOpts, runner.WithCache(runCache, cfg.Cache.TTL))
	}
	if blobStore != nil {
		engineOpts = append(engineOpts, runner.WithBlobStore(blobStore))
	}
	if metrics != nil {
		engineOpts = append(engineOpts, runner.WithMetrics(metrics))
	}
	engine := runner.NewEngine(st, catalog, r, engineOpts...)

	serverOpts := []server.ServerOption{server.WithAddr(cfg.Server.Addr)}
	if cfg.Server.BaseURL != "" {
		serverOpts = append(serverOpts, server.WithBaseURL(cfg.Server.BaseURL))
	}
	if cfg.Server.FeedbackSecret != "" {
		serverOpts = append(serverOpts, server.WithFeedbackSecret(cfg.Server.FeedbackSecret))
	}
	if metrics != nil {
		serverOpts = append(serverOpts, server.WithServerMetrics(metrics))
	}
	srv := server.New(engine, st, catalog, directory, serverOpts...)

	log.Info("gateway starting",
		"addr", cfg.Server.Addr,
		"store", cfg.Store.Backend,
		"cache", cfg.Cache.Backend,
		"blob", cfg.Blob.Backend,
		"providers", registry.Providers(),
	)
	return srv.Start(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "mongo":
		return store.NewMongo(ctx, store.MongoOptions{
			URI:      cfg.Store.Mongo.URI,
			Database: cfg.Store.Mongo.Database,
			Timeout:  cfg.Store.Mongo.Timeout,
		})
	default:
		return store.NewMemory(), nil
	}
}

func buildCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisFromAddr(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
	case "none":
		return nil, nil
	default:
		return cache.NewMemory(), nil
	}
}

func buildBlob(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:          cfg.Blob.S3.Bucket,
			Region:          cfg.Blob.S3.Region,
			Endpoint:        cfg.Blob.S3.Endpoint,
			Prefix:          cfg.Blob.S3.Prefix,
			AccessKeyID:     cfg.Blob.S3.AccessKeyID,
			SecretAccessKey: cfg.Blob.S3.SecretAccessKey,
			UsePathStyle:    cfg.Blob.S3.UsePathStyle,
		})
	case "none":
		return nil, nil
	default:
		return blob.NewMemory(), nil
	}
}

// buildTenants wires the tenant directory and credit ledger. With the mongo
// store they share its database; otherwise tenants come from config.
func buildTenants(cfg *config.Config, st store.Store) (tenant.Directory, tenant.Ledger, error) {
	if m, ok := st.(*store.Mongo); ok {
		tm, err := tenant.NewMongo(m.Database(), cfg.Store.Mongo.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return tm, tm, nil
	}

	directory := tenant.NewMemoryDirectory()
	ledger := tenant.NewMemoryLedger()
	for _, tc := range cfg.Tenants {
		directory.Add(&tenant.Tenant{
			Name:                  tc.Name,
			UID:                   tc.UID,
			CreditsUSD:            tc.CreditsUSD,
			LowCreditThresholdUSD: tc.LowCreditThresholdUSD,
		}, tc.Tokens...)
		if tc.CreditsUSD > 0 {
			if _, err := ledger.Credit(context.Background(), tc.UID, tc.CreditsUSD); err != nil {
				return nil, nil, err
			}
		}
	}
	return directory, ledger, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("relay"),
		kong.Description("relay - multi-provider LLM run gateway"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
