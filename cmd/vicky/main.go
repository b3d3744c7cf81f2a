// Command vicky is the delegation server: it exposes the HTTP/JSON and
// SSE API, owns the scheduler, and archives finished task logs to object
// storage. Startup follows the same shape throughout this repo: persistent
// log flags, a metrics server started in the background, and signal-based
// graceful shutdown, all run from a single long-lived process rather than
// a subcommand tree.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/wobcom/vicky/pkg/api"
	"github.com/wobcom/vicky/pkg/auth"
	"github.com/wobcom/vicky/pkg/config"
	"github.com/wobcom/vicky/pkg/events"
	"github.com/wobcom/vicky/pkg/log"
	"github.com/wobcom/vicky/pkg/logdrain"
	"github.com/wobcom/vicky/pkg/metrics"
	vickys3 "github.com/wobcom/vicky/pkg/objectstore/s3"
	"github.com/wobcom/vicky/pkg/scheduler"
	"github.com/wobcom/vicky/pkg/storage"
	"github.com/wobcom/vicky/pkg/storage/boltstore"
	"github.com/wobcom/vicky/pkg/storage/postgres"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vicky",
	Short:   "Vicky delegation server",
	Version: version,
	RunE:    runServe,
}

func init() {
	rootCmd.Flags().String("config", "", "Path to a config file (optional; env vars override)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.SetVersionTemplate(fmt.Sprintf("vicky version %s\n", version))
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(firstNonEmpty(cfg.Log.Level, logLevel)),
		JSONOutput: cfg.Log.JSONOutput || logJSON,
	})
	metrics.SetVersion(version)
	logger := log.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return fmt.Errorf("open storage: %w", err)
	}
	metrics.RegisterComponent("storage", true, "")

	objects, err := openObjectStore(ctx, cfg.S3)
	if err != nil {
		metrics.RegisterComponent("objectstore", false, err.Error())
		return fmt.Errorf("open object store: %w", err)
	}
	metrics.RegisterComponent("objectstore", true, "")

	discovery, err := discoverOIDC(ctx, cfg.OIDC.WellKnownURI)
	if err != nil {
		return fmt.Errorf("discover OIDC endpoints: %w", err)
	}
	verifier, err := auth.NewVerifier(ctx, auth.Config{
		JWKSURL:       discovery.JWKSURI,
		UserinfoURL:   discovery.UserinfoEndpoint,
		MachineTokens: cfg.MachineTokens,
	}, store)
	if err != nil {
		return fmt.Errorf("build auth verifier: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	logs := logdrain.New(objects)
	sched := scheduler.New(store, broker)

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(store, objects, logs, sched, broker, verifier)
	metrics.RegisterComponent("api", true, "")

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "bolt":
		return boltstore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openObjectStore(ctx context.Context, cfg config.S3Config) (*vickys3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	inner := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	client := vickys3.New(inner, cfg.LogBucket)
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// oidcDiscovery is the subset of the provider's well-known configuration
// document the verifier needs: the JWKS and userinfo endpoints.
type oidcDiscovery struct {
	JWKSURI          string `json:"jwks_uri"`
	UserinfoEndpoint string `json:"userinfo_endpoint"`
}

func discoverOIDC(ctx context.Context, wellKnownURI string) (*oidcDiscovery, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", wellKnownURI, err)
	}
	defer resp.Body.Close()

	var doc oidcDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" || doc.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("discovery document at %s missing jwks_uri or userinfo_endpoint", wellKnownURI)
	}
	return &doc, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
