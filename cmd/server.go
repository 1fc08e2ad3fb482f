// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filecrate/filecrate/pkg/api"
	"github.com/filecrate/filecrate/pkg/debug"
	"github.com/filecrate/filecrate/pkg/ledger"
	"github.com/filecrate/filecrate/pkg/logger"
	"github.com/filecrate/filecrate/pkg/registry"
	"github.com/filecrate/filecrate/pkg/storage/backend"
	"github.com/filecrate/filecrate/pkg/types"
	"github.com/filecrate/filecrate/pkg/upload"
	"github.com/filecrate/filecrate/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ServerOpts holds all configuration for the upload server
type ServerOpts struct {
	// Network binding
	BindAddr  string // Address to bind to (e.g., "0.0.0.0:8080" or ":8080")
	DebugPort int    // Debug/metrics HTTP port

	// Storage backend
	StorageType string
	StoragePath string // For local backend
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	// Metadata database. Empty DSN selects the in-memory stores.
	DatabaseDSN string

	// Upload limits
	MaxFileSize      string // human readable, e.g. "5GiB"
	MaxChunks        int
	ChunkReadTimeout time.Duration

	// Stale session janitor
	JanitorInterval  time.Duration // 0 = disabled
	JanitorRetention time.Duration
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start upload server",
	Long: `Start the filecrate upload server that receives chunked uploads,
verifies their integrity, and merges them into finalized files.`,
	Run: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	f := serverCmd.Flags()

	f.String("bind_addr", "0.0.0.0:8080", "Address to bind HTTP server (host:port)")
	f.Int("debug_port", 8090, "Debug/metrics HTTP port")

	f.String("storage_type", "local", "Blob storage backend type (local or s3)")
	f.String("storage_path", "/var/lib/filecrate", "Base path for local storage backend")
	f.String("s3_endpoint", "", "S3-compatible endpoint URL (empty for AWS)")
	f.String("s3_bucket", "", "S3 bucket name")
	f.String("s3_region", "", "S3 region")
	f.String("s3_access_key", "", "S3 access key")
	f.String("s3_secret_key", "", "S3 secret key")

	f.String("database_dsn", "", "PostgreSQL DSN for chunk ledger and file registry (empty = in-memory)")

	f.String("max_file_size", "5GiB", "Maximum declared file size (e.g. '500MiB', '5GiB')")
	f.Int("max_chunks", 10000, "Maximum chunk count per upload session")
	f.Duration("chunk_read_timeout", 30*time.Second, "Per-chunk read timeout during merge")

	f.Duration("janitor_interval", 15*time.Minute, "How often to reap stale upload sessions (0 = disabled)")
	f.Duration("janitor_retention", 24*time.Hour, "Idle time before an unmerged session is reaped")

	viper.BindPFlags(f)
}

func runServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("server", false)
	opts := loadServerOpts(cmd)

	debug.SetNotReady()

	maxFileSize, err := humanize.ParseBytes(opts.MaxFileSize)
	if err != nil {
		logger.Fatal().Err(err).Str("max_file_size", opts.MaxFileSize).Msg("invalid max_file_size")
	}

	blobStore, err := backend.New(types.BackendConfig{
		Type:      types.StorageType(opts.StorageType),
		Path:      opts.StoragePath,
		Endpoint:  opts.S3Endpoint,
		Bucket:    opts.S3Bucket,
		Region:    opts.S3Region,
		AccessKey: opts.S3AccessKey,
		SecretKey: opts.S3SecretKey,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("storage_type", opts.StorageType).Msg("failed to create storage backend")
	}
	defer blobStore.Close()

	chunkLedger, fileRegistry := openStores(cmd, opts)
	defer chunkLedger.Close()
	defer fileRegistry.Close()

	service, err := upload.NewService(upload.Config{
		Ledger:           chunkLedger,
		Registry:         fileRegistry,
		Backend:          blobStore,
		MaxFileSize:      int64(maxFileSize),
		MaxChunks:        opts.MaxChunks,
		ChunkReadTimeout: opts.ChunkReadTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create upload service")
	}

	var janitor *upload.Janitor
	if opts.JanitorInterval > 0 {
		janitor = upload.NewJanitor(upload.JanitorConfig{
			Ledger:    chunkLedger,
			Service:   service,
			Interval:  opts.JanitorInterval,
			Retention: opts.JanitorRetention,
		})
		janitor.Start(cmd.Context())
		logger.Info().
			Dur("interval", opts.JanitorInterval).
			Dur("retention", opts.JanitorRetention).
			Msg("Started stale upload janitor")
	}

	mux := http.NewServeMux()
	api.NewUploadServer(mux, service)

	bindHost, _, err := net.SplitHostPort(opts.BindAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("bind_addr", opts.BindAddr).Msg("invalid bind_addr format, expected host:port")
	}

	logger.Info().
		Str("bind_addr", opts.BindAddr).
		Str("storage_type", opts.StorageType).
		Str("max_file_size", humanize.IBytes(maxFileSize)).
		Int("max_chunks", opts.MaxChunks).
		Msg("Upload server configuration")

	httpServer := startHTTPServerOn(mux, opts.BindAddr)
	debugServer := startHTTPServerOn(debug.GetMux(), utils.JoinHostPort(bindHost, opts.DebugPort))

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	if janitor != nil {
		janitor.Stop()
	}
	httpServer.Shutdown(cmd.Context())
	debugServer.Shutdown(cmd.Context())
}

func loadServerOpts(cmd *cobra.Command) ServerOpts {
	f := NewFlagLoader(cmd)

	return ServerOpts{
		BindAddr:         f.String("bind_addr"),
		DebugPort:        f.Int("debug_port"),
		StorageType:      f.String("storage_type"),
		StoragePath:      f.String("storage_path"),
		S3Endpoint:       f.String("s3_endpoint"),
		S3Bucket:         f.String("s3_bucket"),
		S3Region:         f.String("s3_region"),
		S3AccessKey:      f.String("s3_access_key"),
		S3SecretKey:      f.String("s3_secret_key"),
		DatabaseDSN:      f.String("database_dsn"),
		MaxFileSize:      f.String("max_file_size"),
		MaxChunks:        f.Int("max_chunks"),
		ChunkReadTimeout: f.Duration("chunk_read_timeout"),
		JanitorInterval:  f.Duration("janitor_interval"),
		JanitorRetention: f.Duration("janitor_retention"),
	}
}

// openStores builds the chunk ledger and file registry, Postgres-backed when
// a DSN is configured and in-memory otherwise.
func openStores(cmd *cobra.Command, opts ServerOpts) (ledger.Store, registry.Store) {
	if opts.DatabaseDSN == "" {
		logger.Warn().Msg("No database_dsn configured - using in-memory stores (state is lost on restart)")
		return ledger.NewMemory(), registry.NewMemory()
	}

	chunkLedger, err := ledger.NewPostgres(opts.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open chunk ledger")
	}
	if err := chunkLedger.Migrate(cmd.Context()); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate chunk ledger")
	}

	fileRegistry, err := registry.NewPostgres(opts.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open file registry")
	}
	if err := fileRegistry.Migrate(cmd.Context()); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate file registry")
	}

	return chunkLedger, fileRegistry
}

func startHTTPServerOn(handler http.Handler, addr string) *http.Server {
	listener, err := utils.NewListener(addr, 0)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", addr).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
