// Command rodepush-server runs the bundle differential distribution
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/config"
	"github.com/panicfrog/rodepush/datastore/postgres"
	"github.com/panicfrog/rodepush/httpapi"
	"github.com/panicfrog/rodepush/internal/cache"
	"github.com/panicfrog/rodepush/libbundle"
	"github.com/panicfrog/rodepush/libdiff"
	"github.com/panicfrog/rodepush/objstore"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the TOML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, configPath); err != nil {
		fmt.Fprintln(os.Stderr, "rodepush-server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(&cfg.Logging)
	ctx = zlog.ContextWithValues(ctx, "component", "main")

	codec, err := rodepush.ParseCodec(cfg.Compression.Codec)
	if err != nil {
		return err
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL, "rodepush-server", int32(cfg.Database.MaxConnections))
	if err != nil {
		return err
	}
	store, err := postgres.New(ctx, pool)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := newBlobStore(ctx, &cfg.Storage)
	if err != nil {
		return err
	}
	hot, err := newCache(&cfg.Cache)
	if err != nil {
		return err
	}

	bundles, err := libbundle.New(ctx, &libbundle.Options{
		Store:   store,
		Blobs:   blobs,
		Codec:   codec,
		Level:   cfg.Compression.Level,
		Workers: cfg.Server.Workers,
	})
	if err != nil {
		return err
	}
	diffs, err := libdiff.New(ctx, &libdiff.Options{
		Store:          store,
		Blobs:          blobs,
		Chunks:         bundles,
		Cache:          hot,
		CacheTTL:       cfg.CacheTTL(),
		Codec:          codec,
		Level:          cfg.Compression.Level,
		DeltaThreshold: cfg.Diff.DeltaThreshold,
		Timeout:        cfg.DiffTimeout(),
		MaxInFlight:    cfg.Diff.MaxInFlight,
		BudgetBytes:    cfg.Diff.BudgetBytes,
		SweepInterval:  time.Duration(cfg.Diff.SweepIntervalSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	go diffs.Sweep(ctx)

	handler := httpapi.New(&httpapi.Options{
		Store:          store,
		Bundles:        bundles,
		Diffs:          diffs,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		UploadTimeout:  cfg.UploadTimeout(),
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		zlog.Info(ctx).Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zlog.Info(ctx).Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func setupLogging(cfg *config.Logging) {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var l zerolog.Logger
	switch cfg.Format {
	case "json":
		l = zerolog.New(os.Stderr)
	default:
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	l = l.Level(lvl).With().Timestamp().Logger()
	zlog.Set(&l)
}

func newBlobStore(ctx context.Context, cfg *config.Storage) (objstore.Store, error) {
	switch cfg.Type {
	case "filesystem":
		return objstore.NewFilesystem(cfg.BasePath)
	case "s3":
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: true,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "initializing s3 client", Inner: err}
		}
		return objstore.NewS3(client, cfg.Bucket), nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "initializing gcs client", Inner: err}
		}
		return objstore.NewGCS(client.Bucket(cfg.Bucket)), nil
	}
	return nil, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "unknown storage type " + cfg.Type}
}

func newCache(cfg *config.Cache) (cache.Cache, error) {
	switch cfg.Type {
	case "memory":
		return cache.NewMemory(), nil
	case "redis":
		return cache.NewRedis(cfg.URL)
	}
	return nil, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "unknown cache type " + cfg.Type}
}
