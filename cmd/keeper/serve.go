package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/eteran/keeper/internal/auth"
	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/multipart"
	"github.com/eteran/keeper/internal/server"
	"github.com/eteran/keeper/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Recover the data directory and serve the S3 API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":9000", "HTTP listen address")
	serveCmd.Flags().String("tls-listen", ":8443", "HTTPS listen address")
	serveCmd.Flags().String("tls-cert", "", "TLS certificate file; HTTPS is disabled without one")
	serveCmd.Flags().String("tls-key", "", "TLS private key file")
	serveCmd.Flags().String("region", server.DefaultRegion, "region reported for buckets created without a location constraint")
	serveCmd.Flags().Int64("min-part-size", multipart.DefaultMinPartSize, "smallest size in bytes of every multipart part but the last")

	serveCmd.Flags().String("backend", "local", "object data backend (local or s3)")
	serveCmd.Flags().String("gateway-endpoint", "", "S3 endpoint (host:port) of the s3 backend")
	serveCmd.Flags().String("gateway-access-key", "", "access key of the s3 backend")
	serveCmd.Flags().String("gateway-secret-key", "", "secret key of the s3 backend")
	serveCmd.Flags().String("gateway-bucket", "", "remote bucket holding all data of the s3 backend")
	serveCmd.Flags().String("gateway-region", "", "region of the s3 backend")
	serveCmd.Flags().Bool("gateway-secure", true, "use HTTPS to reach the s3 backend")

	serveCmd.Flags().String("admin-access-key", auth.DefaultAccessKeyID, "bootstrap access key seeded on start; empty to skip")
	serveCmd.Flags().String("admin-secret-key", auth.DefaultSecretAccessKey, "secret of the bootstrap access key")
}

// storageBackend builds the configured backend. A nil backend means the
// server uses the local one under the data directory.
func storageBackend() (storage.Backend, error) {
	switch kind := viper.GetString("backend"); kind {
	case "", "local":
		return nil, nil
	case "s3":
		endpoint := viper.GetString("gateway-endpoint")
		bucket := viper.GetString("gateway-bucket")
		if endpoint == "" || bucket == "" {
			return nil, errors.New("the s3 backend needs gateway-endpoint and gateway-bucket")
		}

		client, err := minio.New(endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(viper.GetString("gateway-access-key"), viper.GetString("gateway-secret-key"), ""),
			Secure: viper.GetBool("gateway-secure"),
			Region: viper.GetString("gateway-region"),
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return storage.NewGateway(client, bucket), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// seedAdmin upserts the bootstrap credential, so the configured secret always
// wins over whatever the table holds.
func seedAdmin(ctx context.Context, store metadata.Store) error {
	accessKey := viper.GetString("admin-access-key")
	if accessKey == "" {
		return nil
	}

	secret := viper.GetString("admin-secret-key")
	if secret == "" {
		return errors.New("admin-secret-key must not be empty")
	}

	err := store.PutCredential(ctx, &metadata.CredentialRecord{
		AccessKeyID: accessKey,
		SecretKey:   secret,
		OwnerID:     accessKey,
		DisplayName: accessKey,
		Active:      true,
	})
	if err != nil {
		return fmt.Errorf("seed bootstrap credential: %w", err)
	}

	if accessKey == auth.DefaultAccessKeyID && secret == auth.DefaultSecretAccessKey {
		slog.Warn("Serving with the default credentials", "access_key", accessKey)
	}
	return nil
}

func runServe(ctx context.Context) error {
	absDataDir, err := dataDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath, err := metadataPath()
	if err != nil {
		return err
	}

	backend, err := storageBackend()
	if err != nil {
		return err
	}

	opts := []server.ConfigOption{
		server.WithDataDir(absDataDir),
		server.WithMetadataPath(dbPath),
		server.WithRegion(viper.GetString("region")),
		server.WithMinPartSize(viper.GetInt64("min-part-size")),
	}
	if backend != nil {
		opts = append(opts, server.WithStorageBackend(backend))
	}

	srv, err := server.NewServer(ctx, server.NewConfig(opts...))
	if err != nil {
		return fmt.Errorf("failed to create keeper server: %w", err)
	}

	defer srv.Close()

	if err := seedAdmin(ctx, srv.Config.Store); err != nil {
		return err
	}

	router := srv.Handler()

	httpServer := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	httpsServer := &http.Server{
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		Addr:              viper.GetString("tls-listen"),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	certFile := viper.GetString("tls-cert")
	keyFile := viper.GetString("tls-key")

	eg, ctx := errgroup.WithContext(ctx)
	shutdown := func(s *http.Server) error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}

	eg.Go(func() error {
		return shutdown(httpsServer)
	})

	eg.Go(func() error {
		return shutdown(httpServer)
	})

	eg.Go(func() error {
		if certFile == "" || keyFile == "" {
			slog.Debug("Skipping HTTPS service because no certificate was provided")
			return nil
		}

		slog.Info("Starting Keeper HTTPS server", "addr", httpsServer.Addr)
		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	eg.Go(func() error {
		slog.Info("Starting Keeper HTTP server", "addr", httpServer.Addr)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Keeper Started", "data_dir", absDataDir, "metadata", dbPath, "backend", viper.GetString("backend"))
	return eg.Wait()
}
