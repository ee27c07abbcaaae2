package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/eteran/keeper/internal/metadata"

	"github.com/spf13/cobra"
)

var credentialsPutConfig struct {
	ownerID     string
	displayName string
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the access keys accepted by the server",
}

var credentialsPutCmd = &cobra.Command{
	Use:   "put <access-key> <secret>",
	Short: "Create or replace an access key",
	Long: `Create an access key, or replace the secret and owner of an existing one.
The key is active afterwards, even if it was disabled before.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		accessKey, secret := args[0], args[1]

		owner := credentialsPutConfig.ownerID
		if owner == "" {
			owner = accessKey
		}
		display := credentialsPutConfig.displayName
		if display == "" {
			display = owner
		}

		return withStore(cmd.Context(), func(store metadata.Store) error {
			cred := &metadata.CredentialRecord{
				AccessKeyID: accessKey,
				SecretKey:   secret,
				OwnerID:     owner,
				DisplayName: display,
				Active:      true,
			}
			if err := store.PutCredential(cmd.Context(), cred); err != nil {
				return err
			}
			slog.Info("Credential stored", "access_key", accessKey, "owner", owner)
			return nil
		})
	},
}

var credentialsDisableCmd = &cobra.Command{
	Use:   "disable <access-key>",
	Short: "Stop accepting an access key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accessKey := args[0]

		return withStore(cmd.Context(), func(store metadata.Store) error {
			cred, err := store.GetCredential(cmd.Context(), accessKey)
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("no active credential %q", accessKey)
			}

			cred.Active = false
			if err := store.PutCredential(cmd.Context(), cred); err != nil {
				return err
			}
			slog.Info("Credential disabled", "access_key", accessKey)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsPutCmd)
	credentialsCmd.AddCommand(credentialsDisableCmd)

	credentialsPutCmd.Flags().StringVar(&credentialsPutConfig.ownerID, "owner-id", "", "canonical owner ID (default is the access key)")
	credentialsPutCmd.Flags().StringVar(&credentialsPutConfig.displayName, "display-name", "", "owner display name (default is the owner ID)")
}

// withStore opens the metadata database the server uses, runs fn and closes
// it again.
func withStore(ctx context.Context, fn func(metadata.Store) error) error {
	dbPath, err := metadataPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	store, err := metadata.OpenSQLite(ctx, dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close metadata store", "err", err)
		}
	}()

	return fn(store)
}
