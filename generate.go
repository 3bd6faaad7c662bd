package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"expresso-wa/internal/config"
	"expresso-wa/internal/database"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Refresh the secrets in .env and create an API key",
	RunE:  runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	if _, err := config.GenerateSecrets(".env", config.SecretKeys); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tempDir := cfg.WhatsApp.TempDir
	if err := config.EnsureDirs(tempDir, filepath.Join(tempDir, "logs")); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.Open(ctx, cfg.Database.Driver(), cfg.Database.DSN(tempDir))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	key, err := database.NewAPIKeyRepository(db).Generate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("API key created\n  access key: %s\n  secret key: %s\n", key.AccessKey, key.SecretKey)
	return nil
}
