package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	waProto "go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"google.golang.org/protobuf/proto"

	"expresso-wa/internal/api"
	"expresso-wa/internal/config"
	"expresso-wa/internal/database"
	"expresso-wa/internal/logger"
	"expresso-wa/internal/routine"
	"expresso-wa/internal/whatsapp"
)

var (
	noStore bool
	noReply bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the WhatsApp sessions",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logFile, err := logger.Setup(cfg.App.IsProduction(), filepath.Join(cfg.WhatsApp.TempDir, "logs"))
	if err != nil {
		return err
	}
	defer logFile.Close()

	// Configure device identity as Safari on macOS
	store.DeviceProps.Os = proto.String("Mac OS")
	store.DeviceProps.PlatformType = waProto.DeviceProps_SAFARI.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := database.Open(ctx, cfg.Database.Driver(), cfg.Database.DSN(cfg.WhatsApp.TempDir))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	keys := database.NewAPIKeyRepository(db)
	seeded, err := keys.Seed(ctx)
	if err != nil {
		return err
	}
	if seeded != nil {
		fmt.Printf("API key created\n  access key: %s\n  secret key: %s\n", seeded.AccessKey, seeded.SecretKey)
	}

	manager, err := whatsapp.NewManager(whatsapp.Options{
		TempDir:     cfg.WhatsApp.TempDir,
		MaxRetries:  cfg.WhatsApp.MaxRetries,
		UseStore:    cfg.WhatsApp.UseStore && !noStore,
		AutoReply:   cfg.WhatsApp.AutoReply && !noReply,
		LogDatabase: cfg.Database.Logging,
	})
	if err != nil {
		return err
	}

	manager.OnConnected(func(sessionID string) {
		log.Info().Str("session", sessionID).Msg("Session is ready to send messages")
	})
	manager.OnDisconnected(func(sessionID string) {
		log.Warn().Str("session", sessionID).Msg("Session removed, create it again to pair a device")
	})

	if err := manager.LoadAll(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to load sessions")
	}

	scheduler := cron.New()
	if err := routine.Register(scheduler, manager, cfg.WhatsApp.StoreFlush); err != nil {
		return err
	}
	scheduler.Start()

	handlers := api.NewHandlers(manager, cfg.App.Country, cfg.WhatsApp.QRWait)
	router := api.NewRouter(handlers, api.RouterConfig{
		Keys:       keys,
		RateLimit:  cfg.Rate.Limit,
		RateWindow: cfg.Rate.Delay,
		TrustProxy: cfg.Rate.TrustProxy,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.WhatsApp.QRWait + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("app", cfg.App.Name).Str("port", cfg.App.Port).Msg("Server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		log.Error().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Disconnect all WhatsApp clients
	manager.Shutdown()

	log.Info().Msg("Server stopped")
	return nil
}
