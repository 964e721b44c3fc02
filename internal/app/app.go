package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"v64assist/backend/internal/api"
	"v64assist/backend/internal/config"
	"v64assist/backend/internal/llm"
	"v64assist/backend/internal/service"
	"v64assist/backend/internal/store"
)

func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)
	logConfigSource()

	db, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}()
	slog.Info("Successfully connected to SQLite database.")

	st := store.NewSQLiteStore(db)
	provider := llm.NewGeminiProvider(cfg.GenAIURL, cfg.GenAIKey)

	settingsService := service.NewSettingsService(st)
	settings, err := settingsService.InitAndGet(context.Background(), service.Settings{
		SystemPrompt: cfg.SystemPrompt,
		MainModel:    cfg.MainModel,
		SupportModel: cfg.SupportModel,
	})
	if err != nil {
		slog.Error("Failed to initialize application settings", "error", err)
		return 1
	}
	slog.Info("Loaded application settings", "main_model", settings.MainModel)

	profileService := service.NewProfileService(st)
	defer profileService.Flush(context.Background())

	conversationService := service.NewConversationService(st)
	if err := conversationService.Init(context.Background()); err != nil {
		slog.Error("Failed to initialize conversations", "error", err)
		return 1
	}

	chatService := service.NewChatService(conversationService, provider, settingsService, profileService)

	chatHandler := api.NewChatHandler(chatService, conversationService)
	settingsHandler := api.NewSettingsHandler(settingsService, profileService)
	router := api.NewRouter(chatHandler, settingsHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      0, // Disabled for streaming endpoints
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("Starting server", "port", cfg.AppPort)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server failed", "error", err)
		return 1
	}

	return 0
}

func logConfigSource() {
	if file := viper.ConfigFileUsed(); file != "" {
		slog.Info("Successfully loaded configuration from file.", "file", file)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}
