package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/auth"
	"github.com/satriahrh/candra/internal/devserver"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	_ = godotenv.Load()

	secret := os.Getenv("CANDRA_JWT_SECRET")
	if secret == "" {
		secret = "dev-secret"
		logger.Warn("CANDRA_JWT_SECRET not set, using the development default")
	}
	issuer := auth.NewIssuer(secret)

	// Replies come from Gemini when a key is configured, the script otherwise.
	var replier devserver.Replier
	if os.Getenv("GEMINI_API_KEY") != "" {
		gemini, err := devserver.NewGeminiReplier(logger)
		if err != nil {
			logger.Fatal("Failed to initialize Gemini", zap.Error(err))
		}
		replier = gemini
		logger.Info("Using Gemini replies")
	} else {
		replier = devserver.NewScriptedReplier()
		logger.Info("Using scripted replies")
	}

	// Recognition uses Google Cloud Speech when credentials are configured.
	var recognizer devserver.Recognizer
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		recognizer = devserver.GoogleRecognizer{}
		logger.Info("Using Google Cloud speech recognition")
	} else {
		recognizer = devserver.StubRecognizer{}
		logger.Info("Using stub speech recognition")
	}

	// Create Echo instance
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	devserver.InitRoutes(e, issuer, replier, recognizer, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Development server started", zap.String("port", port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
