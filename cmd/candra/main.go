package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/auth"
	"github.com/satriahrh/candra/internal/avatar"
	"github.com/satriahrh/candra/internal/capture"
	"github.com/satriahrh/candra/internal/config"
	"github.com/satriahrh/candra/internal/playback"
	"github.com/satriahrh/candra/internal/prefs"
	"github.com/satriahrh/candra/internal/protocol"
	"github.com/satriahrh/candra/internal/state"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	store := state.New()

	// Local preferences and chat history
	db, err := prefs.Open(filepath.Join(cfg.DataDir, "candra.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open preference store", zap.Error(err))
	}
	defer db.Close()

	restorePreferences(context.Background(), db, store, cfg, logger)

	// Playback scheduler feeding the speaker
	sink, err := playback.NewOtoSink(cfg.PlaybackRate)
	if err != nil {
		logger.Fatal("Failed to open audio output", zap.Error(err))
	}

	var client *protocol.Client
	scheduler := playback.NewScheduler(playback.Config{
		Logger:     logger,
		Sink:       sink,
		SampleRate: cfg.PlaybackRate,
		Loudness:   &store.Loudness,
		OnPlaying:  func() { client.HandlePlaying() },
		OnDrained:  func() { client.HandleDrained() },
	})
	scheduler.Start()
	defer scheduler.Close()

	client = protocol.NewClient(protocol.Config{
		URL:               cfg.ServerURL,
		Logger:            logger,
		Store:             store,
		Player:            scheduler,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	// Microphone capture
	mic := capture.NewMalgoSource(cfg.CaptureRate)
	pipeline := capture.NewPipeline(mic, store, cfg.CaptureRate, logger)

	// Avatar lip sync driven by playback loudness
	controller := avatar.NewLoggingController(logger)
	controller.StartIdleMotion()
	lipSync := avatar.NewLipSyncDriver(&store.Loudness, controller, logger)
	lipSync.Start()
	defer lipSync.Stop()

	// React to replies: animate emotions and persist the conversation.
	persistMessages(db, store, logger)
	reactToReplies(store, controller)

	logger.Info("Candra started",
		zap.String("server", cfg.ServerURL),
		zap.String("character", store.CurrentCharacter()))

	go commandLoop(client, pipeline, db, store, cfg, logger)

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	pipeline.Cancel()
	client.Disconnect()
}

// restorePreferences loads the stored token, theme, character and the last
// conversation into the state store. An expired token is dropped instead of
// restored.
func restorePreferences(ctx context.Context, db *prefs.Store, store *state.Store, cfg *config.Config, logger *zap.Logger) {
	if token, err := db.GetPreference(ctx, prefs.KeyToken); err == nil && token != "" {
		if _, err := auth.InspectToken(token); err != nil {
			logger.Info("Dropping stored token", zap.Error(err))
			_ = db.DeletePreference(ctx, prefs.KeyToken)
		} else {
			store.SetToken(token)
		}
	}
	if theme, err := db.GetPreference(ctx, prefs.KeyTheme); err == nil && theme != "" {
		store.SetTheme(theme)
	}

	character := cfg.Character
	if stored, err := db.GetPreference(ctx, prefs.KeyCharacter); err == nil && stored != "" {
		character = stored
	}
	store.SetCurrentCharacter(character)

	history, err := db.History(ctx, character)
	if err != nil {
		logger.Warn("Failed to restore history", zap.Error(err))
		return
	}
	for _, msg := range history {
		store.AppendMessage(msg)
	}
}

// persistMessages mirrors newly finalized messages into the local database.
func persistMessages(db *prefs.Store, store *state.Store, logger *zap.Logger) {
	seen := len(store.Messages())
	store.Subscribe(func() {
		msgs := store.Messages()
		if len(msgs) < seen {
			seen = len(msgs)
			return
		}
		for _, msg := range msgs[seen:] {
			if err := db.AppendMessage(context.Background(), store.CurrentCharacter(), msg); err != nil {
				logger.Warn("Failed to persist message", zap.Error(err))
			}
		}
		seen = len(msgs)
	})
}

// reactToReplies plays the avatar reaction for each new assistant reply.
func reactToReplies(store *state.Store, controller avatar.Controller) {
	seen := len(store.Messages())
	store.Subscribe(func() {
		msgs := store.Messages()
		if len(msgs) < seen {
			seen = len(msgs)
			return
		}
		for _, msg := range msgs[seen:] {
			if msg.Role == state.RoleAssistant && msg.Emotion != "" {
				controller.PlayReaction(msg.Emotion)
			}
		}
		seen = len(msgs)
	})
}

// commandLoop reads interactive commands from stdin.
func commandLoop(client *protocol.Client, pipeline *capture.Pipeline, db *prefs.Store, store *state.Store, cfg *config.Config, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Commands: /login [user], /connect, /disconnect, /record, /stop, /cancel, /call, /hangup, /characters, /switch <name>, /clear, /theme <name>, /quit. Anything else is sent as text.")

	inCall := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/login" || strings.HasPrefix(line, "/login "):
			userID := strings.TrimSpace(strings.TrimPrefix(line, "/login"))
			if userID == "" {
				userID = "dev-user"
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			token, err := protocol.FetchToken(ctx, cfg.HTTPBaseURL, userID)
			cancel()
			if err != nil {
				fmt.Println("login failed:", err)
				continue
			}
			store.SetToken(token)
			store.ClearError()
			if err := db.SetPreference(context.Background(), prefs.KeyToken, token); err != nil {
				logger.Warn("Failed to persist token", zap.Error(err))
			}
			fmt.Println("signed in as", userID)

		case line == "/connect":
			if err := client.Connect(store.CurrentCharacter()); err != nil {
				fmt.Println("connect failed:", err)
			}

		case line == "/disconnect":
			client.Disconnect()

		case line == "/record":
			if err := pipeline.Start(capture.Options{Mode: capture.ModeBatch}); err != nil {
				fmt.Println("recording failed:", err)
			}

		case line == "/stop":
			if encoded := pipeline.Stop(); encoded != "" {
				if err := client.SendAudio(encoded, cfg.CaptureRate); err != nil {
					fmt.Println("send failed:", err)
				}
			}

		case line == "/cancel":
			pipeline.Cancel()

		case line == "/call":
			if inCall {
				fmt.Println("already in a call")
				continue
			}
			if err := client.StartCall(cfg.CaptureRate); err != nil {
				fmt.Println("call failed:", err)
				continue
			}
			err := pipeline.Start(capture.Options{
				Mode:          capture.ModeStreaming,
				FlushInterval: cfg.CaptureFlushInterval,
				OnChunk: func(encoded string, rate int) {
					if err := client.SendCallChunk(encoded, rate); err != nil {
						logger.Debug("Dropping call chunk", zap.Error(err))
					}
				},
			})
			if err != nil {
				fmt.Println("call capture failed:", err)
				_ = client.StopCall()
				continue
			}
			inCall = true

		case line == "/hangup":
			if !inCall {
				continue
			}
			pipeline.Stop()
			if err := client.StopCall(); err != nil {
				fmt.Println("hangup failed:", err)
			}
			inCall = false

		case line == "/characters":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			chars, err := protocol.FetchCharacters(ctx, cfg.HTTPBaseURL, store.Token())
			cancel()
			if err != nil {
				fmt.Println("fetch failed:", err)
				continue
			}
			store.SetCharacters(chars)
			for _, c := range chars {
				fmt.Printf("  %s (%s) voice=%s\n", c.Name, c.DisplayName, c.Voice)
			}

		case strings.HasPrefix(line, "/switch "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/switch "))
			if err := client.SwitchCharacter(name); err != nil {
				fmt.Println("switch failed:", err)
				continue
			}
			store.SetCurrentCharacter(name)
			if err := db.SetPreference(context.Background(), prefs.KeyCharacter, name); err != nil {
				logger.Warn("Failed to persist character", zap.Error(err))
			}

		case line == "/clear":
			if err := client.ClearHistory(); err != nil {
				fmt.Println("clear failed:", err)
				continue
			}
			store.ClearMessages()
			if err := db.ClearHistory(context.Background(), store.CurrentCharacter()); err != nil {
				logger.Warn("Failed to clear stored history", zap.Error(err))
			}

		case strings.HasPrefix(line, "/theme "):
			theme := strings.TrimSpace(strings.TrimPrefix(line, "/theme "))
			store.SetTheme(theme)
			if err := db.SetPreference(context.Background(), prefs.KeyTheme, theme); err != nil {
				logger.Warn("Failed to persist theme", zap.Error(err))
			}

		case line == "/quit":
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			return

		default:
			if err := client.SendText(line); err != nil {
				fmt.Println("send failed:", err)
			}
		}
	}
}
