// Package main runs a headless livestream session: it joins a room over the
// signaling hub, negotiates media, follows chat and reactions, and tears the
// session down on SIGINT/SIGTERM or on server-side termination.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bellecare/streamclient/config"
	"github.com/bellecare/streamclient/internal/chat"
	"github.com/bellecare/streamclient/internal/hub"
	"github.com/bellecare/streamclient/internal/media"
	"github.com/bellecare/streamclient/internal/reaction"
	"github.com/bellecare/streamclient/internal/rooms"
	"github.com/bellecare/streamclient/internal/session"
	"github.com/bellecare/streamclient/internal/status"
)

func main() {
	roomID := flag.String("room", "", "room id to join")
	asHost := flag.Bool("host", false, "join as host instead of viewer")
	userID := flag.String("user", "", "user id for the hub connection (default: generated)")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *roomID == "" {
		logger.Fatal("missing -room")
	}
	if *userID == "" {
		*userID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	role := session.RoleViewer
	connType := "2"
	if *asHost {
		role = session.RoleHost
		connType = "1"
	}

	hubURL := hub.BuildHubURL(cfg.Signaling.BaseURL, cfg.Signaling.LivestreamHub, map[string]string{
		"userId": *userID,
		"type":   connType,
	})
	conn := hub.NewConnection(hubURL, logger)
	neg := media.NewNegotiator(logger, cfg.WebRTC.ICEUrls, media.NullSink{})
	chatStream := chat.NewStream(logger, conn, *roomID, *userID)
	reactionStream := reaction.NewStream(logger, conn, *roomID)

	vm := session.New(logger, conn, neg, chatStream, reactionStream, *roomID, role)
	vm.OnStatusChange(func(s session.Status) {
		logger.Info("session status", zap.String("status", s.String()))
	})

	ended := make(chan struct{})
	vm.OnSessionEnd(func() { close(ended) })

	// Room directory: push updates plus the REST poll fallback.
	dirClient := rooms.NewClient(cfg.Signaling.BaseURL,
		time.Duration(cfg.Rooms.RequestTimeout)*time.Second, logger)
	directory := rooms.NewDirectory(logger, dirClient,
		time.Duration(cfg.Rooms.PollIntervalSec)*time.Second)
	directory.OnChange(func() {
		logger.Debug("room directory updated", zap.Int("rooms", len(directory.Snapshot())))
	})
	go directory.Run(ctx)

	if err := vm.Mount(ctx); err != nil {
		logger.Fatal("join failed", zap.Error(err))
	}
	if err := directory.Attach(ctx, conn); err != nil {
		logger.Warn("room update subscription failed", zap.Error(err))
	}

	var statusSrv *http.Server
	if cfg.Status.Port != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		status.NewHandler(vm).Register(router)
		statusSrv = &http.Server{Addr: ":" + cfg.Status.Port, Handler: router}
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("status server", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutting down")
	case <-ended:
		logger.Info("session ended by server")
	}

	vm.Unmount()
	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statusSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("ENV") == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
