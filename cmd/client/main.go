// Package main is a terminal call client: it authenticates against the call
// server, joins (or starts) a room's call, and runs the peer session
// controller over the server's WebSocket event feed with pion transport.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pulsechat/backend/internal/models"
	"github.com/pulsechat/backend/internal/peer"

	"github.com/google/uuid"
)

func main() {
	var (
		apiURL   = flag.String("api", "http://localhost:8080", "server base URL")
		wsURL    = flag.String("ws", "ws://localhost:8080/ws", "server WebSocket URL")
		email    = flag.String("email", "", "account email")
		password = flag.String("password", "", "account password")
		room     = flag.String("room", "", "room id (uuid)")
		kind     = flag.String("kind", "video", "call kind when starting a new call (video|audio)")
		iceURLs  = flag.String("ice", envOr("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), "comma-separated STUN/TURN URLs")
	)
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	if *email == "" || *password == "" || *room == "" {
		fmt.Fprintln(os.Stderr, "usage: client -email ... -password ... -room <uuid>")
		os.Exit(2)
	}
	roomID, err := uuid.Parse(*room)
	if err != nil {
		logger.Fatal("invalid room id", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := peer.NewAPIClient(*apiURL)
	if err := api.Login(ctx, *email, *password); err != nil {
		logger.Fatal("login", zap.Error(err))
	}

	call, creatorID, err := findOrStartCall(ctx, api, roomID, models.CallKind(*kind), logger)
	if err != nil {
		logger.Fatal("call setup", zap.Error(err))
	}

	// Media failure downgrades to observation-only rather than aborting.
	var capture peer.Capture
	if sc, err := peer.NewSampleCapture(); err != nil {
		logger.Warn("joining observation-only", zap.Error(err))
	} else {
		capture = sc
	}

	ctrl := peer.NewController(peer.ControllerConfig{
		CallID:    call,
		SelfID:    api.UserID(),
		CreatorID: creatorID,
		Factory:   peer.NewPionFactory(strings.Split(*iceURLs, ",")),
		Capture:   capture,
		Signaler:  api,
		Lifecycle: api,
		Logger:    logger,
	})

	feed, err := peer.DialFeed(ctx, *wsURL, call, api.Token(), ctrl, logger)
	if err != nil {
		logger.Fatal("event feed", zap.Error(err))
	}
	feedDone := make(chan error, 1)
	go func() { feedDone <- feed.Run(ctx) }()

	// Connect to everyone already in the call.
	views, err := api.Participants(ctx, call)
	if err != nil {
		logger.Fatal("participants", zap.Error(err))
	}
	for _, v := range views {
		if err := ctrl.PeerJoined(ctx, v.UserID); err != nil {
			logger.Warn("peer setup", zap.String("peer", v.UserName), zap.Error(err))
		}
	}

	go func() {
		for e := range ctrl.Events() {
			switch e.Kind {
			case peer.EventPeerConnected:
				fmt.Printf("* connected to %s\n", e.PeerID)
			case peer.EventPeerFailed:
				fmt.Printf("* lost %s: %s\n", e.PeerID, e.Reason)
			case peer.EventPeerClosed:
				fmt.Printf("* %s left\n", e.PeerID)
			}
		}
	}()

	fmt.Println("in call; commands: m=mute v=video s=share S=stop-share p=participants q=leave")
	go readCommands(ctx, ctrl, api, call, logger)

	select {
	case <-ctx.Done():
	case err := <-feedDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("feed closed", zap.Error(err))
		}
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Leave(leaveCtx); err != nil {
		logger.Warn("leave", zap.Error(err))
	}
	_ = feed.Close()
	logger.Info("left call")
}

// findOrStartCall joins the room's active call or starts a new one, returning
// the call id and creator id.
func findOrStartCall(ctx context.Context, api *peer.APIClient, roomID uuid.UUID, kind models.CallKind, logger *zap.Logger) (string, uuid.UUID, error) {
	summary, err := api.ActiveCall(ctx, roomID)
	if err != nil {
		return "", uuid.Nil, err
	}
	if summary != nil {
		if err := api.JoinCall(ctx, summary.CallID); err != nil {
			return "", uuid.Nil, err
		}
		logger.Info("joined call", zap.String("call_id", summary.CallID),
			zap.String("creator", summary.CreatorName), zap.Int("participants", summary.ParticipantCount+1))
		return summary.CallID, summary.CreatorID, nil
	}

	call, err := api.CreateCall(ctx, roomID, kind)
	if err != nil {
		return "", uuid.Nil, err
	}
	logger.Info("started call", zap.String("call_id", call.ID), zap.String("kind", string(call.Kind)))
	return call.ID, call.CreatorID, nil
}

func readCommands(ctx context.Context, ctrl *peer.Controller, api *peer.APIClient, callID string, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			muted, err := ctrl.ToggleMute(ctx)
			report(err, map[bool]string{true: "muted", false: "unmuted"}[muted])
		case "v":
			off, err := ctrl.ToggleVideo(ctx)
			report(err, map[bool]string{true: "video off", false: "video on"}[off])
		case "s":
			report(ctrl.StartScreenShare(), "sharing screen")
		case "S":
			report(ctrl.StopScreenShare(), "stopped sharing")
		case "p":
			views, err := api.Participants(ctx, callID)
			if err != nil {
				fmt.Println("!", err)
				continue
			}
			for _, v := range views {
				flags := ""
				if v.IsMuted {
					flags += " [muted]"
				}
				if v.IsVideoOff {
					flags += " [video off]"
				}
				fmt.Printf("  %s (joined %s)%s\n", v.UserName, v.JoinedAt.Format(time.Kitchen), flags)
			}
		case "q":
			logger.Info("leaving")
			p, _ := os.FindProcess(os.Getpid())
			_ = p.Signal(syscall.SIGINT)
			return
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func report(err error, ok string) {
	if err != nil {
		fmt.Println("!", err)
		return
	}
	fmt.Println("*", ok)
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
