package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/archive"
	"github.com/playgrid/arena/internal/bus"
	appcfg "github.com/playgrid/arena/internal/config"
	"github.com/playgrid/arena/internal/gateway"
	"github.com/playgrid/arena/internal/match"
	"github.com/playgrid/arena/internal/matchmaking"
	"github.com/playgrid/arena/internal/obslog"
	"github.com/playgrid/arena/internal/presence"
	"github.com/playgrid/arena/internal/router"
	"github.com/playgrid/arena/internal/store"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	logger.Info("arenad_start", zap.String("instance_id", cfg.InstanceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis init error", zap.Error(err))
	}

	busConn, err := bus.Connect(ctx, cfg.NATSURL, "arenad-"+cfg.InstanceID)
	if err != nil {
		logger.Fatal("bus init error", zap.Error(err))
	}

	dir := presence.NewDirectory(st, busConn, cfg.PresenceTTL, cfg.StrikeThreshold)
	notif := router.NewNotifier(dir, busConn)
	mgr := match.NewManager(st, dir, notif, cfg.TurnTimeout, cfg.PauseTimeout)

	// match history is optional; without a database matches simply go unarchived
	if cfg.DatabaseURL != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("archive init error", zap.Error(err))
		}
		defer repo.Close()
		mgr.AttachArchiver(repo)
	} else {
		logger.Warn("archive disabled: DATABASE_URL not set")
	}

	mm := matchmaking.NewEngine(st, dir, mgr, notif, cfg.QueueScanLimit)
	gw := gateway.New(cfg.InstanceID, cfg.DefaultRating, dir, mm, mgr, busConn, notif)
	wd := match.NewWatchdog(st, mgr)

	dispatcher := gateway.NewDispatcher(mm, mgr)
	if _, err := busConn.ConsumeCommands(ctx, "arenad", dispatcher.Handle); err != nil {
		logger.Fatal("command consumer error", zap.Error(err))
	}
	if _, err := busConn.SubscribeNotifications(cfg.InstanceID, gw.DeliverNotification); err != nil {
		logger.Fatal("notification subscribe error", zap.Error(err))
	}

	go mm.Run(ctx, cfg.MatchmakerInterval)
	go wd.Run(ctx, cfg.WatchdogInterval)
	go dir.RunJanitor(ctx, cfg.JanitorInterval)

	status := gateway.NewStatusServer(cfg.InstanceID, busConn, mm, gw)
	go func() {
		if err := status.Serve(ctx, cfg.StatusListenAddr); err != nil {
			logger.Error("status listener error", zap.Error(err))
		}
	}()
	go func() {
		if err := gw.Serve(ctx, cfg.WSListenAddr); err != nil {
			logger.Error("gateway listener error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("arenad_shutdown", zap.String("instance_id", cfg.InstanceID))

	cancel()
	busConn.Close()
	_ = st.Close()
}
