package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"geotrail/internal/config"
	"geotrail/internal/dispatch"
	"geotrail/internal/geofence"
	"geotrail/internal/logger"
	"geotrail/internal/models"
	"geotrail/internal/mqtt"
	"geotrail/internal/provider"
	"geotrail/internal/repository"
	"geotrail/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "geotrail")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting geotrail engine")

	// 打开存储
	db, err := repository.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	locations := repository.NewLocationRepository(db, log)
	geofences := repository.NewGeofenceRepository(db, log)
	logs := repository.NewLogRepository(db, log)
	sessions := repository.NewSessionRepository(db, log)

	// 事件分发与持久化日志
	dispatcher := dispatch.NewDispatcher(256, log)
	dispatcher.AddSink(dispatch.NewLogSink(logs, log))

	// 定位/活动提供者：生产环境走 MQTT 设备流，否则用回放适配器
	var (
		locationProvider provider.LocationProvider
		activityProvider provider.ActivityProvider
		batterySource    provider.BatterySource
	)
	if cfg.MQTT.Enabled {
		client, err := mqtt.NewClient(mqtt.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, log)
		if err != nil {
			log.Fatal("Failed to connect MQTT broker", zap.Error(err))
		}
		defer client.Disconnect()

		deviceProvider, err := provider.NewMQTTProvider(client, cfg.MQTT.TopicPrefix, log)
		if err != nil {
			log.Fatal("Failed to initialize MQTT provider", zap.Error(err))
		}
		defer deviceProvider.Close()

		locationProvider = deviceProvider
		activityProvider = deviceProvider
		batterySource = deviceProvider
		dispatcher.AddSink(dispatch.NewMQTTSink(client, cfg.MQTT.TopicPrefix, byte(cfg.MQTT.PublishQoS), log))
	} else {
		log.Warn("MQTT disabled, using replay provider")
		replay := provider.NewReplayProvider()
		locationProvider = replay
		activityProvider = replay
		batterySource = replay
	}

	platform := geofence.NewSoftwareMonitor(cfg.Geofence.InitialTriggerEntry, log)

	engine := service.NewEngine(service.Deps{
		Config:     cfg,
		Locations:  locations,
		Geofences:  geofences,
		Logs:       logs,
		Sessions:   sessions,
		Location:   locationProvider,
		Activity:   activityProvider,
		Battery:    batterySource,
		Platform:   platform,
		Dispatcher: dispatcher,
		Logger:     log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	engine.Run(ctx)

	state, err := engine.Ready(ctx)
	if err != nil {
		log.Fatal("Engine readiness check failed", zap.Error(err))
	}
	log.Info("Engine ready",
		zap.Bool("enabled", state.Enabled),
		zap.String("mode", state.TrackingMode),
		zap.Float64("odometer", state.Odometer),
	)

	// 按上次会话的跟踪模式恢复
	if state.TrackingMode == models.TrackingModeGeofence {
		err = engine.StartGeofences(ctx)
	} else {
		err = engine.Start(ctx)
	}
	if err != nil {
		log.Fatal("Failed to start tracking", zap.Error(err))
	}

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	engine.Shutdown()
	cancel()
	dispatcher.Wait()
	log.Info("Engine stopped")
}
