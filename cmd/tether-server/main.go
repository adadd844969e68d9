package main

import (
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/tether/channel"
	"github.com/adred-codev/tether/config"
	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/monitoring"
	"github.com/adred-codev/tether/natsbridge"
	"github.com/adred-codev/tether/server"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		bootstrapLogger := monitoring.NewLogger(monitoring.LoggerConfig{})
		bootstrapLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "tether-server",
	})
	cfg.LogConfig(logger)

	srv, err := server.New(server.Config{
		Addr:              cfg.Addr,
		Format:            cfg.Format,
		MaxConnections:    cfg.MaxConnections,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		SendQueueDepth:    cfg.SendQueueDepth,
		FlushInterval:     cfg.FlushInterval,
		ChannelDefaults: channel.Config{
			MaxSubscribers:          cfg.MaxSubscribers,
			MaxSubscriptionsPerConn: cfg.MaxSubscriptionsPerConn,
		},
		AutoCreateChannels: cfg.AutoCreateChannels,
		RPCTimeout:         cfg.RPCTimeout,
		MessageRate:        cfg.MessageRate,
		MessageBurst:       cfg.MessageBurst,
		StrictDecode:       cfg.StrictDecode,
		Handler: func(connID string, ev event.Event, reply server.ReplyFunc) {
			// Echo handler: correlated requests get their payload back,
			// fire-and-forget events are logged.
			if reply != nil {
				if err := reply(ev); err != nil {
					logger.Debug().Err(err).Str("conn_id", connID).Msg("echo reply rejected")
				}
				return
			}
			logger.Debug().Str("conn_id", connID).Str("event_id", string(ev.ID)).Msg("event received")
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	var bridge *natsbridge.Bridge
	if cfg.NATSUrl != "" {
		bridge, err = natsbridge.New(natsbridge.Config{
			URL:      cfg.NATSUrl,
			Prefix:   cfg.NATSPrefix,
			Channels: srv.Channels(),
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect NATS bridge")
		}
		if err := bridge.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start NATS bridge")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info().Str("signal", received.String()).Msg("shutting down")

	if bridge != nil {
		bridge.Stop()
	}
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}
