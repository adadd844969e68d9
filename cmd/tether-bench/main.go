// tether-bench drives a tether server with N concurrent clients
// subscribing to a shared channel while one publisher fans out payloads,
// and reports connection and delivery figures.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/tether/client"
	"github.com/adred-codev/tether/event"
	"github.com/adred-codev/tether/monitoring"
)

func main() {
	var (
		url         = flag.String("url", "ws://127.0.0.1:3000/ws", "server WebSocket URL")
		format      = flag.String("format", "json", "wire format")
		clients     = flag.Int("clients", 100, "concurrent clients")
		channelName = flag.String("channel", "bench.fanout", "channel to exercise")
		publishRate = flag.Int("rate", 10, "publishes per second")
		duration    = flag.Duration("duration", 30*time.Second, "run length")
		logLevel    = flag.String("log-level", "warn", "log level")
	)
	flag.Parse()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   *logLevel,
		Format:  "pretty",
		Service: "tether-bench",
	})

	var (
		received  atomic.Int64
		connected atomic.Int64
		sendErrs  atomic.Int64
	)

	pool := make([]*client.Client, 0, *clients)
	for i := 0; i < *clients; i++ {
		var c *client.Client
		c, err := client.New(client.Config{
			URL:    *url,
			Format: *format,
			OnChannelReady: func(uid string, first bool) {
				connected.Add(1)
				// Re-subscribe on every (re)connect; subscriptions do not
				// survive a new session.
				if err := c.Subscribe(*channelName); err != nil {
					sendErrs.Add(1)
				}
			},
			Logger: logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build client")
		}
		c.OnMessage(func(ev event.Event) {
			if ev.ID == event.Publish {
				received.Add(1)
			}
		})
		if err := c.Connect(); err != nil {
			logger.Fatal().Err(err).Msg("connect failed")
		}
		pool = append(pool, c)
	}

	fmt.Printf("started %d clients against %s\n", len(pool), *url)

	ticker := time.NewTicker(time.Second / time.Duration(max(1, *publishRate)))
	defer ticker.Stop()
	deadline := time.After(*duration)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	publisher := pool[0]
	start := time.Now()
	seq := 0

loop:
	for {
		select {
		case <-ticker.C:
			seq++
			err := publisher.Publish(*channelName, map[string]any{
				"seq": seq,
				"ts":  time.Now().UnixMilli(),
			})
			if err != nil {
				sendErrs.Add(1)
			}
		case <-deadline:
			break loop
		case <-sig:
			break loop
		}
	}

	for _, c := range pool {
		c.Close()
	}

	elapsed := time.Since(start)
	fmt.Printf("elapsed:      %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("connected:    %d/%d\n", connected.Load(), len(pool))
	fmt.Printf("published:    %d (errors %d)\n", seq, sendErrs.Load())
	fmt.Printf("received:     %d (%.1f msg/sec)\n", received.Load(), float64(received.Load())/elapsed.Seconds())
}
