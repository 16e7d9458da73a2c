// Command rpmsim streams synthetic dialysis machine telemetry to rpmd.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

type options struct {
	server    string
	machines  []string
	interval  time.Duration
	reconnect time.Duration
	logLevel  string
}

func parseFlags() options {
	var o options
	fs := pflag.NewFlagSet("rpmsim", pflag.ExitOnError)
	fs.StringVar(&o.server, "server", "ws://localhost:8000", "rpmd base URL")
	fs.StringSliceVar(&o.machines, "machines", []string{"M1"}, "machine identifiers to simulate")
	fs.DurationVar(&o.interval, "interval", 500*time.Millisecond, "time between frames")
	fs.DurationVar(&o.reconnect, "reconnect", 3*time.Second, "delay before reconnecting")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warning, error)")
	_ = fs.Parse(os.Args[1:])
	return o
}

func main() {
	opts := parseFlags()
	if err := logger.Init(opts.logLevel, false); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range opts.machines {
		g.Go(func() error {
			simulate(ctx, opts, id)
			return nil
		})
	}
	_ = g.Wait()
	logger.Info().Msg("Stopped")
}

// simulate keeps one machine connected until ctx is done.
func simulate(ctx context.Context, opts options, id string) {
	log := logger.Named("sim").With("machine_id", id)
	endpoint, err := url.JoinPath(opts.server, "ws", "machine", id)
	if err != nil {
		log.Error().Err(err).Msg("Invalid server URL")
		return
	}
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(len(id))))

	for {
		log.Info().Str("url", endpoint).Msg("Connecting")
		if err := runConnection(ctx, endpoint, opts.interval, rng, log); err != nil {
			log.Warn().Err(err).Dur("retry_in", opts.reconnect).Msg("Connection lost")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(opts.reconnect):
		}
	}
}

// runConnection runs one connection: a frame every interval, replies read on a
// separate goroutine.
func runConnection(ctx context.Context, endpoint string, interval time.Duration, rng *rand.Rand, log logger.Logger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Msg("Connected, streaming")

	readErr := make(chan error, 1)
	go func() {
		last := -1.0
		for {
			var reply stream.Reply
			if err := conn.ReadJSON(&reply); err != nil {
				readErr <- err
				return
			}
			if reply.ActuatorTarget != last {
				log.Info().Float64("actuator_target", reply.ActuatorTarget).Msg("Actuator target")
				last = reply.ActuatorTarget
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		frame := sample(rng)
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
		log.Debug().Float64("temperature", frame["temperature"]).Msg("Sent frame")

		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
		}
	}
}
