// Command serialread opens one serial channel, optionally writes a payload,
// and prints the framed response.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Station-Manager/serialcomm"
	"github.com/Station-Manager/serialcomm/internal/logging"
	"github.com/rs/zerolog"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitNoData      = 2
	exitInterrupted = 130
)

// allow tests to swap the hardware driver
var driverByName = serialcomm.DriverByName

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, getenv func(string) (string, bool), stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, getenv, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	var logOut io.Writer = stderr
	if cfg.logFile != "" {
		fw := logging.FileWriter(cfg.logFile)
		defer fw.Close()
		logOut = fw
	}
	l := logging.New(cfg.logFormat, logging.ParseLevel(cfg.logLevel), logOut)
	logging.Set(l)

	if _, err := serialcomm.EncodeText("", cfg.encoding); err != nil {
		fmt.Fprintln(stderr, "configuration error:", err)
		return exitFailure
	}
	serialCfg, err := cfg.serialConfig()
	if err != nil {
		fmt.Fprintln(stderr, "configuration error:", err)
		return exitFailure
	}
	open, err := driverByName(cfg.driver)
	if err != nil {
		fmt.Fprintln(stderr, "configuration error:", err)
		return exitFailure
	}

	metrics := serialcomm.NewMetrics("serialread")
	if cfg.metricsAddr != "" {
		srv, err := startMetricsHTTP(cfg.metricsAddr, metrics, l)
		if err != nil {
			fmt.Fprintln(stderr, "metrics error:", err)
			return exitFailure
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	reg := serialcomm.NewRegistry(
		serialcomm.WithOpener(open),
		serialcomm.WithLogger(l),
		serialcomm.WithMetrics(metrics),
	)
	defer func() {
		if err := reg.CloseAll(); err != nil {
			l.Warn().Err(err).Msg("close_all_failed")
		}
	}()

	if err := reg.Open(cfg.port, serialCfg); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	// Closing the channel ends any blocking driver read on interrupt.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Info().Str("channel", cfg.port).Msg("shutdown_signal")
			_ = reg.Close(cfg.port)
		case <-done:
		}
	}()

	res, err := receive(ctx, cfg, reg, l)
	if ctx.Err() != nil {
		fmt.Fprintln(stderr, "interrupted")
		return exitInterrupted
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	if err := writeResult(stdout, cfg.output, cfg.port, cfg.encoding, res); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	l.Debug().
		Str("health", string(metrics.Snapshot().HealthStatus)).
		Int64("bytes_read", metrics.BytesRead.Load()).
		Msg("serialread_done")
	if res.Empty() {
		return exitNoData
	}
	return exitOK
}

func receive(ctx context.Context, cfg *appConfig, reg *serialcomm.Registry, l zerolog.Logger) (serialcomm.FrameResult, error) {
	tr := serialcomm.NewTransceiver(reg,
		serialcomm.WithFramer(serialcomm.NewFramer(serialcomm.WithFramerLogger(l))),
		serialcomm.WithTransceiverLogger(l),
	)
	if cfg.send != "" {
		req, err := serialcomm.NewTextRequest(cfg.send, cfg.encoding, cfg.pacing, cfg.frameParams())
		if err != nil {
			return serialcomm.FrameResult{}, err
		}
		return tr.SendAndReceive(ctx, cfg.port, req)
	}
	switch cfg.policy {
	case "once":
		return tr.ReadOnce(ctx, cfg.port)
	case "poll":
		return tr.PollOnce(ctx, cfg.port, cfg.maxWait)
	default:
		return tr.Receive(ctx, cfg.port, cfg.frameParams())
	}
}
