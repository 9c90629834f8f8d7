// Command spanz runs a span collection pipeline behind its HTTP read endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zoobzio/spanz"
	"github.com/zoobzio/spanz/otelspan"
	"github.com/zoobzio/spanz/server"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listen := flag.String("listen", "", "override the listen address")
	debug := flag.Bool("debug", false, "enable development logging")
	demo := flag.Bool("demo", false, "generate synthetic spans")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *listen, *demo, logger); err != nil {
		logger.Fatal("spanz exited", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath, listen string, demo bool, logger *zap.Logger) error {
	cfg := spanz.DefaultConfig()
	if configPath != "" {
		loaded, err := spanz.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}

	pipe, err := spanz.NewPipeline(cfg, spanz.UseLogger(logger))
	if err != nil {
		return err
	}

	srv := server.New(cfg.ListenAddr, pipe, logger)
	if err := srv.Start(); err != nil {
		_ = pipe.Close(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tp *sdktrace.TracerProvider
	if demo {
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(otelspan.NewProcessor(pipe.Tracer(),
				otelspan.WithFlusher(pipe.Collector()),
				otelspan.WithLogger(logger),
			)),
		)
		go generate(ctx, tp.Tracer("spanz-demo"))
		logger.Info("Generating demo spans")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer provider shutdown failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown failed", zap.Error(err))
	}
	if err := pipe.Close(shutdownCtx); err != nil {
		return err
	}

	stats := pipe.Stats()
	logger.Info("spanz stopped",
		zap.Int("buffered", stats.Buffered),
		zap.Uint64("exported", stats.Exported),
		zap.Int64("dropped", stats.Dropped),
		zap.Uint64("malformed", stats.Malformed),
	)
	return nil
}

// generate emits a small frame-like span tree until ctx is done.
func generate(ctx context.Context, tracer trace.Tracer) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	systems := []string{"physics", "render", "audio", "input"}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frameCtx, frame := tracer.Start(ctx, "frame",
			trace.WithAttributes(attribute.String("name", "main_loop")))
		for _, system := range systems {
			_, span := tracer.Start(frameCtx, "system",
				trace.WithAttributes(attribute.String("name", system)))
			time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
			span.End()
		}
		frame.End()
	}
}
