// ABOUTME: CLI entrypoint for the parley coordination server.
// ABOUTME: Loads env config, wires transport, broker, coordinator, and store, then serves HTTP.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/2389-research/parley/hil"
	"github.com/2389-research/parley/server"
	"github.com/2389-research/parley/store"
	"github.com/2389-research/parley/transport"
	"github.com/2389-research/parley/widget"
)

var version = "dev"

func main() {
	_ = server.LoadDotEnv(".env")

	var (
		showVersion bool
		verbose     bool
	)
	fs := flag.NewFlagSet("parley", flag.ContinueOnError)
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&verbose, "verbose", false, "Verbose (debug-level) logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if showVersion {
		fmt.Printf("parley %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(verbose))
}

func run(verbose bool) int {
	log, err := buildLogger(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	cfg, err := server.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create data dir: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.DBPath, log.Named("store"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open transcript store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	var rules []widget.Rule
	if cfg.RulesPath != "" {
		rules, err = widget.LoadRules(cfg.RulesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: load trigger rules: %v\n", err)
			return 1
		}
	}

	broker := widget.NewBroker(cfg.WidgetMode, nil, log.Named("broker"))
	defer broker.Close()

	coordinator := hil.NewCoordinator(hil.NopControl{}, log.Named("hil"))
	defer coordinator.Close()

	// Signal-aware context for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chat, err := buildTransport(ctx, cfg, broker, coordinator, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	srv := server.NewServer(cfg, chat, broker, coordinator, st, rules, log.Named("server"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// buildLogger constructs the process logger; production JSON by default,
// debug-level development output with -verbose.
func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildTransport picks the chat backend: a WebSocket relay when
// PARLEY_WS_BACKEND is set, otherwise the OpenAI streaming API. A WebSocket
// host also carries brokered widget traffic and interrupt signals, so its
// side channels get wired to the broker and coordinator here.
func buildTransport(ctx context.Context, cfg *server.Config, broker *widget.Broker, coordinator *hil.Coordinator, log *zap.Logger) (transport.ChatTransport, error) {
	if cfg.WSBackendURL != "" {
		ws, err := transport.DialWS(ctx, cfg.WSBackendURL, uuid.New().String(), log.Named("ws"))
		if err != nil {
			return nil, fmt.Errorf("dial chat backend %s: %w", cfg.WSBackendURL, err)
		}

		ws.ResultHandler = func(correlationID string, payload json.RawMessage, errMsg string) {
			broker.Deliver(widget.Result{CorrelationID: correlationID, Payload: payload, Err: errMsg})
		}
		ws.InterruptHandler = func(payload json.RawMessage) {
			var intr hil.Interrupt
			if err := json.Unmarshal(payload, &intr); err != nil {
				log.Warn("malformed interrupt envelope", zap.Error(err))
				return
			}
			coordinator.OnInterrupt(intr)
		}

		// Forward brokered widget requests to the host.
		go func() {
			for req := range broker.Outbound() {
				if err := ws.SendWidgetRequest(req.CorrelationID, req); err != nil {
					broker.Deliver(widget.Failure(req.CorrelationID, err.Error()))
				}
			}
		}()

		return ws, nil
	}

	if cfg.OpenAIKey == "" {
		return nil, errors.New("no chat backend configured: set PARLEY_OPENAI_KEY (or OPENAI_API_KEY) or PARLEY_WS_BACKEND")
	}
	return transport.NewOpenAITransport(cfg.OpenAIKey, cfg.Model, log.Named("openai")), nil
}
