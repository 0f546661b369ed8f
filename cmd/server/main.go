package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/kevinxiao27/yata/hub"
	"github.com/kevinxiao27/yata/store"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", envOr("YATA_ADDR", ":8080"), "listen address")
	dbPath := flag.String("db", envOr("YATA_DB", "yata.db"), "snapshot database path, empty keeps documents in memory")
	debug := flag.Bool("debug", os.Getenv("YATA_DEBUG") != "", "verbose logging")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	var st *store.Store
	if *dbPath != "" {
		var err error
		st, err = store.Open(*dbPath, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *dbPath).Msg("opening store")
		}
		defer st.Close()
	}

	h := hub.New(st, logger)
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.HandleWS)
	r.HandleFunc("/docs", h.HandleDocs).Methods("GET")
	r.HandleFunc("/docs/{id}", h.HandleDoc).Methods("GET")

	logger.Info().Str("addr", *addr).Msg("sync server starting")
	logger.Info().Str("url", "ws://localhost"+*addr+"/ws").Msg("websocket endpoint")

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	// Shutdown never touches hijacked websockets; the hub closes those
	logger.Info().Msg("shutting down")
	h.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
}
