package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riotwarden/riotwarden/config"
	"github.com/riotwarden/riotwarden/logger"
	"github.com/riotwarden/riotwarden/ratelimit"
	"github.com/riotwarden/riotwarden/redisclient"
	"github.com/riotwarden/riotwarden/riot"
)

// riotwarden serves a small debug surface so operators can smoke-test a
// credential and store end to end: /healthz for liveness, /fetch?url= for a
// single governed request.
func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg)
	log.Info().Bool("production", cfg.Production).Msg("riotwarden starting")

	rdb := redisclient.New(cfg)
	if err := redisclient.Ping(rdb); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	log.Info().Str("addr", cfg.RedisAddr()).Msg("redis connected")

	client := riot.New(cfg, log)
	httpClient := &http.Client{Timeout: 30 * time.Second}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/fetch", func(w http.ResponseWriter, req *http.Request) {
		endpoint := req.URL.Query().Get("url")
		if endpoint == "" {
			http.Error(w, `{"error":"missing url parameter"}`, http.StatusBadRequest)
			return
		}
		body, err := client.Execute(req.Context(), endpoint, httpClient, rdb)
		if err != nil {
			log.Error().Msg(ratelimit.Render(err))
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if body == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write(body)
	})

	addr := ":8080"
	if v := os.Getenv("WARDEN_ADDR"); v != "" {
		addr = v
	}
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var cooldown ratelimit.CooldownError
	status := http.StatusBadGateway
	if errors.As(err, &cooldown) {
		status = http.StatusTooManyRequests
	}
	var apiErr *ratelimit.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.Status
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, merr := json.Marshal(err)
	if merr != nil || string(payload) == "{}" {
		payload, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	w.Write(payload)
}
