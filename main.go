package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/termshare/termshare/internal/config"
	"github.com/termshare/termshare/internal/handlers"
	"github.com/termshare/termshare/internal/logging"
	"github.com/termshare/termshare/internal/proxy"
	"github.com/termshare/termshare/internal/session"
	"github.com/termshare/termshare/internal/token"
)

func main() {
	config.Load()
	logging.Init()

	sessionMgr := session.NewManager(session.NewTmuxRunner(), config.Cfg.TmuxPrefix, nil)
	tokenMgr := token.NewManager()

	hosts, err := proxy.LoadHosts(config.Cfg.ProxyHostsFile)
	if err != nil {
		log.Fatalf("Remote hosts config: %v", err)
	}
	proxyMgr := proxy.NewTerminalProxyManager(
		hosts,
		config.Cfg.ProxyMaxReconnects,
		parseDuration(config.Cfg.ProxyConnectTimeout, proxy.DefaultConnectTimeout),
		parseDuration(config.Cfg.ProxyIdleTimeout, proxy.DefaultIdleTimeout),
	)
	if len(hosts) > 0 {
		log.Printf("Remote proxying enabled (%d hosts)", len(hosts))
	}

	api := handlers.NewAPI(sessionMgr, tokenMgr)
	api.Proxies = proxyMgr
	api.TokenTTL = parseDuration(config.Cfg.TokenTTL, token.DefaultTTL)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", api.Health)
	r.Get("/ws", api.TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", api.CreateSession)
			r.Get("/", api.ListSessions)
			r.Get("/{id}", api.GetSession)
			r.Post("/{id}/tokens", api.IssueToken)
			r.Get("/{id}/snapshot", api.Snapshot)
		})

		r.Get("/logs", api.ServerLogs)
		r.Delete("/logs", api.ClearServerLogs)

		r.Route("/remote", func(r chi.Router) {
			r.Get("/states", api.RemoteStates)
			r.Post("/{connectionId}/connect", api.ConnectRemote)
			r.Get("/{connectionId}/sessions", api.ListRemoteSessions)
			r.Post("/{connectionId}/sessions", api.CreateRemoteSession)
			r.Delete("/{connectionId}/sessions/{name}", api.KillRemoteSession)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	proxyMgr.Shutdown()
	sessionMgr.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// parseDuration falls back to a default on empty or malformed values so a bad
// environment variable cannot take the service down.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("WARNING: invalid duration %q, using %s", s, fallback)
		return fallback
	}
	return d
}
