package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/tradewire/go-rfqhub/internal/config"
	"github.com/tradewire/go-rfqhub/internal/database"
	"github.com/tradewire/go-rfqhub/internal/server"
)

type RfqHubApp struct {
	log            *log.Logger
	db             database.RfqHubRepository
	hub            *server.Hub
	srv            *http.Server
	apiSrv         *http.Server
	signingKey     []byte
	allowDevBypass bool
	allowedOrigins []string
}

func NewRfqHubApp(mux *http.ServeMux, logger *log.Logger, hub *server.Hub, db database.RfqHubRepository, cfg *config.Config) *RfqHubApp {
	s := &RfqHubApp{
		log:            logger,
		db:             db,
		hub:            hub,
		signingKey:     cfg.SigningKey,
		allowDevBypass: !cfg.IsProduction(),
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/notifications", s.getNotifications)
	mux.HandleFunc("GET /api/notification/create", s.createDemoNotification)
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	// a secondary plain-HTTP API listener is only started when its
	// address differs from the primary
	if cfg.ApiAddr != "" && cfg.ApiAddr != cfg.ServerAddr {
		s.apiSrv = &http.Server{
			Addr:    cfg.ApiAddr,
			Handler: h,
		}
	}

	return s
}

func (s *RfqHubApp) Start() error {
	if s.apiSrv != nil {
		go func() {
			s.log.Printf("starting API server on %s\n", s.apiSrv.Addr)
			if err := s.apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Println("api server:", err)
			}
		}()
	}

	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *RfqHubApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")

	if s.apiSrv != nil {
		if err := s.apiSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
