package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/tradewire/go-rfqhub/internal/api"
	"github.com/tradewire/go-rfqhub/internal/config"
	"github.com/tradewire/go-rfqhub/internal/database"
	"github.com/tradewire/go-rfqhub/internal/server"
	"github.com/tradewire/go-rfqhub/internal/stats"
)

const defaultSigningKey = "dDQzNzKQkV1B6pWuN1J1d6mZ2vW8cVrYcXU0kR1hF5c="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	apiAddr        string
	dsn            string
	dbTLS          bool
	signingKey     string
	environment    string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8080", "server address")
	flag.StringVar(&apiAddr, "api-addr", "", "secondary API server address (started only if distinct)")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres", "database connection string")
	flag.BoolVar(&dbTLS, "db-tls", false, "require TLS for the database connection")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.StringVar(&environment, "environment", "development", "runtime environment (development|production)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[rfq-hub] ", log.LstdFlags)

	if !strings.Contains(dsn, "sslmode=") {
		if dbTLS {
			dsn += " sslmode=require"
		} else {
			dsn += " sslmode=disable"
		}
	}

	cfg, err := config.NewConfig(addr, apiAddr, dsn, signingKey, environment, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgRfqHubRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	hub, err := server.NewHub(logger, dbConn, statsUpdater)
	if err != nil {
		logger.Fatal("new hub:", err)
	}

	srv := api.NewRfqHubApp(mux, logger, hub, dbConn, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down hub...")
	if err := hub.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("hub shutdown:", err)
	}

	logger.Println("shutdown complete")
}
