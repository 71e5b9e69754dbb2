package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bestai.org/internal/catalog"
	"bestai.org/internal/config"
	"bestai.org/internal/httpapi"
	"bestai.org/internal/idp"
	"bestai.org/internal/obs"
	"bestai.org/internal/platform"
	"bestai.org/internal/secrets"
	"bestai.org/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := catalog.NewPostgres(db)

	verifier := token.NewVerifier(token.VerifierConfig{
		JWKSURL:  cfg.Identity.JWKSURL(),
		Issuer:   cfg.Identity.Issuer(),
		CacheTTL: cfg.Identity.KeyCacheTTL,
	})

	directory := platform.NewIdentityDirectory(idp.NewClient(idp.ClientConfig{
		BaseURL:       cfg.Identity.URL,
		Realm:         cfg.Identity.Realm,
		AdminUser:     cfg.Identity.AdminUser,
		AdminPassword: cfg.Identity.AdminPassword,
	}))

	issuer := secrets.NewIssuer(secrets.IssuerConfig{
		BaseURL: cfg.SecretStore.URL,
		Token:   cfg.SecretStore.Token,
		Mount:   cfg.SecretStore.Mount,
	})

	svc := platform.NewService(store, directory, issuer)
	api := httpapi.New(svc, verifier, db.PingContext)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting bestai-auth %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
