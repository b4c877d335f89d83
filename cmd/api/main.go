package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signet.org/internal/audit"
	"signet.org/internal/auth"
	"signet.org/internal/httpapi"
	"signet.org/internal/obs"
	"signet.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	memory := flag.Bool("memory", false, "run against the in-memory store (demo mode, nothing persists)")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("SIGNET_SIGNING_SECRET")
	if secret == "" {
		log.Fatal("SIGNET_SIGNING_SECRET is required")
	}

	var (
		store auth.Store
		ready httpapi.ReadyProbe
		pgs   *pg.Store
	)
	if *memory {
		store = auth.NewMemoryStore()
		log.Print("running with the in-memory store; state is lost on exit")
	} else {
		dsn := os.Getenv("SIGNET_PG_DSN")
		if dsn == "" {
			log.Fatal("SIGNET_PG_DSN is required (or pass -memory)")
		}
		var err error
		pgs, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgs
		ready = httpapi.ReadyProbe{Pinger: pgs}
	}

	events := auth.NewEvents()
	events.Subscribe(audit.Observer())

	opts := []auth.ServiceOption{auth.WithEvents(events)}
	if ttl := durationEnv("SIGNET_ACCESS_TTL"); ttl > 0 {
		opts = append(opts, auth.WithAccessTTL(ttl))
	}
	if ttl := durationEnv("SIGNET_REFRESH_TTL"); ttl > 0 {
		opts = append(opts, auth.WithRefreshTTL(ttl))
	}
	if ttl := durationEnv("SIGNET_RESET_TTL"); ttl > 0 {
		opts = append(opts, auth.WithResetTTL(ttl))
	}
	svc, err := auth.NewService(store, []byte(secret), opts...)
	if err != nil {
		log.Fatalf("new service: %v", err)
	}

	if email := os.Getenv("SIGNET_ADMIN_EMAIL"); email != "" {
		password := os.Getenv("SIGNET_ADMIN_PASSWORD")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := svc.EnsureDefaultAdmin(ctx, email, password); err != nil {
			cancel()
			log.Fatalf("seed admin: %v", err)
		}
		cancel()
	}

	api := httpapi.New(httpapi.Deps{
		Service:     svc,
		Registry:    auth.NewRegistry(store, events),
		Catalog:     auth.NewCatalog(store, events),
		Memberships: auth.NewMemberships(store, events),
		Ready:       ready,
		Version:     version,
	})

	addr := os.Getenv("SIGNET_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting signet-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgs != nil {
		_ = pgs.Close()
	}
	log.Println("Stopped")
}

func durationEnv(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}
