package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vaultkeep.org/internal/audit"
	"vaultkeep.org/internal/authn"
	"vaultkeep.org/internal/clock"
	"vaultkeep.org/internal/contacts"
	"vaultkeep.org/internal/emergency"
	"vaultkeep.org/internal/notify"
	"vaultkeep.org/internal/obs"
	"vaultkeep.org/internal/session"
	"vaultkeep.org/internal/store/bolt"
	"vaultkeep.org/internal/store/memory"
	"vaultkeep.org/internal/store/pg"
	"vaultkeep.org/internal/sweep"
	"vaultkeep.org/internal/token"
	"vaultkeep.org/internal/verify"
)

var version = "0.3.1"

// stores is satisfied by the pg, bolt, and memory adapters.
type stores interface {
	Contacts() contacts.Store
	Requests() emergency.Store
	Audit() audit.Store
}

func main() {
	obs.Init()

	secret := os.Getenv("VAULTKEEP_TOKEN_SECRET")
	if secret == "" {
		log.Fatal("VAULTKEEP_TOKEN_SECRET is required")
	}

	clk := clock.System()
	minter, err := token.NewMinter([]byte(secret), clk.Now)
	if err != nil {
		log.Fatalf("token minter: %v", err)
	}

	// Store selection: postgres if a DSN is set, else a bolt file, else
	// process memory.
	var st stores
	var closeStore func() error
	switch {
	case os.Getenv("VAULTKEEP_PG_DSN") != "":
		pgStore, err := pg.Open(os.Getenv("VAULTKEEP_PG_DSN"))
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pgStore.EnsureSchema(ctx)
		cancel()
		if err != nil {
			log.Fatalf("ensure schema: %v", err)
		}
		st, closeStore = pgStore, pgStore.Close
	case os.Getenv("VAULTKEEP_BOLT_PATH") != "":
		boltStore, err := bolt.Open(os.Getenv("VAULTKEEP_BOLT_PATH"))
		if err != nil {
			log.Fatalf("open bolt: %v", err)
		}
		st, closeStore = boltStore, boltStore.Close
	default:
		st, closeStore = memory.New(), func() error { return nil }
	}

	recorder := audit.NewRecorder(st.Audit(), clk.Now)
	dispatcher := notify.NewDispatcher(notifier())

	sessions := session.NewController(clk)
	verifier := verify.NewLocal()
	auth := authn.NewService(verifier, sessions, minter, clk)

	registry := contacts.NewRegistry(st.Contacts(), clk, recorder, contacts.WithDispatcher(dispatcher))
	coordinator, err := emergency.NewCoordinator(st.Requests(), registry, dispatcher, minter, clk, recorder, coordinatorOptions()...)
	if err != nil {
		log.Fatalf("emergency coordinator: %v", err)
	}
	registry.SetRemovalHook(func(ctx context.Context, c contacts.Contact) {
		if err := coordinator.DenyForContact(ctx, c.ID); err != nil {
			obs.LogEvent("main", "deny_for_contact_failed", map[string]any{"contact_id": c.ID, "error": err.Error()})
		}
	})

	sweeper := sweep.New(clk, sweepInterval())
	sweeper.Register("auth_attempts", func(ctx context.Context, now time.Time) int {
		return auth.Sweep(now)
	})
	sweeper.Register("sessions", func(ctx context.Context, now time.Time) int {
		return sessions.Sweep(now)
	})
	sweeper.Register("emergency_requests", coordinator.Sweep)

	rootCtx, stopSweeper := context.WithCancel(context.Background())
	go sweeper.Run(rootCtx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := os.Getenv("VAULTKEEP_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting vaultkeepd %s, metrics on %s", version, addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweeper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if err := closeStore(); err != nil {
		log.Printf("close store: %v", err)
	}
	log.Println("Stopped")
}

// notifier picks the delivery port. Only the in-process recorder ships with
// the daemon; production deployments plug in email or push through the same
// interface.
func notifier() notify.Notifier {
	return notify.NewMemory()
}

func coordinatorOptions() []emergency.Option {
	var opts []emergency.Option
	if raw := os.Getenv("VAULTKEEP_WAITING_PERIOD"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("VAULTKEEP_WAITING_PERIOD: %v", err)
		}
		opts = append(opts, emergency.WithWaitingPeriod(d))
	}
	return opts
}

func sweepInterval() time.Duration {
	raw := os.Getenv("VAULTKEEP_SWEEP_INTERVAL")
	if raw == "" {
		return sweep.DefaultInterval
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("VAULTKEEP_SWEEP_INTERVAL: %v", err)
	}
	return d
}
