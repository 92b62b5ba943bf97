// Command dockyard is the control-plane server. It accepts agent WebSocket
// connections, routes commands to agents or over SSH, and serves Prometheus
// metrics. One-shot administrative actions (adding a managed server, minting
// a registration code) run as subcommands against the same database.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tbruckner/dockyard/internal/api"
	"github.com/tbruckner/dockyard/internal/clock"
	"github.com/tbruckner/dockyard/internal/config"
	"github.com/tbruckner/dockyard/internal/events"
	"github.com/tbruckner/dockyard/internal/logging"
	"github.com/tbruckner/dockyard/internal/replay"
	"github.com/tbruckner/dockyard/internal/router"
	"github.com/tbruckner/dockyard/internal/secrets"
	"github.com/tbruckner/dockyard/internal/session"
	"github.com/tbruckner/dockyard/internal/sshx"
	"github.com/tbruckner/dockyard/internal/store"
	"github.com/tbruckner/dockyard/internal/watchdog"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// One-shot admin subcommands share the config and database and exit.
	if len(os.Args) > 1 {
		os.Exit(runAdminCommand(db, os.Args[1:]))
	}

	salt, err := secrets.LoadOrCreateSalt(cfg.SaltFilePath)
	if err != nil {
		log.Error("failed to load master-key salt", "path", cfg.SaltFilePath, "error", err)
		os.Exit(1)
	}
	sealer, err := secrets.NewCipher(cfg.MasterKey, salt)
	if err != nil {
		log.Error("failed to derive master key", "error", err)
		os.Exit(1)
	}

	// Agents connected before the last shutdown are still recorded as
	// online. No socket survived the restart, so reset them first.
	if n, err := db.ResetStatuses(); err != nil {
		log.Error("startup status reconciliation failed", "error", err)
		os.Exit(1)
	} else if n > 0 {
		log.Info("reset stale agent statuses", "count", n)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}
	bus := events.New()
	guard := replay.NewGuard(cfg.ReplayWindow, cfg.ReplaySkew, 100_000, clk)

	mgr := session.NewManager(db, bus, cfg.MaxFrameBytes, log.Logger)
	session.RegisterLifecycleHandlers(mgr, db, guard, log.Logger)

	ips := session.NewIPRateLimiter(clk)
	endpoint := session.NewHandler(mgr, db, db, db, db, sealer, ips, session.HandlerOptions{
		AuthTimeout:       cfg.AuthTimeout,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log.Logger)

	shell, err := sshx.NewPool(sshx.Options{
		MaxIdlePerKey:  cfg.SSHPoolSize,
		StrictHostKeys: cfg.StrictHostKeys,
		KnownHostsPath: cfg.SSHKnownHosts,
		ConnectTimeout: cfg.SSHConnectTimout,
	}, log.Logger)
	if err != nil {
		log.Error("failed to build SSH pool", "error", err)
		os.Exit(1)
	}
	defer shell.CloseAll()

	cmdRouter := router.New(db, db, mgr, shell, sealer, cfg.PreferAgent, log.Logger)
	operator := api.New(cmdRouter, mgr, db, api.Options{
		Tokens: api.Tokens{
			Read:    cfg.APIReadToken,
			Execute: cfg.APIExecuteToken,
			Admin:   cfg.APIAdminToken,
		},
		DefaultTimeout: cfg.CommandTimeout,
	}, log.Logger)

	dog := watchdog.New(db, db, bus, clk, watchdog.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMisses:   cfg.HeartbeatMisses,
	}, log.Logger,
		guard,
		watchdog.TrimmerFunc(ips.Cleanup),
	)
	if err := dog.Start(); err != nil {
		log.Error("failed to start watchdog", "error", err)
		os.Exit(1)
	}
	defer dog.Stop()

	// Log lifecycle events as they happen.
	eventCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range eventCh {
			log.Info("event", "type", ev.Type, "agent_id", ev.AgentID, "message", ev.Message)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/api/agent/ws", endpoint)
	mux.Handle("/api/", operator)
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info("dockyard started", "version", version, "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("dockyard stopped")
}

// runAdminCommand handles the one-shot subcommands. Returns an exit code.
func runAdminCommand(db *store.Store, args []string) int {
	switch args[0] {
	case "add-server":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: dockyard add-server <name> <host> [ssh-port] [ssh-user]")
			return 2
		}
		srv := store.Server{
			ID:      args[1],
			Name:    args[1],
			Host:    args[2],
			SSHPort: 22,
			SSHUser: "root",
		}
		if len(args) > 3 {
			port, err := strconv.Atoi(args[3])
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad ssh port %q: %v\n", args[3], err)
				return 2
			}
			srv.SSHPort = port
		}
		if len(args) > 4 {
			srv.SSHUser = args[4]
		}
		if err := db.SaveServer(srv); err != nil {
			fmt.Fprintf(os.Stderr, "save server: %v\n", err)
			return 1
		}
		fmt.Printf("server %s added (%s:%d as %s)\n", srv.ID, srv.Host, srv.SSHPort, srv.SSHUser)
		return 0

	case "mint-code":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: dockyard mint-code <server-id> [ttl]")
			return 2
		}
		ttl := 15 * time.Minute
		if len(args) > 2 {
			d, err := time.ParseDuration(args[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad ttl %q: %v\n", args[2], err)
				return 2
			}
			ttl = d
		}
		if _, err := db.GetServer(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "unknown server %q: %v\n", args[1], err)
			return 1
		}
		code, err := db.MintRegistrationCode(args[1], ttl, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "mint code: %v\n", err)
			return 1
		}
		fmt.Printf("registration code for %s (valid %s):\n%s\n", args[1], ttl, code)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return 2
	}
}
