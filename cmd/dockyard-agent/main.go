// Command dockyard-agent runs on a managed host. It connects out to the
// dockyard server over WebSocket, registers with a one-time code on first
// run, and then serves command and Docker RPCs for that host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tbruckner/dockyard/internal/agent"
	"github.com/tbruckner/dockyard/internal/clock"
	"github.com/tbruckner/dockyard/internal/docker"
	"github.com/tbruckner/dockyard/internal/guard"
	"github.com/tbruckner/dockyard/internal/logging"
)

var version = "dev"

func main() {
	serverURL := os.Getenv("DOCKYARD_AGENT_SERVER_URL")
	if serverURL == "" {
		fmt.Fprintln(os.Stderr, "DOCKYARD_AGENT_SERVER_URL must be set")
		os.Exit(1)
	}

	log := logging.New(envBool("DOCKYARD_AGENT_LOG_JSON", true), envStr("DOCKYARD_AGENT_LOG_LEVEL", "info"))

	dockerSock := envStr("DOCKYARD_AGENT_DOCKER_SOCK", "/var/run/docker.sock")
	api, err := docker.NewClient(dockerSock)
	if err != nil {
		log.Error("failed to build docker client", "sock", dockerSock, "error", err)
		os.Exit(1)
	}
	defer api.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := api.Ping(pingCtx); err != nil {
		log.Warn("docker engine unreachable at startup, continuing anyway", "error", err)
	}
	pingCancel()

	var allow *guard.Allowlist
	if path := os.Getenv("DOCKYARD_AGENT_ALLOWLIST"); path != "" {
		allow, err = guard.LoadAllowlist(path)
	} else {
		allow, err = guard.DefaultAllowlist()
	}
	if err != nil {
		log.Error("failed to load command allowlist", "error", err)
		os.Exit(1)
	}
	limit := guard.NewLimiter(4, 30, clock.Real{})

	a := agent.New(agent.Config{
		ServerURL:        serverURL,
		RegistrationCode: os.Getenv("DOCKYARD_AGENT_REGISTRATION_CODE"),
		DataDir:          envStr("DOCKYARD_AGENT_DATA_DIR", "/var/lib/dockyard-agent"),
		DockerSock:       dockerSock,
		Version:          version,
	}, api, allow, limit, log.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}
