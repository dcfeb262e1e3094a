// Package main boots the hangar control plane: it wires the store, the
// docker runtime, the tenant database provisioner, the GitHub source
// fetcher, the event plane and the HTTP server, then runs until a shutdown
// signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hangar-paas/hangar/api"
	"github.com/hangar-paas/hangar/common"
	"github.com/hangar-paas/hangar/config"
	"github.com/hangar-paas/hangar/docker"
	"github.com/hangar-paas/hangar/githubapp"
	"github.com/hangar-paas/hangar/project"
	"github.com/hangar-paas/hangar/security"
	"github.com/hangar-paas/hangar/sse"
	"github.com/hangar-paas/hangar/store"
	"github.com/hangar-paas/hangar/tenantdb"
	"github.com/hangar-paas/hangar/version"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("HANGAR_CONFIG_FILE"))
	if err != nil {
		common.Logger.WithError(err).Fatal("configuration invalid")
	}

	log := common.NewLogger(common.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "hangar",
		Version: version.ModuleVersion(),
	})

	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("control-plane database unavailable")
	}

	dockerClient, err := docker.NewClient()
	if err != nil {
		log.WithError(err).Fatal("docker daemon unavailable")
	}
	runtime := docker.NewRuntime(dockerClient, docker.Options{
		Prefix:              cfg.Prefix,
		Network:             cfg.DockerNetwork,
		DomainSuffix:        cfg.DomainSuffix,
		TraefikEntrypoint:   cfg.TraefikEntrypoint,
		TraefikCertResolver: cfg.TraefikCertResolver,
		MemoryMB:            cfg.ContainerMemoryMB,
		CPUQuota:            cfg.ContainerCPUQuota,
		GrypeEnabled:        cfg.GrypeEnabled,
		GrypeFailOnSeverity: cfg.GrypeFailOnSeverity,
	}, log)
	defer runtime.Close()

	provisioner, err := tenantdb.New(cfg.MariaDBURL, cfg.DBMaxConnections,
		cfg.MariaDBPublicHost, cfg.MariaDBPublicPort, log)
	if err != nil {
		log.WithError(err).Fatal("tenant database server unavailable")
	}

	encryptionKey, err := cfg.EncryptionKey()
	if err != nil {
		log.WithError(err).Fatal("invalid encryption key")
	}
	secrets, err := security.NewSecrets(encryptionKey)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize secrets layer")
	}
	jwtService := security.NewJWTService(cfg.JWTSecret, cfg.JWTExpiration())

	// Source deployments need a configured GitHub App; without one, image
	// deployments still work.
	var source project.SourceFetcher
	if cfg.GitHubAppID != "" {
		pem, err := cfg.GitHubPrivateKey()
		if err != nil {
			log.WithError(err).Fatal("invalid GitHub App key")
		}
		gh, err := githubapp.New(cfg.GitHubAppID, pem, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize GitHub App client")
		}
		source = gh
	} else {
		log.Warn("no GitHub App configured, source deployments disabled")
	}

	hub := sse.NewHub(log)
	tasks := sse.NewTasks(hub, runtime, st, log)

	orchestrator := project.NewService(st, runtime, source, secrets, hub,
		provisioner, cfg.BuildBaseImage, log)

	server := api.New(cfg, api.Deps{
		Store:        st,
		Orchestrator: orchestrator,
		Provisioner:  provisioner,
		Hub:          hub,
		JWT:          jwtService,
		Secrets:      secrets,
		CAS:          api.NewCASClient(cfg.CASValidationURL),
		HostMetrics:  runtime.HostSummary,
		PingDocker: func(ctx context.Context) error {
			_, err := runtime.ListProjectContainers(ctx)
			return err
		},
		PingStore: st.Ping,
		Log:       log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go tasks.Run(ctx)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown incomplete")
		}
	}()

	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("http server failed")
	}
}
