package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchwork-run/patchwork/pkg/config"
	"github.com/patchwork-run/patchwork/pkg/controller"
	"github.com/patchwork-run/patchwork/pkg/editor"
	"github.com/patchwork-run/patchwork/pkg/gate"
	"github.com/patchwork-run/patchwork/pkg/log"
	"github.com/patchwork-run/patchwork/pkg/provision"
	"github.com/patchwork-run/patchwork/pkg/publish"
	"github.com/patchwork-run/patchwork/pkg/registry"
	"github.com/patchwork-run/patchwork/pkg/server"
	"github.com/patchwork-run/patchwork/pkg/store"
	"github.com/patchwork-run/patchwork/pkg/validate"
)

var (
	serveConfigFile string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(serveConfigFile)
		if err != nil {
			return err
		}
		if serveListenAddr != "" {
			cfg.ListenAddr = serveListenAddr
		}

		if err := log.Init(log.Config{Level: log.Level(cfg.LogLevel), Format: cfg.LogFormat}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		st, err := store.Open(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		defer st.Close()

		backend, err := provision.NewDockerBackend(cfg.SandboxImage, cfg.DockerNetwork)
		if err != nil {
			return fmt.Errorf("failed to connect to docker: %w", err)
		}

		provisioner := provision.New(provision.Config{
			Scheme:       cfg.PreviewScheme,
			BaseDomain:   cfg.BaseDomain,
			Prefix:       cfg.EnvPrefix,
			ReadyTimeout: cfg.ReadyTimeout,
		}, backend)

		g := gate.New(st, cfg.GatedTools)
		validator := validate.NewRunner(backend, validate.Config{
			CommandTimeout: cfg.CommandTimeout,
			IncludeTests:   cfg.ValidateTests,
		})
		ed := editor.New(backend, editor.Config{})
		syncer := publish.New(backend, publish.Config{
			Remote: cfg.GitRemote,
			Token:  cfg.GitHubToken,
		})
		ctrl := controller.New(controller.Config{MaxRounds: cfg.MaxRounds}, st, g, validator, ed, syncer)

		srv := server.New(server.Deps{
			Config:      cfg,
			Store:       st,
			Registry:    registry.New(st),
			Provisioner: provisioner,
			Gate:        g,
			Controller:  ctrl,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info("patchwork starting", "version", version, "state_dir", cfg.StateDir)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "path to YAML config file")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "listen address override")
}
