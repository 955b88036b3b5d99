package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/iot-identity-provisioning/cmd/flags"
	"github.com/ruteri/iot-identity-provisioning/config"
	"github.com/ruteri/iot-identity-provisioning/httpserver"
	"github.com/urfave/cli/v2"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the ops server and periodic reconciliation",
		Flags: append([]cli.Flag{
			&cli.DurationFlag{
				Name:  "reconcile-interval",
				Value: 15 * time.Minute,
				Usage: "how often to reclaim orphaned shared identities; 0 disables",
			},
		}, flags.ServerFlags...),
		Action: runServe,
	}
}

func runServe(cCtx *cli.Context) error {
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return err
	}
	logger := flags.SetupLogger(cCtx, cfg)

	var unseal *httpserver.UnsealHandler
	if needsUnseal(cfg) {
		unseal, err = newUnsealHandler(cfg.Issuer.Local.Unseal, logger)
		if err != nil {
			return err
		}
	}

	server, err := httpserver.New(flags.ConfigureServer(cfg, logger, unseal))
	if err != nil {
		logger.Error("failed to create server", "err", err)
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var unsealed seedSource
	if unseal != nil {
		unsealed = unseal.WaitForSeed
	}
	rt, err := buildRuntime(ctx, cfg, logger, unsealed)
	if err != nil {
		logger.Error("failed to start provisioner", "err", err)
		return err
	}
	defer rt.Close()

	logger.Info("provisioner running", "issuer", cfg.Issuer.Type, "store", cfg.Store.Driver)

	interval := cCtx.Duration("reconcile-interval")
	if interval <= 0 {
		<-ctx.Done()
	} else {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if _, err := reconcileAll(ctx, rt, ""); err != nil {
					logger.Warn("reconcile pass failed", "err", err)
				}
			}
		}
	}

	logger.Info("shutdown signal received")
	return nil
}

func needsUnseal(cfg *config.Config) bool {
	local := cfg.Issuer.Local
	return cfg.Issuer.Type == "local" && local.SeedHex == "" && local.Passphrase == "" &&
		len(local.SeedShares) == 0 && local.Unseal.CustodiansFile != ""
}

func newUnsealHandler(cfg config.UnsealConfig, log *slog.Logger) (*httpserver.UnsealHandler, error) {
	f, err := os.Open(cfg.CustodiansFile)
	if err != nil {
		return nil, fmt.Errorf("opening custodians file: %w", err)
	}
	defer f.Close()

	custodians, err := httpserver.LoadCustodianKeys(f)
	if err != nil {
		return nil, err
	}
	return httpserver.NewUnsealHandler(log, cfg.Threshold, custodians)
}

type reconcileView struct {
	Project   string   `yaml:"project"`
	Reclaimed []string `yaml:"reclaimed"`
	Warnings  []string `yaml:"warnings,omitempty"`
}

// reconcileAll reconciles one project, or every project when project is empty.
// A failing project does not stop the others.
func reconcileAll(ctx context.Context, rt *runtime, project string) ([]reconcileView, error) {
	names := []string{project}
	if project == "" {
		projects, err := rt.engine.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		names = names[:0]
		for _, p := range projects {
			names = append(names, p.Name)
		}
	}

	var (
		views []reconcileView
		errs  []error
	)
	for _, name := range names {
		report, err := rt.engine.Reconcile(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", name, err))
			continue
		}
		v := reconcileView{Project: name, Reclaimed: report.Reclaimed}
		for _, w := range report.Warnings {
			v.Warnings = append(v.Warnings, w.Error())
		}
		views = append(views, v)
	}
	return views, errors.Join(errs...)
}
