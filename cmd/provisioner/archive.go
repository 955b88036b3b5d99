package main

import (
	"errors"
	"os"

	"github.com/ruteri/iot-identity-provisioning/cmd/flags"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/ruteri/iot-identity-provisioning/issuer"
	"github.com/ruteri/iot-identity-provisioning/storage"
	"github.com/urfave/cli/v2"
)

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "inspect archived identities",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print an archive record; with --key, recover the sealed bundle",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "content ID of the archive record"},
					&cli.StringFlag{Name: "key", Usage: "archive private key file"},
					&cli.StringFlag{Name: "bundle-out", Usage: "write the recovered bundle to this file"},
				},
				Action: showArchived,
			},
		},
	}
}

func showArchived(cCtx *cli.Context) error {
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return err
	}
	if len(cfg.Archive.URIs) == 0 {
		return errors.New("no archive.uris configured")
	}
	log := flags.SetupLogger(cCtx, cfg)

	id, err := interfaces.ParseContentID(cCtx.String("id"))
	if err != nil {
		return err
	}
	backend, err := storage.NewStorageBackendFactory(log).CreateArchiveBackend(cfg.Archive.URIs, cfg.Archive.MinCopies)
	if err != nil {
		return err
	}

	record, err := issuer.FetchRecord(cCtx.Context, backend, id)
	if err != nil {
		return err
	}

	view := map[string]any{
		"name":     record.Name,
		"kind":     record.Kind,
		"identity": record.Bundle.Connectivity,
		"sealed":   record.Sealed,
	}
	if err := printYAML(os.Stdout, view); err != nil {
		return err
	}

	keyFile := cCtx.String("key")
	if keyFile == "" {
		return nil
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}
	bundle, err := issuer.OpenSealed(cCtx.Context, backend, record, key)
	if err != nil {
		return err
	}
	if out := cCtx.String("bundle-out"); out != "" {
		return writeBundle(out, bundle)
	}
	log.Info("sealed bundle recovered", "thing", bundle.Connectivity.ThingName)
	return nil
}
