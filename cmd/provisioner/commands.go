package main

import (
	"fmt"
	"os"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/ruteri/iot-identity-provisioning/provisioning"
	"github.com/urfave/cli/v2"
)

func projectCommand() *cli.Command {
	return &cli.Command{
		Name:  "project",
		Usage: "manage projects",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				ArgsUsage: "NAME",
				Flags:     []cli.Flag{flagDescription},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					p, err := rt.engine.CreateProject(cCtx.Context, cCtx.Args().First(), cCtx.String(flagDescription.Name))
					if err != nil {
						return err
					}
					return printYAML(os.Stdout, newProjectView(p))
				}),
			},
			{
				Name:      "delete",
				Usage:     "delete a project with all its models and devices",
				ArgsUsage: "NAME",
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					report, err := rt.engine.DeleteProject(cCtx.Context, cCtx.Args().First())
					if report != nil {
						if perr := printYAML(os.Stdout, newTeardownView(report)); perr != nil {
							return perr
						}
					}
					return err
				}),
			},
			{
				Name: "list",
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					projects, err := rt.engine.ListProjects(cCtx.Context)
					if err != nil {
						return err
					}
					views := make([]projectView, 0, len(projects))
					for _, p := range projects {
						views = append(views, newProjectView(p))
					}
					return printYAML(os.Stdout, views)
				}),
			},
		},
	}
}

var modelFieldFlags = []cli.Flag{
	&cli.StringFlag{Name: "kind", Usage: "none, device, gateway or mobile"},
	&cli.StringFlag{Name: "scope", Usage: "none, per-device, per-model or per-project"},
	flagDescription,
	&cli.StringFlag{Name: "display-name"},
	&cli.StringFlag{Name: "revision"},
	&cli.StringFlag{Name: "hardware-version"},
	&cli.StringFlag{Name: "protocols", Usage: "comma separated protocol tags, e.g. mqtt,ble"},
	&cli.StringFlag{Name: "storage", Usage: "comma separated placements: device, gateway, cloud, mobile"},
	&cli.StringFlag{Name: "ml", Usage: "comma separated placements: device, gateway, cloud, mobile"},
}

// modelChanges collects the model fields set on the command line.
func modelChanges(cCtx *cli.Context) (interfaces.ModelChanges, error) {
	var c interfaces.ModelChanges

	strs := map[string]**string{
		"description":      &c.Description,
		"display-name":     &c.DisplayName,
		"revision":         &c.Revision,
		"hardware-version": &c.HardwareVersion,
	}
	for name, field := range strs {
		if cCtx.IsSet(name) {
			v := cCtx.String(name)
			*field = &v
		}
	}

	tags := []struct {
		name       string
		field      **interfaces.TagSet
		vocabulary interfaces.TagSet
	}{
		{"protocols", &c.Protocols, interfaces.KnownProtocols},
		{"storage", &c.Storage, interfaces.KnownPlacements},
		{"ml", &c.ML, interfaces.KnownPlacements},
	}
	for _, t := range tags {
		if !cCtx.IsSet(t.name) {
			continue
		}
		set, err := interfaces.ParseTagSet(cCtx.String(t.name), t.vocabulary)
		if err != nil {
			return c, fmt.Errorf("--%s: %w", t.name, err)
		}
		*t.field = &set
	}

	if cCtx.IsSet("kind") {
		kind, err := interfaces.ParseModelKind(cCtx.String("kind"))
		if err != nil {
			return c, err
		}
		c.Kind = &kind
	}
	if cCtx.IsSet("scope") {
		scope, err := interfaces.ParseIdentityScope(cCtx.String("scope"))
		if err != nil {
			return c, err
		}
		c.Scope = &scope
	}
	return c, nil
}

func modelCommand() *cli.Command {
	flagName := &cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "model name"}

	return &cli.Command{
		Name:  "model",
		Usage: "manage device models",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Flags: append([]cli.Flag{flagProject, flagName}, modelFieldFlags...),
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					changes, err := modelChanges(cCtx)
					if err != nil {
						return err
					}
					spec := interfaces.Model{Name: cCtx.String(flagName.Name), Kind: interfaces.KindDevice, Scope: interfaces.ScopePerDevice}
					changes.Apply(&spec)

					m, err := rt.engine.CreateModel(cCtx.Context, cCtx.String(flagProject.Name), spec)
					if err != nil {
						return err
					}
					return printYAML(os.Stdout, newModelView(m))
				}),
			},
			{
				Name:  "modify",
				Usage: "change model fields; kind and scope only while the model has no devices",
				Flags: append([]cli.Flag{flagProject, flagName}, modelFieldFlags...),
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					changes, err := modelChanges(cCtx)
					if err != nil {
						return err
					}
					m, err := rt.engine.ModifyModel(cCtx.Context, cCtx.String(flagProject.Name), cCtx.String(flagName.Name), changes)
					if err != nil {
						return err
					}
					return printYAML(os.Stdout, newModelView(m))
				}),
			},
			{
				Name:  "delete",
				Usage: "delete a model with all its devices",
				Flags: []cli.Flag{flagProject, flagName},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					report, err := rt.engine.DeleteModel(cCtx.Context, cCtx.String(flagProject.Name), cCtx.String(flagName.Name))
					if report != nil {
						if perr := printYAML(os.Stdout, newTeardownView(report)); perr != nil {
							return perr
						}
					}
					return err
				}),
			},
			{
				Name:  "list",
				Flags: []cli.Flag{flagProject},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					models, err := rt.engine.ListModels(cCtx.Context, cCtx.String(flagProject.Name))
					if err != nil {
						return err
					}
					views := make([]modelView, 0, len(models))
					for _, m := range models {
						views = append(views, newModelView(m))
					}
					return printYAML(os.Stdout, views)
				}),
			},
		},
	}
}

func deviceCommand() *cli.Command {
	flagGateway := &cli.StringFlag{Name: "gateway", Aliases: []string{"g"}, Usage: "gateway serial number"}
	flagBundleOut := &cli.StringFlag{Name: "bundle-out", Usage: "write the full identity bundle, private key included, to this file"}

	return &cli.Command{
		Name:  "device",
		Usage: "provision and manage devices",
		Subcommands: []*cli.Command{
			{
				Name:  "provision",
				Flags: []cli.Flag{flagProject, flagModel, flagSerial, &cli.StringFlag{Name: "name"}, flagDescription, flagBundleOut},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					res, err := rt.engine.ProvisionDevice(cCtx.Context, provisioning.ProvisionRequest{
						Project:     cCtx.String(flagProject.Name),
						Model:       cCtx.String(flagModel.Name),
						Serial:      cCtx.String(flagSerial.Name),
						Name:        cCtx.String("name"),
						Description: cCtx.String(flagDescription.Name),
					})
					if err != nil {
						return err
					}
					if out := cCtx.String(flagBundleOut.Name); out != "" {
						if err := writeBundle(out, res.Device.Identity); err != nil {
							return err
						}
					}
					v := newDeviceView(res.Device)
					v.Source, v.Owner = res.Source.String(), res.Owner
					return printYAML(os.Stdout, v)
				}),
			},
			{
				Name:  "deprovision",
				Flags: []cli.Flag{flagProject, flagSerial},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					res, err := rt.engine.DeprovisionDevice(cCtx.Context, cCtx.String(flagProject.Name), cCtx.String(flagSerial.Name))
					if err != nil {
						return err
					}
					if res.Warning != nil {
						rt.log.Warn("device deleted with warnings", "serial", res.Device.Serial, "err", res.Warning)
					}
					return printYAML(os.Stdout, map[string]any{"deleted": res.Device.Serial, "revoked": res.Revoked})
				}),
			},
			{
				Name:  "attach",
				Flags: []cli.Flag{flagProject, flagSerial, &cli.StringFlag{Name: "gateway", Aliases: []string{"g"}, Required: true}},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					return rt.engine.Attachments().Attach(cCtx.Context, cCtx.String(flagProject.Name), cCtx.String(flagSerial.Name), cCtx.String("gateway"))
				}),
			},
			{
				Name:  "detach",
				Flags: []cli.Flag{flagProject, flagSerial},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					return rt.engine.Attachments().Detach(cCtx.Context, cCtx.String(flagProject.Name), cCtx.String(flagSerial.Name))
				}),
			},
			{
				Name:  "show",
				Flags: []cli.Flag{flagProject, flagSerial, flagBundleOut},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					d, err := rt.engine.GetDevice(cCtx.Context, cCtx.String(flagProject.Name), cCtx.String(flagSerial.Name))
					if err != nil {
						return err
					}
					if out := cCtx.String(flagBundleOut.Name); out != "" {
						if err := writeBundle(out, d.Identity); err != nil {
							return err
						}
					}
					return printYAML(os.Stdout, newDeviceView(d))
				}),
			},
			{
				Name:  "list",
				Usage: "list the devices of a project, or those attached to --gateway",
				Flags: []cli.Flag{flagProject, flagGateway},
				Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
					var (
						devices []*interfaces.Device
						err     error
					)
					if gw := cCtx.String(flagGateway.Name); gw != "" {
						devices, err = rt.engine.Attachments().ListAttached(cCtx.Context, cCtx.String(flagProject.Name), gw)
					} else {
						devices, err = rt.engine.ListDevices(cCtx.Context, cCtx.String(flagProject.Name))
					}
					if err != nil {
						return err
					}
					views := make([]deviceView, 0, len(devices))
					for _, d := range devices {
						views = append(views, newDeviceView(d))
					}
					return printYAML(os.Stdout, views)
				}),
			},
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "revoke shared identities no device references any more",
		Flags: []cli.Flag{&cli.StringFlag{Name: "project", Aliases: []string{"p"}, Usage: "project name; all projects when empty"}},
		Action: withEngine(func(cCtx *cli.Context, rt *runtime) error {
			reports, err := reconcileAll(cCtx.Context, rt, cCtx.String("project"))
			if perr := printYAML(os.Stdout, reports); perr != nil {
				return perr
			}
			return err
		}),
	}
}
