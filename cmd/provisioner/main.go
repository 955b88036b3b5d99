package main

import (
	"log"
	"os"

	"github.com/ruteri/iot-identity-provisioning/cmd/flags"
	"github.com/ruteri/iot-identity-provisioning/common"
	"github.com/urfave/cli/v2"
)

var (
	flagProject = &cli.StringFlag{
		Name:     "project",
		Aliases:  []string{"p"},
		Required: true,
		Usage:    "project name",
	}
	flagModel = &cli.StringFlag{
		Name:     "model",
		Aliases:  []string{"m"},
		Required: true,
		Usage:    "model name",
	}
	flagSerial = &cli.StringFlag{
		Name:     "serial",
		Aliases:  []string{"s"},
		Required: true,
		Usage:    "device serial number",
	}
	flagDescription = &cli.StringFlag{
		Name:  "description",
		Usage: "free-form description",
	}
)

func main() {
	app := &cli.App{
		Name:    "provisioner",
		Usage:   "Provision IoT device identities",
		Version: common.Version,
		Flags:   flags.CommonFlags,
		Commands: []*cli.Command{
			serveCommand(),
			projectCommand(),
			modelCommand(),
			deviceCommand(),
			reconcileCommand(),
			seedCommand(),
			archiveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withEngine runs fn against a freshly wired runtime and closes it afterwards.
func withEngine(fn func(cCtx *cli.Context, rt *runtime) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		rt, err := newRuntime(cCtx, nil)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cCtx, rt)
	}
}
