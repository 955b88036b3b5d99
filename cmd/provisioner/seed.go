package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/iot-identity-provisioning/httpserver"
	"github.com/ruteri/iot-identity-provisioning/issuer"
	"github.com/urfave/cli/v2"
)

var flagUnsealURL = &cli.StringFlag{
	Name:  "url",
	Value: "http://127.0.0.1:8080/admin",
	Usage: "base URL of the server's unseal API",
}

func seedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "split the local CA seed among custodians and unseal a running server",
		Subcommands: []*cli.Command{
			{
				Name:  "split",
				Usage: "split a seed into base64 share files; a fresh seed is generated unless --seed-hex is given",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "shares", Value: 5, Usage: "number of shares"},
					&cli.IntFlag{Name: "threshold", Value: 3, Usage: "shares needed to reconstruct the seed"},
					&cli.StringFlag{Name: "seed-hex", Usage: "existing seed to split"},
					&cli.StringFlag{Name: "out-dir", Required: true, Usage: "directory for share-N.b64 files"},
				},
				Action: splitSeed,
			},
			{
				Name:  "keygen",
				Usage: "generate a custodian key pair as NAME.key and NAME.pub",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Required: true, Usage: "output path prefix"},
				},
				Action: func(cCtx *cli.Context) error {
					privPEM, pubPEM, err := httpserver.GenerateCustodianKeyPair()
					if err != nil {
						return err
					}
					prefix := cCtx.String("out")
					if err := os.WriteFile(prefix+".key", privPEM, 0600); err != nil {
						return err
					}
					return os.WriteFile(prefix+".pub", pubPEM, 0644)
				},
			},
			{
				Name:      "custodians",
				Usage:     "print a custodians file for the given public keys",
				ArgsUsage: "ID=PUBKEY_FILE...",
				Action:    buildCustodians,
			},
			{
				Name:  "submit",
				Usage: "submit a seed share to a sealed server",
				Flags: []cli.Flag{
					flagUnsealURL,
					&cli.StringFlag{Name: "id", Required: true, Usage: "custodian id"},
					&cli.StringFlag{Name: "key", Required: true, Usage: "custodian private key file"},
					&cli.StringFlag{Name: "share", Required: true, Usage: "base64 share file"},
				},
				Action: submitShare,
			},
			{
				Name:  "status",
				Usage: "show the unseal progress of a server",
				Flags: []cli.Flag{flagUnsealURL},
				Action: func(cCtx *cli.Context) error {
					client := httpserver.NewUnsealClient(cCtx.String(flagUnsealURL.Name), "", nil)
					status, err := client.Status(cCtx.Context)
					if err != nil {
						return err
					}
					return printYAML(os.Stdout, map[string]any{
						"state":     status.State,
						"threshold": status.Threshold,
						"submitted": status.Submitted,
					})
				},
			},
		},
	}
}

func splitSeed(cCtx *cli.Context) error {
	var (
		seed []byte
		err  error
	)
	if h := cCtx.String("seed-hex"); h != "" {
		seed, err = hex.DecodeString(h)
		if err != nil {
			return fmt.Errorf("invalid --seed-hex: %w", err)
		}
	} else if seed, err = issuer.NewRandomSeed(); err != nil {
		return err
	}
	defer clear(seed)

	shares, err := issuer.SplitSeed(seed, cCtx.Int("shares"), cCtx.Int("threshold"))
	if err != nil {
		return err
	}

	dir := cCtx.String("out-dir")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	paths := make([]string, 0, len(shares))
	for i, share := range shares {
		path := filepath.Join(dir, fmt.Sprintf("share-%d.b64", i+1))
		if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(share)+"\n"), 0600); err != nil {
			return fmt.Errorf("writing share: %w", err)
		}
		paths = append(paths, path)
	}
	return printYAML(os.Stdout, map[string]any{"threshold": cCtx.Int("threshold"), "shares": paths})
}

func buildCustodians(cCtx *cli.Context) error {
	if cCtx.NArg() == 0 {
		return errors.New("at least one ID=PUBKEY_FILE argument is required")
	}

	type custodian struct {
		ID     string `json:"id"`
		PubKey string `json:"pubkey"`
	}
	var out struct {
		Custodians []custodian `json:"custodians"`
	}
	for _, arg := range cCtx.Args().Slice() {
		id, file, ok := strings.Cut(arg, "=")
		if !ok || id == "" || file == "" {
			return fmt.Errorf("invalid argument %q, want ID=PUBKEY_FILE", arg)
		}
		pub, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		out.Custodians = append(out.Custodians, custodian{ID: id, PubKey: string(pub)})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func submitShare(cCtx *cli.Context) error {
	keyPEM, err := os.ReadFile(cCtx.String("key"))
	if err != nil {
		return err
	}
	key, err := httpserver.ParsePrivateKey(keyPEM)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(cCtx.String("share"))
	if err != nil {
		return err
	}
	share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("decoding share: %w", err)
	}

	client := httpserver.NewUnsealClient(cCtx.String(flagUnsealURL.Name), cCtx.String("id"), key)
	if err := client.SubmitShare(cCtx.Context, share); err != nil {
		return err
	}

	status, err := client.Status(cCtx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("share accepted, %d/%d submitted, server %s\n", len(status.Submitted), status.Threshold, status.State)
	return nil
}
