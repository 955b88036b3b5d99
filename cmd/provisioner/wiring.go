package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/iot-identity-provisioning/cmd/flags"
	"github.com/ruteri/iot-identity-provisioning/config"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/ruteri/iot-identity-provisioning/issuer"
	"github.com/ruteri/iot-identity-provisioning/notify"
	"github.com/ruteri/iot-identity-provisioning/provisioning"
	"github.com/ruteri/iot-identity-provisioning/storage"
	"github.com/ruteri/iot-identity-provisioning/store"
	"github.com/urfave/cli/v2"
)

// seedSource supplies the local CA seed when the configuration leaves it to
// custodians.
type seedSource func(ctx context.Context) ([]byte, error)

type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	engine  *provisioning.Engine
	closers []func() error
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.log.Warn("failed to close component", "err", err)
		}
	}
}

// newRuntime wires store, issuer and notifiers into an engine. unsealed is
// consulted only when the local CA seed comes from custodians and no seed
// share files are configured.
func newRuntime(cCtx *cli.Context, unsealed seedSource) (*runtime, error) {
	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	log := flags.SetupLogger(cCtx, cfg)
	return buildRuntime(cCtx.Context, cfg, log, unsealed)
}

func buildRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger, unsealed seedSource) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	naming, err := provisioning.ParseNamingPolicy(cfg.Issuer.Naming)
	if err != nil {
		return nil, err
	}

	entityStore, err := openStore(ctx, cfg.Store, rt)
	if err != nil {
		return nil, err
	}

	identityIssuer, err := buildIssuer(ctx, cfg, log, unsealed)
	if err != nil {
		return nil, err
	}

	notifier, err := buildNotifier(ctx, cfg.Notify, log, rt)
	if err != nil {
		return nil, err
	}

	rt.engine = provisioning.NewEngine(entityStore, identityIssuer, notifier, naming, log)
	return rt, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, rt *runtime) (interfaces.EntityStore, error) {
	switch cfg.Driver {
	case "memory":
		rt.log.Warn("using in-memory entity store; state is lost on exit")
		return store.NewMemoryStore(), nil
	case "sqlite":
		db, err := store.OpenSQLite(ctx, store.SQLiteConfig{
			Path:        cfg.Path,
			WALMode:     cfg.WALMode,
			BusyTimeout: cfg.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening entity store: %w", err)
		}
		rt.closers = append(rt.closers, db.Close)
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func buildIssuer(ctx context.Context, cfg *config.Config, log *slog.Logger, unsealed seedSource) (interfaces.IdentityIssuer, error) {
	var inner interfaces.IdentityIssuer
	switch cfg.Issuer.Type {
	case "aws":
		awsIssuer, err := newAWSIssuer(cfg.Issuer.AWS, log)
		if err != nil {
			return nil, err
		}
		inner = awsIssuer
	case "local":
		localIssuer, err := newLocalIssuer(ctx, cfg.Issuer.Local, log, unsealed)
		if err != nil {
			return nil, err
		}
		inner = localIssuer
	default:
		return nil, fmt.Errorf("unknown issuer type %q", cfg.Issuer.Type)
	}

	if len(cfg.Archive.URIs) == 0 {
		return inner, nil
	}

	backend, err := storage.NewStorageBackendFactory(log).CreateArchiveBackend(cfg.Archive.URIs, cfg.Archive.MinCopies)
	if err != nil {
		return nil, fmt.Errorf("creating archive backend: %w", err)
	}
	var archiveKey interfaces.PublicKey
	if cfg.Archive.KeyFile != "" {
		if archiveKey, err = os.ReadFile(cfg.Archive.KeyFile); err != nil {
			return nil, fmt.Errorf("reading archive key: %w", err)
		}
	}
	return issuer.NewArchivingIssuer(inner, backend, archiveKey, log)
}

func newAWSIssuer(cfg config.AWSIssuerConfig, log *slog.Logger) (*issuer.AWSIoTIssuer, error) {
	rootCA, err := os.ReadFile(cfg.RootCAFile)
	if err != nil {
		return nil, fmt.Errorf("reading AWS root CA: %w", err)
	}
	return issuer.NewAWSIoTIssuer(issuer.AWSConfig{
		Region:           cfg.Region,
		AccessKeyID:      cfg.AccessKeyID,
		SecretAccessKey:  cfg.SecretAccessKey,
		Policy:           cfg.Policy,
		GatewayPolicy:    cfg.GatewayPolicy,
		GatewayThingType: cfg.GatewayThingType,
		RootCA:           rootCA,
		Endpoint:         cfg.Endpoint,
	}, log)
}

func newLocalIssuer(ctx context.Context, cfg config.LocalCAConfig, log *slog.Logger, unsealed seedSource) (*issuer.LocalIssuer, error) {
	localCfg := issuer.LocalConfig{
		Organization:   cfg.Organization,
		Endpoint:       cfg.Endpoint,
		Validity:       cfg.Validity,
		RevocationFile: cfg.CRLFile,
	}

	switch {
	case cfg.SeedHex != "":
		seed, err := cfg.Seed()
		if err != nil {
			return nil, err
		}
		return issuer.NewLocalIssuer(seed, localCfg, log)
	case cfg.Passphrase != "":
		return issuer.NewLocalIssuerFromPassphrase([]byte(cfg.Passphrase), cfg.Salt, localCfg, log)
	}

	var (
		seed []byte
		err  error
	)
	switch {
	case len(cfg.SeedShares) > 0:
		seed, err = readSeedShares(cfg.SeedShares)
	case unsealed != nil:
		log.Info("waiting for custodians to unseal the issuer", "threshold", cfg.Unseal.Threshold, "timeout", cfg.Unseal.Timeout)
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Unseal.Timeout)
		defer cancel()
		seed, err = unsealed(waitCtx)
	default:
		err = errors.New("issuer is sealed: pass --seed-share files or unseal a running server")
	}
	if err != nil {
		return nil, err
	}
	defer clear(seed)
	return issuer.NewLocalIssuer(seed, localCfg, log)
}

func readSeedShares(files []string) ([]byte, error) {
	shares := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading seed share: %w", err)
		}
		share, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decoding seed share %s: %w", f, err)
		}
		shares = append(shares, share)
	}
	return issuer.CombineSeed(shares)
}

func buildNotifier(ctx context.Context, cfg config.NotifyConfig, log *slog.Logger, rt *runtime) (interfaces.EventNotifier, error) {
	var notifiers notify.Multi
	if cfg.Log {
		notifiers = append(notifiers, notify.NewLogNotifier(log))
	}

	if cfg.MQTT.Enabled {
		mqttNotifier, err := notify.ConnectMQTT(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			TLS:      cfg.MQTT.TLS,
			QoS:      byte(cfg.MQTT.QoS),
			Retained: cfg.MQTT.Retained,
			Topics:   notify.Topics{Prefix: cfg.MQTT.TopicPrefix},
		}, log)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, mqttNotifier.Close)
		notifiers = append(notifiers, mqttNotifier)
	}

	if cfg.InfluxDB.Enabled {
		influxNotifier, err := notify.ConnectInflux(ctx, notify.InfluxConfig{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
		}, log)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, influxNotifier.Close)
		notifiers = append(notifiers, influxNotifier)
	}

	switch len(notifiers) {
	case 0:
		return notify.Nop{}, nil
	case 1:
		return notifiers[0], nil
	default:
		return notifiers, nil
	}
}
