package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/iot-identity-provisioning/common"
	"github.com/ruteri/iot-identity-provisioning/config"
	"github.com/ruteri/iot-identity-provisioning/httpserver"
	"github.com/urfave/cli/v2"
)

// LoadConfig loads the configuration file named by --config and applies the
// command line flags the user set explicitly on top of it.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg, err := config.Read(cCtx.String(ConfigFlag.Name))
	if err != nil {
		return nil, err
	}

	if cCtx.IsSet(LogJsonFlag.Name) {
		cfg.Log.JSON = cCtx.Bool(LogJsonFlag.Name)
	}
	if cCtx.IsSet(LogDebugFlag.Name) {
		cfg.Log.Debug = cCtx.Bool(LogDebugFlag.Name)
	}
	if cCtx.IsSet("log-service") {
		cfg.Log.Service = cCtx.String("log-service")
	}
	if cCtx.IsSet(StoreDriverFlag.Name) {
		cfg.Store.Driver = cCtx.String(StoreDriverFlag.Name)
	}
	if cCtx.IsSet(StorePathFlag.Name) {
		cfg.Store.Path = cCtx.String(StorePathFlag.Name)
	}
	if cCtx.IsSet(NamingFlag.Name) {
		cfg.Issuer.Naming = cCtx.String(NamingFlag.Name)
	}
	if cCtx.IsSet(SeedShareFlag.Name) {
		cfg.Issuer.Local.SeedShares = cCtx.StringSlice(SeedShareFlag.Name)
	}
	if cCtx.IsSet(ListenAddrFlag.Name) {
		cfg.HTTP.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		cfg.HTTP.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		cfg.HTTP.Pprof = cCtx.Bool(PprofFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		cfg.HTTP.DrainSeconds = cCtx.Int64(DrainSecondsFlag.Name)
	}

	return cfg, cfg.Validate()
}

func SetupLogger(cCtx *cli.Context, cfg *config.Config) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cfg.Log.Debug,
		JSON:    cfg.Log.JSON,
		Service: cfg.Log.Service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cfg *config.Config, logger *slog.Logger, unseal *httpserver.UnsealHandler) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTP.ListenAddr,
		MetricsAddr:              cfg.HTTP.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cfg.HTTP.Pprof,
		Unseal:                   unseal,
		DrainDuration:            time.Duration(cfg.HTTP.DrainSeconds) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: []string{"PROVISIONER_CONFIG"},
	Usage:   "path to the YAML configuration file",
}

var StoreDriverFlag = &cli.StringFlag{
	Name:  "store-driver",
	Usage: "entity store driver: sqlite or memory",
}
var StorePathFlag = &cli.StringFlag{
	Name:  "store-path",
	Usage: "path to the sqlite database",
}
var NamingFlag = &cli.StringFlag{
	Name:  "naming",
	Usage: "identity naming policy: stable or legacy",
}
var SeedShareFlag = &cli.StringSliceFlag{
	Name:  "seed-share",
	Usage: "file holding a base64 issuer seed share; repeat up to the threshold",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the ops API",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	ConfigFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlagFn("iot-provisioner"),
	StoreDriverFlag,
	StorePathFlag,
	NamingFlag,
	SeedShareFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
