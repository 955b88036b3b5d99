// Package config loads the provisioner configuration from YAML with
// environment overrides for secrets.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "PROVISIONER_"

type Config struct {
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Store   StoreConfig   `yaml:"store"`
	Issuer  IssuerConfig  `yaml:"issuer"`
	Archive ArchiveConfig `yaml:"archive"`
	Notify  NotifyConfig  `yaml:"notify"`
}

type LogConfig struct {
	Debug   bool   `yaml:"debug"`
	JSON    bool   `yaml:"json"`
	Service string `yaml:"service"`
}

type HTTPConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	Pprof        bool   `yaml:"pprof"`
	DrainSeconds int64  `yaml:"drain_seconds"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

type IssuerConfig struct {
	// Type is "local" or "aws".
	Type string `yaml:"type"`
	// Naming selects how shared identities are named: "stable" or "legacy".
	Naming string          `yaml:"naming"`
	Local  LocalCAConfig   `yaml:"local"`
	AWS    AWSIssuerConfig `yaml:"aws"`
}

type LocalCAConfig struct {
	// SeedHex is the 32 byte CA seed. Alternatively Passphrase and Salt,
	// SeedShares naming files with base64 Shamir shares, or Unseal to collect
	// the shares from custodians at startup.
	SeedHex      string        `yaml:"seed_hex"`
	Passphrase   string        `yaml:"passphrase"`
	Salt         string        `yaml:"salt"`
	SeedShares   []string      `yaml:"seed_shares"`
	Unseal       UnsealConfig  `yaml:"unseal"`
	Organization string        `yaml:"organization"`
	Endpoint     string        `yaml:"endpoint"`
	Validity     time.Duration `yaml:"validity"`
	// CRLFile persists revocations as a CRL signed by the CA key.
	CRLFile string `yaml:"crl_file"`
}

type UnsealConfig struct {
	// CustodiansFile is a JSON file listing custodian IDs and public keys.
	CustodiansFile string        `yaml:"custodians_file"`
	Threshold      int           `yaml:"threshold"`
	Timeout        time.Duration `yaml:"timeout"`
}

type AWSIssuerConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Policy           string `yaml:"policy"`
	GatewayPolicy    string `yaml:"gateway_policy"`
	GatewayThingType string `yaml:"gateway_thing_type"`
	RootCAFile       string `yaml:"root_ca_file"`
	Endpoint         string `yaml:"endpoint"`
}

type ArchiveConfig struct {
	// URIs are storage backend locations (file://, s3://, vault://).
	URIs []string `yaml:"uris"`
	// KeyFile is a PEM public key the full bundles are sealed to.
	KeyFile string `yaml:"key_file"`
	// MinCopies is how many backends must accept an item for it to count as
	// archived.
	MinCopies int `yaml:"min_copies"`
}

type NotifyConfig struct {
	Log      bool           `yaml:"log"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TLS         bool   `yaml:"tls"`
	QoS         int    `yaml:"qos"`
	Retained    bool   `yaml:"retained"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path uses the
// defaults and environment only.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that adjust the result before
// validating it.
func Read(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Service: "iot-provisioner",
		},
		HTTP: HTTPConfig{
			ListenAddr:   "127.0.0.1:8080",
			MetricsAddr:  "127.0.0.1:8090",
			DrainSeconds: 45,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        "./data/provisioner.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Issuer: IssuerConfig{
			Type:   "local",
			Naming: "stable",
			Local: LocalCAConfig{
				Unseal: UnsealConfig{
					Threshold: 2,
					Timeout:   10 * time.Minute,
				},
				Organization: "IoT Provisioner",
				Validity:     365 * 24 * time.Hour,
				CRLFile:      "./data/issuer.crl",
			},
		},
		Archive: ArchiveConfig{
			MinCopies: 1,
		},
		Notify: NotifyConfig{
			Log: true,
			MQTT: MQTTConfig{
				Broker:      "tcp://localhost:1883",
				ClientID:    "iot-provisioner",
				QoS:         1,
				TopicPrefix: "provisioner",
			},
			InfluxDB: InfluxDBConfig{
				URL:    "http://localhost:8086",
				Bucket: "provisioning",
			},
		},
	}
}

// applyEnvOverrides lets secrets and deployment specific values come from the
// environment instead of the file.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"STORE_DRIVER":          &cfg.Store.Driver,
		"STORE_PATH":            &cfg.Store.Path,
		"LISTEN_ADDR":           &cfg.HTTP.ListenAddr,
		"METRICS_ADDR":          &cfg.HTTP.MetricsAddr,
		"ISSUER_TYPE":           &cfg.Issuer.Type,
		"ISSUER_SEED":           &cfg.Issuer.Local.SeedHex,
		"ISSUER_PASSPHRASE":     &cfg.Issuer.Local.Passphrase,
		"ISSUER_CRL_FILE":       &cfg.Issuer.Local.CRLFile,
		"AWS_REGION":            &cfg.Issuer.AWS.Region,
		"AWS_ACCESS_KEY_ID":     &cfg.Issuer.AWS.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": &cfg.Issuer.AWS.SecretAccessKey,
		"MQTT_BROKER":           &cfg.Notify.MQTT.Broker,
		"MQTT_USERNAME":         &cfg.Notify.MQTT.Username,
		"MQTT_PASSWORD":         &cfg.Notify.MQTT.Password,
		"INFLUXDB_TOKEN":        &cfg.Notify.InfluxDB.Token,
	}
	for name, field := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*field = v
		}
	}

	if v := os.Getenv(envPrefix + "ARCHIVE_URIS"); v != "" {
		cfg.Archive.URIs = strings.Split(v, ",")
	}
	if v := os.Getenv(envPrefix + "LOG_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing %sLOG_DEBUG: %w", envPrefix, err)
		}
		cfg.Log.Debug = debug
	}
	return nil
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver))
	}

	switch c.Issuer.Naming {
	case "stable", "legacy":
	default:
		errs = append(errs, fmt.Errorf("issuer.naming must be stable or legacy, got %q", c.Issuer.Naming))
	}

	switch c.Issuer.Type {
	case "local":
		errs = append(errs, c.Issuer.Local.validate()...)
	case "aws":
		errs = append(errs, c.Issuer.AWS.validate()...)
	default:
		errs = append(errs, fmt.Errorf("issuer.type must be local or aws, got %q", c.Issuer.Type))
	}

	if c.Notify.MQTT.Enabled {
		if c.Notify.MQTT.Broker == "" {
			errs = append(errs, errors.New("notify.mqtt.broker is required when mqtt is enabled"))
		}
		if c.Notify.MQTT.QoS < 0 || c.Notify.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("notify.mqtt.qos must be 0, 1 or 2, got %d", c.Notify.MQTT.QoS))
		}
	}

	if c.Notify.InfluxDB.Enabled {
		if c.Notify.InfluxDB.URL == "" || c.Notify.InfluxDB.Org == "" || c.Notify.InfluxDB.Bucket == "" {
			errs = append(errs, errors.New("notify.influxdb url, org and bucket are required when influxdb is enabled"))
		}
	}

	if c.Archive.KeyFile != "" && len(c.Archive.URIs) == 0 {
		errs = append(errs, errors.New("archive.key_file requires at least one archive.uris entry"))
	}
	if len(c.Archive.URIs) > 0 && (c.Archive.MinCopies < 1 || c.Archive.MinCopies > len(c.Archive.URIs)) {
		errs = append(errs, fmt.Errorf("archive.min_copies must be between 1 and %d, got %d", len(c.Archive.URIs), c.Archive.MinCopies))
	}

	return errors.Join(errs...)
}

func (l LocalCAConfig) validate() []error {
	var errs []error
	switch {
	case l.SeedHex != "":
		seed, err := hex.DecodeString(l.SeedHex)
		if err != nil {
			errs = append(errs, fmt.Errorf("issuer.local.seed_hex: %w", err))
		} else if len(seed) < 32 {
			errs = append(errs, fmt.Errorf("issuer.local.seed_hex must be at least 32 bytes, got %d", len(seed)))
		}
	case l.Passphrase != "":
		if l.Salt == "" {
			errs = append(errs, errors.New("issuer.local.salt is required with a passphrase"))
		}
	case len(l.SeedShares) > 0:
		if len(l.SeedShares) < 2 {
			errs = append(errs, errors.New("issuer.local.seed_shares needs at least 2 share files"))
		}
	case l.Unseal.CustodiansFile != "":
		if l.Unseal.Threshold < 2 {
			errs = append(errs, fmt.Errorf("issuer.local.unseal.threshold must be at least 2, got %d", l.Unseal.Threshold))
		}
		if l.Unseal.Timeout <= 0 {
			errs = append(errs, errors.New("issuer.local.unseal.timeout must be positive"))
		}
	default:
		errs = append(errs, errors.New("issuer.local requires seed_hex, passphrase, seed_shares or unseal.custodians_file"))
	}
	if l.Validity < 0 {
		errs = append(errs, errors.New("issuer.local.validity must not be negative"))
	}
	return errs
}

func (a AWSIssuerConfig) validate() []error {
	var errs []error
	if a.Region == "" {
		errs = append(errs, errors.New("issuer.aws.region is required"))
	}
	if a.Policy == "" {
		errs = append(errs, errors.New("issuer.aws.policy is required"))
	}
	if a.RootCAFile == "" {
		errs = append(errs, errors.New("issuer.aws.root_ca_file is required"))
	}
	return errs
}

// Seed returns the decoded local CA seed, or nil when a passphrase is used.
func (l LocalCAConfig) Seed() ([]byte, error) {
	if l.SeedHex == "" {
		return nil, nil
	}
	return hex.DecodeString(l.SeedHex)
}
