package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of all environment variables read by Load.
const EnvPrefix = "ASSET_CACHE_"

type Config struct {
	Port      int    `yaml:"port" env:"PORT"`
	AdminPort int    `yaml:"adminPort" env:"ADMIN_PORT"`
	Origin    string `yaml:"origin" env:"ORIGIN"`
	Host      string `yaml:"host" env:"HOST"`

	App     App     `yaml:"app" envPrefix:"APP_"`
	Storage Storage `yaml:"storage" envPrefix:"STORAGE_"`
	Log     Log     `yaml:"log" envPrefix:"LOG_"`
}

type App struct {
	Name         string `yaml:"name" env:"NAME"`
	Version      string `yaml:"version" env:"VERSION"`
	StaticPrefix string `yaml:"staticPrefix" env:"STATIC_PREFIX"`
	// Request URIs precached as they are.
	Precache []string `yaml:"precache" env:"PRECACHE" envSeparator:","`
	// Static file names, resolved against the static prefix.
	Static              []string `yaml:"static" env:"STATIC" envSeparator:","`
	PrecacheConcurrency int      `yaml:"precacheConcurrency" env:"PRECACHE_CONCURRENCY"`
}

type Storage struct {
	// One of "sqlite", "memory", "redis".
	Provider      string `yaml:"provider" env:"PROVIDER"`
	DB            string `yaml:"db" env:"DB"`
	RedisAddr     string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDB" env:"REDIS_DB"`
	Namespace     string `yaml:"namespace" env:"NAMESPACE"`
}

type Log struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"maxSizeMB" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"maxBackups" env:"MAX_BACKUPS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Port:      8080,
		AdminPort: 9090,
		App: App{
			Name:         "expense-tracker",
			Version:      "v1",
			StaticPrefix: "/static/",
			Precache:     []string{"/manifest.json"},
			Static: []string{
				"tracker/pwa/icon-192.png",
				"tracker/pwa/icon-512.png",
				"tracker/logo.png",
				"tracker/default-avatar.png",
			},
		},
		Storage: Storage{
			Provider:  "sqlite",
			DB:        "cache.db",
			RedisAddr: "localhost:6379",
			Namespace: "asset-cache",
		},
		Log: Log{
			Level:      "debug",
			MaxSizeMB:  100,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// Load reads the configuration: defaults first, then the YAML file if
// filename is not empty, then ASSET_CACHE_* environment variables.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, fmt.Errorf("parse environment: %w", err)
	}
	return config, nil
}

// Validate checks that the configuration can be used to start a worker.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 {
		errs = append(errs, errors.New("port must be positive"))
	}
	if c.App.Name == "" {
		errs = append(errs, errors.New("app name is required"))
	}
	if c.App.Version == "" {
		errs = append(errs, errors.New("app version is required"))
	}
	if !strings.HasPrefix(c.App.StaticPrefix, "/") || !strings.HasSuffix(c.App.StaticPrefix, "/") {
		errs = append(errs, fmt.Errorf("static prefix %q must start and end with a slash", c.App.StaticPrefix))
	}
	for _, uri := range c.App.Precache {
		if !strings.HasPrefix(uri, "/") {
			errs = append(errs, fmt.Errorf("precache URI %q must start with a slash", uri))
		}
	}
	if c.App.PrecacheConcurrency < 0 {
		errs = append(errs, errors.New("precache concurrency must not be negative"))
	}
	switch c.Storage.Provider {
	case "sqlite", "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("redis storage needs an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage provider: %s", c.Storage.Provider))
	}
	return errors.Join(errs...)
}
