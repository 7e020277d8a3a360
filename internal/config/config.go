package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const systemPath = "/etc/nest/cli.yaml"

// Config carries every setting shared by the nest commands. It is built once
// in the command layer and passed down explicitly.
type Config struct {
	DryRun   bool   `mapstructure:"dry_run"`
	Debug    bool   `mapstructure:"debug"`
	Quiet    bool   `mapstructure:"quiet"`
	LogLevel string `mapstructure:"log_level"`

	MountRoot     string `mapstructure:"mount_root"`
	HostsDir      string `mapstructure:"hosts_dir"`
	ExportRoot    string `mapstructure:"export_root"`
	LiveRoot      string `mapstructure:"live_root"`
	KeyDir        string `mapstructure:"key_dir"`
	ImagePrefix   string `mapstructure:"image_prefix"`
	ContainerDNS  string `mapstructure:"container_dns"`
	MinPassphrase int    `mapstructure:"min_passphrase"`
	RsyncFilters  string `mapstructure:"rsync_filters"`
}

var defaults = map[string]any{
	"dry_run":        false,
	"debug":          false,
	"quiet":          false,
	"log_level":      "info",
	"mount_root":     "/mnt",
	"hosts_dir":      "/nest/hosts",
	"export_root":    "/export/hosts",
	"live_root":      "/var/tmp/nest",
	"key_dir":        "/etc/zfs/keys",
	"image_prefix":   "nest",
	"container_dns":  "172.22.0.1",
	"min_passphrase": 8,
	"rsync_filters":  "",
}

// flag name -> config key
var flagKeys = map[string]string{
	"dry-run": "dry_run",
	"debug":   "debug",
	"quiet":   "quiet",
}

// DefaultPath returns the first existing config file in the XDG config dirs
// or /etc/nest, or "" when there is none.
func DefaultPath() string {
	if p, err := xdg.SearchConfigFile("nest/cli.yaml"); err == nil {
		return p
	}
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath
	}
	return ""
}

// Load merges defaults, the YAML file at path, NEST_* environment variables
// and any changed flags in flags, in increasing order of precedence. An empty
// path means DefaultPath(); an explicit path must exist.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	v.SetEnvPrefix("NEST")
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &notFound) || os.IsNotExist(err)) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.MinPassphrase < 1 {
		cfg.MinPassphrase = 1
	}
	return cfg, nil
}
