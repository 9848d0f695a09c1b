// Package config holds process-wide gateway settings.
//
// Settings come from the environment (SHELLGATE_* variables) with an
// optional YAML file overlay for deployments that prefer file-based
// configuration. The file, when present, wins over environment values.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8022" yaml:"listen_addr"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"" yaml:"allowed_origins"`

	// AllowedIPs is a comma-separated list of source IPs and CIDR ranges
	// permitted to reach the gateway. Empty allows every address.
	AllowedIPs string `envconfig:"ALLOWED_IPS" default:"" yaml:"allowed_ips"`
	DataPath       string   `envconfig:"DATA_PATH" default:"/var/lib/shellgate" yaml:"data_path"`
	LogPath        string   `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	DatabasePath   string   `envconfig:"DATABASE_PATH" default:"" yaml:"database_path"`

	// ConnectTimeout bounds SSH/Docker establishment, covering dial and
	// protocol negotiation. Shell channels have no intrinsic timeout.
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s" yaml:"connect_timeout"`

	// TokenKey is a base64 fernet key. Empty disables WS access tokens.
	TokenKey string        `envconfig:"TOKEN_KEY" default:"" yaml:"token_key"`
	TokenTTL time.Duration `envconfig:"TOKEN_TTL" default:"12h" yaml:"token_ttl"`

	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90" yaml:"audit_retention_days"`
	AuditPruneSchedule string `envconfig:"AUDIT_PRUNE_SCHEDULE" default:"0 3 * * *" yaml:"audit_prune_schedule"`

	// DockerEnabled allows connect requests with kind "docker" to reach the
	// local Docker daemon. Off by default; the gateway is SSH-first.
	DockerEnabled bool   `envconfig:"DOCKER_ENABLED" default:"false" yaml:"docker_enabled"`
	DockerHost    string `envconfig:"DOCKER_HOST" default:"" yaml:"docker_host"`
}

var Cfg Settings

// Load populates Cfg from the environment, then applies the YAML file at
// SHELLGATE_CONFIG_FILE if one is configured.
func Load() {
	if err := envconfig.Process("SHELLGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if path := os.Getenv("SHELLGATE_CONFIG_FILE"); path != "" {
		if err := applyFile(path, &Cfg); err != nil {
			log.Fatalf("failed to load config file %s: %v", path, err)
		}
	}

	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "shellgate.db")
	}
}

// applyFile overlays YAML settings onto s. A missing file is an error
// because the operator asked for it explicitly.
func applyFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
