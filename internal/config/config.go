package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Environment selects how routing labels are generated.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Limits struct {
	CPULimit   float64 `yaml:"cpu_limit"`
	MemLimitMB int     `yaml:"mem_limit_mb"`
	PidsLimit  int     `yaml:"pids_limit"`
}

type BrowserConfig struct {
	Image            string `yaml:"image"`
	DefaultTargetURL string `yaml:"default_target_url"`
	ShmSize          string `yaml:"shm_size"`
}

type DesktopConfig struct {
	// Images maps an OS flavor ("ubuntu", "debian", ...) to a container image.
	Images  map[string]string `yaml:"images"`
	ShmSize string            `yaml:"shm_size"`
}

type ReadinessConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	IntervalMs  int `yaml:"interval_ms"`
	// SettleMs is an extra delay after the container reports running, so the
	// proxy has discovered the new routing rule before the entry URL is
	// handed out.
	SettleMs int `yaml:"settle_ms"`
}

type Config struct {
	Listen               string          `yaml:"listen"`
	Domain               string          `yaml:"domain"`
	Environment          string          `yaml:"environment"`
	AdminAPIKey          string          `yaml:"admin_api_key"`
	DBPath               string          `yaml:"db_path"`
	NetworkName          string          `yaml:"network_name"`
	DefaultTTLSeconds    int             `yaml:"default_ttl_seconds"`
	ExtendSeconds        int             `yaml:"extend_seconds"`
	SweepIntervalSeconds int             `yaml:"sweep_interval_seconds"`
	MaxSessionsPerOwner  int             `yaml:"max_sessions_per_owner"`
	StopTimeoutSeconds   int             `yaml:"stop_timeout_seconds"`
	Browser              BrowserConfig   `yaml:"browser"`
	Desktop              DesktopConfig   `yaml:"desktop"`
	Limits               Limits          `yaml:"limits"`
	Readiness            ReadinessConfig `yaml:"readiness"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:               "127.0.0.1:8080",
		Domain:               "localhost",
		Environment:          EnvDevelopment,
		DBPath:               "./wegwerf.db",
		NetworkName:          "wegwerf",
		DefaultTTLSeconds:    300,
		ExtendSeconds:        300,
		SweepIntervalSeconds: 30,
		MaxSessionsPerOwner:  3,
		StopTimeoutSeconds:   10,
		Browser: BrowserConfig{
			Image:            "linuxserver/chromium:latest",
			DefaultTargetURL: "https://duckduckgo.com",
			ShmSize:          "3g",
		},
		Desktop: DesktopConfig{
			Images: map[string]string{
				"ubuntu": "linuxserver/webtop:ubuntu-xfce",
				"debian": "linuxserver/webtop:debian-xfce",
			},
			ShmSize: "1g",
		},
		Limits: Limits{
			CPULimit:   2.0,
			MemLimitMB: 4096,
			PidsLimit:  512,
		},
		Readiness: ReadinessConfig{
			MaxAttempts: 30,
			IntervalMs:  500,
			SettleMs:    2000,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("environment must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}
	if c.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("default_ttl_seconds must be positive")
	}
	if c.ExtendSeconds <= 0 {
		return fmt.Errorf("extend_seconds must be positive")
	}
	if _, err := units.RAMInBytes(c.Browser.ShmSize); err != nil {
		return fmt.Errorf("browser.shm_size: %w", err)
	}
	if _, err := units.RAMInBytes(c.Desktop.ShmSize); err != nil {
		return fmt.Errorf("desktop.shm_size: %w", err)
	}
	return nil
}

// BrowserShmBytes returns the browser shm size in bytes. Validated in Load.
func (c *Config) BrowserShmBytes() int64 {
	n, _ := units.RAMInBytes(c.Browser.ShmSize)
	return n
}

func (c *Config) DesktopShmBytes() int64 {
	n, _ := units.RAMInBytes(c.Desktop.ShmSize)
	return n
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WEGWERF_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("WEGWERF_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("WEGWERF_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("WEGWERF_ADMIN_API_KEY"); v != "" {
		cfg.AdminAPIKey = v
	}
	if v := os.Getenv("WEGWERF_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEGWERF_NETWORK_NAME"); v != "" {
		cfg.NetworkName = v
	}
	if v := os.Getenv("WEGWERF_DEFAULT_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultTTLSeconds = n
		}
	}
	if v := os.Getenv("WEGWERF_EXTEND_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ExtendSeconds = n
		}
	}
	if v := os.Getenv("WEGWERF_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalSeconds = n
		}
	}
	if v := os.Getenv("WEGWERF_MAX_SESSIONS_PER_OWNER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessionsPerOwner = n
		}
	}
	if v := os.Getenv("WEGWERF_BROWSER_IMAGE"); v != "" {
		cfg.Browser.Image = v
	}
	if v := os.Getenv("WEGWERF_BROWSER_SHM_SIZE"); v != "" {
		cfg.Browser.ShmSize = v
	}
	if v := os.Getenv("WEGWERF_DESKTOP_IMAGES"); v != "" {
		// flavor=image pairs, comma separated
		images := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			if k, val, ok := strings.Cut(pair, "="); ok {
				images[strings.TrimSpace(k)] = strings.TrimSpace(val)
			}
		}
		if len(images) > 0 {
			cfg.Desktop.Images = images
		}
	}
	if v := os.Getenv("WEGWERF_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPULimit = f
		}
	}
	if v := os.Getenv("WEGWERF_MEM_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MemLimitMB = n
		}
	}
	if v := os.Getenv("WEGWERF_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.PidsLimit = n
		}
	}
}
