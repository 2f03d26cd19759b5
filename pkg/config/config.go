package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hostingbot/hostingbot/pkg/types"
)

// Config is the process-wide service configuration. Values come from the
// environment; an optional YAML file overlays the environment.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	SecretKey string `yaml:"secret_key"`
	AdminIDs  []int64 `yaml:"admin_ids"`

	PythonBin  string `yaml:"python_bin"`
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`

	// Lifecycle tuning
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	RestartBaseDelay time.Duration `yaml:"restart_base_delay"`
	RestartMaxDelay  time.Duration `yaml:"restart_max_delay"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	VenvTimeout      time.Duration `yaml:"venv_timeout"`
	PipTimeout       time.Duration `yaml:"pip_timeout"`
	StagingTTL       time.Duration `yaml:"staging_ttl"`

	LogRingSize   int   `yaml:"log_ring_size"`
	LogPageSize   int   `yaml:"log_page_size"`
	UploadMaxSize int64 `yaml:"upload_max_size"`

	// Per-user action rate limit (minimum gap between actions)
	RateLimitGap time.Duration `yaml:"rate_limit_gap"`

	Free    types.Plan `yaml:"free"`
	Premium types.Plan `yaml:"premium"`
}

const mib = int64(1024 * 1024)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:          "/var/lib/hostingbot",
		PythonBin:        "python3",
		ListenAddr:       ":9090",
		LogLevel:         "info",
		WatchdogInterval: 6 * time.Second,
		RestartBaseDelay: 5 * time.Second,
		RestartMaxDelay:  90 * time.Second,
		StopGrace:        8 * time.Second,
		VenvTimeout:      120 * time.Second,
		PipTimeout:       240 * time.Second,
		StagingTTL:       30 * time.Minute,
		LogRingSize:      80,
		LogPageSize:      50,
		UploadMaxSize:    50 * mib,
		RateLimitGap:     700 * time.Millisecond,
		Free: types.Plan{
			Name:          types.PlanFree,
			MaxRunning:    2,
			MaxProjects:   20,
			DiskBytes:     300 * mib,
			RAMBytes:      350 * mib,
			DailyUploads:  5,
			DailyInstalls: 10,
		},
		Premium: types.Plan{
			Name:          types.PlanPremium,
			MaxRunning:    10,
			MaxProjects:   200,
			DiskBytes:     2000 * mib,
			RAMBytes:      1200 * mib,
			DailyUploads:  50,
			DailyInstalls: 100,
		},
	}
}

// Load builds the configuration from the environment, overlaying the YAML
// file at path when path is non-empty. The encryption key is required.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("HOSTINGBOT_SECRET_KEY is required")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOSTINGBOT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HOSTINGBOT_SECRET_KEY"); v != "" {
		c.SecretKey = v
	}
	if v := os.Getenv("HOSTINGBOT_ADMIN_IDS"); v != "" {
		c.AdminIDs = parseIDList(v)
	}
	if v := os.Getenv("HOSTINGBOT_PYTHON_BIN"); v != "" {
		c.PythonBin = v
	}
	if v := os.Getenv("HOSTINGBOT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("HOSTINGBOT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HOSTINGBOT_LOG_JSON"); v != "" {
		c.LogJSON = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("HOSTINGBOT_UPLOAD_MAX_MIB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.UploadMaxSize = n * mib
		}
	}
	if v := os.Getenv("HOSTINGBOT_WATCHDOG_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WatchdogInterval = time.Duration(n) * time.Second
		}
	}
}

func parseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// IsAdmin reports whether uid is in the configured admin set
func (c *Config) IsAdmin(uid int64) bool {
	for _, id := range c.AdminIDs {
		if id == uid {
			return true
		}
	}
	return false
}

// PlanFor returns the limits bundle for a user
func (c *Config) PlanFor(u *types.User) types.Plan {
	if u != nil && u.Premium {
		return c.Premium
	}
	return c.Free
}
