package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

// EnvPrefix is the prefix of environment variables that override the file
const EnvPrefix = "EVOLVE_"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Limits        LimitsConfig        `toml:"limits"`
	Tests         TestsConfig         `toml:"tests"`
	Git           GitConfig           `toml:"git"`
	History       HistoryConfig       `toml:"history"`
	Runner        RunnerConfig        `toml:"runner"`
	Notifications NotificationsConfig `toml:"notifications"`
	Schedule      ScheduleConfig      `toml:"schedule"`
	Logging       LoggingConfig       `toml:"logging"`
}

// GeneralConfig holds paths
type GeneralConfig struct {
	ProjectRoot string `toml:"project_root"`
	TargetDir   string `toml:"target_dir"`
	TestDir     string `toml:"test_dir"`
	LogDir      string `toml:"log_dir"`
	StateDir    string `toml:"state_dir"`
	HistoryFile string `toml:"history_file"`
}

// AgentConfig selects and parameterizes the coding agent
type AgentConfig struct {
	Executor string `toml:"executor"`
	Binary   string `toml:"binary"`
	Model    string `toml:"model"`

	// Empty tool lists fall back to the prompt template's allowed_tools
	ReviewTools     []string `toml:"review_tools"`
	ImplementTools  []string `toml:"implement_tools"`
	DesignatedFiles []string `toml:"designated_files"`
	BudgetExitCodes []int    `toml:"budget_exit_codes"`
}

// PhaseLimitsConfig is the file form of domain.PhaseLimits
type PhaseLimitsConfig struct {
	Timeout      Duration `toml:"timeout"`
	MaxBudgetUSD float64  `toml:"max_budget_usd"`
	MaxTurns     int      `toml:"max_turns"`
}

// LimitsConfig holds limits per phase
type LimitsConfig struct {
	Review    PhaseLimitsConfig `toml:"review"`
	Implement PhaseLimitsConfig `toml:"implement"`
	Verify    PhaseLimitsConfig `toml:"verify"`
}

// TestsConfig holds the target's test command
type TestsConfig struct {
	Command []string `toml:"command"`
}

// GitConfig holds the commit identity. Empty values use git's own config.
type GitConfig struct {
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
}

// HistoryConfig controls the history document
type HistoryConfig struct {
	RecordAborted bool `toml:"record_aborted"`
}

// RunnerConfig controls process execution
type RunnerConfig struct {
	MaxOutputBytes int      `toml:"max_output_bytes"`
	KillGrace      Duration `toml:"kill_grace"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// ScheduleConfig holds the daemon schedule
type ScheduleConfig struct {
	Cron string `toml:"cron"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration that reads from strings like "10m"
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".daily-evolve")
	return &Config{
		General: GeneralConfig{
			TargetDir:   "src",
			TestDir:     "src",
			LogDir:      filepath.Join(stateDir, "logs"),
			StateDir:    stateDir,
			HistoryFile: "evolution/history.md",
		},
		Agent: AgentConfig{
			Executor:        "claude-code",
			DesignatedFiles: []string{"main.py", "tests/test_main.py"},
		},
		Limits: LimitsConfig{
			Review:    PhaseLimitsConfig{Timeout: Duration(5 * time.Minute), MaxBudgetUSD: 1, MaxTurns: 20},
			Implement: PhaseLimitsConfig{Timeout: Duration(15 * time.Minute), MaxBudgetUSD: 3, MaxTurns: 50},
			Verify:    PhaseLimitsConfig{Timeout: Duration(5 * time.Minute)},
		},
		Tests: TestsConfig{
			Command: []string{"python", "-m", "pytest", "tests", "-q"},
		},
		History: HistoryConfig{
			RecordAborted: true,
		},
		Runner: RunnerConfig{
			MaxOutputBytes: 4 << 20,
			KillGrace:      Duration(time.Second),
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Schedule: ScheduleConfig{
			Cron: "0 6 * * *",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults,
// then applies EVOLVE_* environment overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.resolvePaths()
	return cfg, nil
}

// applyEnv overlays EVOLVE_SECTION_FIELD variables onto cfg.
// EVOLVE_LIMITS_REVIEW_TIMEOUT maps to limits.review.timeout because the
// limits section nests one level deeper than the others.
func applyEnv(cfg *Config) error {
	k := koanf.New(".")
	provider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		return envKey(key), strings.TrimSpace(value)
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("loading environment: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}

	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "toml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           cfg,
		},
	})
	if err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}
	return nil
}

func envKey(key string) string {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	section, rest := parts[0], parts[1]
	if section == "limits" {
		sub := strings.SplitN(rest, "_", 2)
		if len(sub) == 2 {
			return section + "." + sub[0] + "." + sub[1]
		}
	}
	return section + "." + rest
}

// resolvePaths expands ~ and anchors relative paths at the project root
func (c *Config) resolvePaths() {
	c.General.ProjectRoot = ExpandPath(c.General.ProjectRoot)
	c.General.LogDir = ExpandPath(c.General.LogDir)
	c.General.StateDir = ExpandPath(c.General.StateDir)

	root := c.General.ProjectRoot
	c.General.TargetDir = anchor(root, ExpandPath(c.General.TargetDir))
	c.General.TestDir = anchor(root, ExpandPath(c.General.TestDir))
	c.General.HistoryFile = anchor(root, ExpandPath(c.General.HistoryFile))
}

func anchor(root, p string) string {
	if p == "" || filepath.IsAbs(p) || root == "" {
		return p
	}
	return filepath.Join(root, p)
}

// Validate checks the configuration is usable for a run
func (c *Config) Validate() error {
	if c.General.ProjectRoot == "" {
		return fmt.Errorf("general.project_root is required")
	}
	if c.General.TargetDir == "" {
		return fmt.Errorf("general.target_dir is required")
	}
	if len(c.Tests.Command) == 0 {
		return fmt.Errorf("tests.command is required")
	}
	switch c.Agent.Executor {
	case "claude-code", "opencode":
	default:
		return fmt.Errorf("agent.executor %q: must be claude-code or opencode", c.Agent.Executor)
	}
	for name, l := range map[string]PhaseLimitsConfig{
		"review":    c.Limits.Review,
		"implement": c.Limits.Implement,
		"verify":    c.Limits.Verify,
	} {
		if l.Timeout <= 0 {
			return fmt.Errorf("limits.%s.timeout must be positive", name)
		}
		if l.MaxBudgetUSD < 0 || l.MaxTurns < 0 {
			return fmt.Errorf("limits.%s: ceilings cannot be negative", name)
		}
	}
	return nil
}

// RunLimits converts the configured limits into their immutable run form
func (c *Config) RunLimits() domain.Limits {
	conv := func(p PhaseLimitsConfig) domain.PhaseLimits {
		return domain.PhaseLimits{
			Timeout:      p.Timeout.Std(),
			MaxBudgetUSD: p.MaxBudgetUSD,
			MaxTurns:     p.MaxTurns,
		}
	}
	return domain.Limits{
		Review:    conv(c.Limits.Review),
		Implement: conv(c.Limits.Implement),
		Verify:    conv(c.Limits.Verify),
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "daily-evolve", "config.toml")
}
