package global

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configTOMLFileName = "config.toml"

	PastDueDiscard     = "discard"
	PastDueFire        = "fire"
	PastDueRollForward = "roll_forward"
)

type SchedulerConfig struct {
	CoalesceWindowMS    int    `json:"coalesce_window_ms" toml:"coalesce_window_ms"`
	HeartbeatEnabled    bool   `json:"heartbeat_enabled" toml:"heartbeat_enabled"`
	HeartbeatMinMinutes int    `json:"heartbeat_min_minutes" toml:"heartbeat_min_minutes"`
	HeartbeatMaxMinutes int    `json:"heartbeat_max_minutes" toml:"heartbeat_max_minutes"`
	PastDuePolicy       string `json:"past_due_policy" toml:"past_due_policy"`
}

type OrchestratorConfig struct {
	Model              string `json:"model" toml:"model"`
	MaxIterations      int    `json:"max_iterations" toml:"max_iterations"`
	ConversationWindow int    `json:"conversation_window" toml:"conversation_window"`
	MemoryBudgetChars  int    `json:"memory_budget_chars" toml:"memory_budget_chars"`
	Persona            string `json:"persona,omitempty" toml:"persona,omitempty"`
}

type SandboxConfig struct {
	VMBinary              string  `json:"vm_binary" toml:"vm_binary"`
	BaseImage             string  `json:"base_image" toml:"base_image"`
	PollIntervalSeconds   int     `json:"poll_interval_seconds" toml:"poll_interval_seconds"`
	DefaultTimeoutMinutes int     `json:"default_timeout_minutes" toml:"default_timeout_minutes"`
	MaxTimeoutMinutes     int     `json:"max_timeout_minutes" toml:"max_timeout_minutes"`
	DefaultModel          string  `json:"default_model" toml:"default_model"`
	DefaultMaxTurns       int     `json:"default_max_turns" toml:"default_max_turns"`
	DefaultMaxBudgetUSD   float64 `json:"default_max_budget_usd" toml:"default_max_budget_usd"`
}

type NotifyConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled"`
	Command string `json:"command" toml:"command"`
}

type WatchConfig struct {
	Paths      []string `json:"paths" toml:"paths"`
	DebounceMS int      `json:"debounce_ms" toml:"debounce_ms"`
}

type GlobalConfig struct {
	Scheduler    SchedulerConfig    `json:"scheduler" toml:"scheduler"`
	Orchestrator OrchestratorConfig `json:"orchestrator" toml:"orchestrator"`
	Sandbox      SandboxConfig      `json:"sandbox" toml:"sandbox"`
	Notify       NotifyConfig       `json:"notify" toml:"notify"`
	Watch        WatchConfig        `json:"watch" toml:"watch"`
}

type ConfigStore struct {
	dir string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) Dir() string {
	return s.dir
}

func (s *ConfigStore) LoadOrInit() (GlobalConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return GlobalConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		cfg := DefaultConfig()
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return GlobalConfig{}, err
		}
		return normalizeConfig(cfg), nil
	} else if !os.IsNotExist(err) {
		return GlobalConfig{}, err
	}

	cfg := DefaultConfig()
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg GlobalConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalizeConfig(cfg))
}

func DefaultConfig() GlobalConfig {
	return normalizeConfig(GlobalConfig{
		Scheduler: SchedulerConfig{HeartbeatEnabled: true},
		Notify:    NotifyConfig{Enabled: true, Command: "notify-send"},
	})
}

func (c SchedulerConfig) CoalesceWindow() time.Duration {
	return time.Duration(c.CoalesceWindowMS) * time.Millisecond
}

func (c SchedulerConfig) HeartbeatBounds() (time.Duration, time.Duration) {
	return time.Duration(c.HeartbeatMinMinutes) * time.Minute, time.Duration(c.HeartbeatMaxMinutes) * time.Minute
}

func (c SandboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func normalizeConfig(cfg GlobalConfig) GlobalConfig {
	cfg.Scheduler = normalizeScheduler(cfg.Scheduler)
	cfg.Orchestrator = normalizeOrchestrator(cfg.Orchestrator)
	cfg.Sandbox = normalizeSandbox(cfg.Sandbox)
	cfg.Notify.Command = strings.TrimSpace(cfg.Notify.Command)
	if cfg.Notify.Command == "" {
		cfg.Notify.Enabled = false
	}
	paths := make([]string, 0, len(cfg.Watch.Paths))
	for _, p := range cfg.Watch.Paths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	cfg.Watch.Paths = paths
	if cfg.Watch.DebounceMS <= 0 {
		cfg.Watch.DebounceMS = 2000
	}
	return cfg
}

func normalizeScheduler(c SchedulerConfig) SchedulerConfig {
	if c.CoalesceWindowMS <= 0 {
		c.CoalesceWindowMS = 500
	}
	if c.HeartbeatMinMinutes <= 0 {
		c.HeartbeatMinMinutes = 30
	}
	if c.HeartbeatMaxMinutes <= 0 {
		c.HeartbeatMaxMinutes = 90
	}
	if c.HeartbeatMaxMinutes < c.HeartbeatMinMinutes {
		c.HeartbeatMaxMinutes = c.HeartbeatMinMinutes
	}
	switch strings.ToLower(strings.TrimSpace(c.PastDuePolicy)) {
	case PastDueFire:
		c.PastDuePolicy = PastDueFire
	case PastDueRollForward, "roll-forward":
		c.PastDuePolicy = PastDueRollForward
	default:
		c.PastDuePolicy = PastDueDiscard
	}
	return c
}

func normalizeOrchestrator(c OrchestratorConfig) OrchestratorConfig {
	c.Model = strings.TrimSpace(c.Model)
	c.Persona = strings.TrimSpace(c.Persona)
	if c.MaxIterations <= 0 {
		c.MaxIterations = 16
	}
	if c.ConversationWindow <= 0 {
		c.ConversationWindow = 20
	}
	if c.MemoryBudgetChars <= 0 {
		c.MemoryBudgetChars = 8000
	}
	return c
}

func normalizeSandbox(c SandboxConfig) SandboxConfig {
	c.VMBinary = strings.TrimSpace(c.VMBinary)
	if c.VMBinary == "" {
		c.VMBinary = "tart"
	}
	c.BaseImage = strings.TrimSpace(c.BaseImage)
	if c.BaseImage == "" {
		c.BaseImage = "lantern-quest-base"
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 15
	}
	if c.DefaultTimeoutMinutes <= 0 {
		c.DefaultTimeoutMinutes = 30
	}
	if c.MaxTimeoutMinutes <= 0 {
		c.MaxTimeoutMinutes = 240
	}
	if c.MaxTimeoutMinutes < c.DefaultTimeoutMinutes {
		c.MaxTimeoutMinutes = c.DefaultTimeoutMinutes
	}
	c.DefaultModel = strings.TrimSpace(c.DefaultModel)
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-5-mini"
	}
	if c.DefaultMaxTurns <= 0 {
		c.DefaultMaxTurns = 50
	}
	if c.DefaultMaxBudgetUSD <= 0 {
		c.DefaultMaxBudgetUSD = 2
	}
	return c
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteJSONAtomically writes v as indented JSON through a tmp file and rename.
func WriteJSONAtomically(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
