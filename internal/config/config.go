package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultRoster is the agent line-up used when config.yaml names none.
var DefaultRoster = []string{
	"data_collector",
	"trend_analyst",
	"explainer",
	"risk_analyst",
	"strategy_planner",
	"report_writer",
	"quality_reviewer",
}

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMConfig selects the text-completion backend.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "ollama".
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	BaseURL         string  `yaml:"base_url"`
	CompatProvider  string  `yaml:"compat_provider"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	// MaxAttempts bounds call-site retries of transport and parse failures.
	MaxAttempts int `yaml:"max_attempts"`
}

type OrchestratorConfig struct {
	Roster                []string            `yaml:"roster"`
	Dependencies          map[string][]string `yaml:"dependencies"`
	RefinePlan            bool                `yaml:"refine_plan"`
	DecomposeAttempts     int                 `yaml:"decompose_attempts"`
	MaxRetries            int                 `yaml:"max_retries"`
	MaxRequeues           int                 `yaml:"max_requeues"`
	SubtaskTimeoutSeconds int                 `yaml:"subtask_timeout_seconds"`
	PollIntervalMillis    int                 `yaml:"poll_interval_ms"`
	BackoffBaseMillis     int                 `yaml:"backoff_base_ms"`
	BackoffMaxMillis      int                 `yaml:"backoff_max_ms"`
}

// RouteConfig is the router's view of one destination.
type RouteConfig struct {
	BasePriority string `yaml:"base_priority"`
	Type         string `yaml:"type"`
}

type RouterConfig struct {
	// QueueDiscipline is "head_insert" or "priority".
	QueueDiscipline string                 `yaml:"queue_discipline"`
	MaxQueueDepth   int                    `yaml:"max_queue_depth"`
	Routes          map[string]RouteConfig `yaml:"routes"`
}

type KnowledgeConfig struct {
	Dimension       int     `yaml:"dimension"`
	SimilarityFloor float64 `yaml:"similarity_floor"`
	KeywordLimit    int     `yaml:"keyword_limit"`
	QueryCacheSize  int     `yaml:"query_cache_size"`
}

type AgentRuntimeConfig struct {
	HeartbeatSeconds  int `yaml:"heartbeat_seconds"`
	MailboxPollMillis int `yaml:"mailbox_poll_ms"`
	PromptTokenBudget int `yaml:"prompt_token_budget"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Query    string `yaml:"query"`
	Priority string `yaml:"priority"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	LLM          LLMConfig                 `yaml:"llm"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Router       RouterConfig              `yaml:"router"`
	Knowledge    KnowledgeConfig           `yaml:"knowledge"`
	Agents       AgentRuntimeConfig        `yaml:"agents"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
	Schedules    []ScheduleConfig          `yaml:"schedules"`

	NeedsGenesis bool `yaml:"-"`
}

var validPriorities = []string{"low", "normal", "high", "urgent"}

// ProviderAPIKey resolves the key for provider: environment first, then config.yaml.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// DatabasePath returns the configured database path, defaulting under HomeDir.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "council.db")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint summarizes the settings whose change is worth logging on reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|llm=%s/%s|roster=%v|retries=%d|timeout=%d|discipline=%s|routes=%d",
		c.LogLevel, c.LLM.Provider, c.LLM.Model, c.Orchestrator.Roster, c.Orchestrator.MaxRetries,
		c.Orchestrator.SubtaskTimeoutSeconds, c.Router.QueueDiscipline, len(c.Router.Routes))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:        "google",
			MaxOutputTokens: 1024,
			Temperature:     0.2,
			TimeoutSeconds:  60,
			MaxAttempts:     3,
		},
		Orchestrator: OrchestratorConfig{
			Roster:                slices.Clone(DefaultRoster),
			DecomposeAttempts:     3,
			MaxRetries:            2,
			MaxRequeues:           5,
			SubtaskTimeoutSeconds: 300,
			PollIntervalMillis:    500,
			BackoffBaseMillis:     500,
			BackoffMaxMillis:      30_000,
		},
		Router: RouterConfig{
			QueueDiscipline: "head_insert",
			MaxQueueDepth:   1000,
		},
		Knowledge: KnowledgeConfig{
			Dimension:       512,
			SimilarityFloor: 0.1,
			KeywordLimit:    10,
			QueryCacheSize:  256,
		},
		Agents: AgentRuntimeConfig{
			HeartbeatSeconds:  15,
			MailboxPollMillis: 250,
			PromptTokenBudget: 6000,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "council",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns $COUNCIL_HOME or ~/.council.
func HomeDir() string {
	if override := os.Getenv("COUNCIL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".council")
}

// LoadDotEnv loads .env files from the working directory and homeDir. Values
// already present in the environment win.
func LoadDotEnv(homeDir string) []string {
	var loaded []string
	for _, p := range []string{".env", filepath.Join(homeDir, ".env")} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}

// Load reads configuration from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies environment overrides and
// defaults, and validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create council home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("COUNCIL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("COUNCIL_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("COUNCIL_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("COUNCIL_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("COUNCIL_LLM_BASE_URL"); raw != "" {
		cfg.LLM.BaseURL = raw
	}
	if raw := os.Getenv("COUNCIL_QUEUE_DISCIPLINE"); raw != "" {
		cfg.Router.QueueDiscipline = raw
	}
	envInt("COUNCIL_MAX_RETRIES", &cfg.Orchestrator.MaxRetries)
	envInt("COUNCIL_SUBTASK_TIMEOUT_SECONDS", &cfg.Orchestrator.SubtaskTimeoutSeconds)
	envInt("COUNCIL_MAX_QUEUE_DEPTH", &cfg.Router.MaxQueueDepth)
	if raw := os.Getenv("COUNCIL_REFINE_PLAN"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Orchestrator.RefinePlan = v
		}
	}
	if raw := os.Getenv("COUNCIL_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
		cfg.Telemetry.Enabled = raw != "none"
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.MaxOutputTokens <= 0 {
		cfg.LLM.MaxOutputTokens = def.LLM.MaxOutputTokens
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = def.LLM.TimeoutSeconds
	}
	if cfg.LLM.MaxAttempts <= 0 {
		cfg.LLM.MaxAttempts = def.LLM.MaxAttempts
	}

	o := &cfg.Orchestrator
	if len(o.Roster) == 0 {
		o.Roster = slices.Clone(DefaultRoster)
	}
	if o.DecomposeAttempts <= 0 {
		o.DecomposeAttempts = def.Orchestrator.DecomposeAttempts
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxRequeues <= 0 {
		o.MaxRequeues = def.Orchestrator.MaxRequeues
	}
	if o.SubtaskTimeoutSeconds <= 0 {
		o.SubtaskTimeoutSeconds = def.Orchestrator.SubtaskTimeoutSeconds
	}
	if o.PollIntervalMillis <= 0 {
		o.PollIntervalMillis = def.Orchestrator.PollIntervalMillis
	}
	if o.BackoffBaseMillis <= 0 {
		o.BackoffBaseMillis = def.Orchestrator.BackoffBaseMillis
	}
	if o.BackoffMaxMillis < o.BackoffBaseMillis {
		o.BackoffMaxMillis = max(def.Orchestrator.BackoffMaxMillis, o.BackoffBaseMillis)
	}

	cfg.Router.QueueDiscipline = strings.ToLower(strings.TrimSpace(cfg.Router.QueueDiscipline))
	if cfg.Router.QueueDiscipline == "" {
		cfg.Router.QueueDiscipline = def.Router.QueueDiscipline
	}
	if cfg.Router.MaxQueueDepth <= 0 {
		cfg.Router.MaxQueueDepth = def.Router.MaxQueueDepth
	}
	for name, rc := range cfg.Router.Routes {
		rc.BasePriority = strings.ToLower(strings.TrimSpace(rc.BasePriority))
		if rc.BasePriority == "" {
			rc.BasePriority = "normal"
		}
		rc.Type = strings.ToLower(strings.TrimSpace(rc.Type))
		if rc.Type == "" {
			rc.Type = "direct"
		}
		cfg.Router.Routes[name] = rc
	}

	if cfg.Knowledge.Dimension <= 0 {
		cfg.Knowledge.Dimension = def.Knowledge.Dimension
	}
	if cfg.Knowledge.SimilarityFloor <= 0 {
		cfg.Knowledge.SimilarityFloor = def.Knowledge.SimilarityFloor
	}
	if cfg.Knowledge.KeywordLimit <= 0 {
		cfg.Knowledge.KeywordLimit = def.Knowledge.KeywordLimit
	}
	if cfg.Knowledge.QueryCacheSize <= 0 {
		cfg.Knowledge.QueryCacheSize = def.Knowledge.QueryCacheSize
	}

	if cfg.Agents.HeartbeatSeconds <= 0 {
		cfg.Agents.HeartbeatSeconds = def.Agents.HeartbeatSeconds
	}
	if cfg.Agents.MailboxPollMillis <= 0 {
		cfg.Agents.MailboxPollMillis = def.Agents.MailboxPollMillis
	}
	if cfg.Agents.PromptTokenBudget <= 0 {
		cfg.Agents.PromptTokenBudget = def.Agents.PromptTokenBudget
	}

	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].Priority == "" {
			cfg.Schedules[i].Priority = "normal"
		}
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Orchestrator.Roster))
	for _, name := range cfg.Orchestrator.Roster {
		if seen[name] {
			return fmt.Errorf("orchestrator.roster: duplicate agent %q", name)
		}
		seen[name] = true
	}
	for agent, deps := range cfg.Orchestrator.Dependencies {
		if !seen[agent] {
			return fmt.Errorf("orchestrator.dependencies: %q is not in the roster", agent)
		}
		for _, d := range deps {
			if !seen[d] {
				return fmt.Errorf("orchestrator.dependencies[%s]: %q is not in the roster", agent, d)
			}
		}
	}
	switch cfg.Router.QueueDiscipline {
	case "head_insert", "priority":
	default:
		return fmt.Errorf("router.queue_discipline: unknown value %q", cfg.Router.QueueDiscipline)
	}
	for name, rc := range cfg.Router.Routes {
		if !slices.Contains(validPriorities, rc.BasePriority) {
			return fmt.Errorf("router.routes[%s].base_priority: unknown priority %q", name, rc.BasePriority)
		}
		if rc.Type != "direct" && rc.Type != "broadcast" {
			return fmt.Errorf("router.routes[%s].type: unknown route type %q", name, rc.Type)
		}
	}
	if cfg.Knowledge.SimilarityFloor > 1 {
		return fmt.Errorf("knowledge.similarity_floor must be <= 1, got %v", cfg.Knowledge.SimilarityFloor)
	}
	for _, s := range cfg.Schedules {
		if s.Name == "" || s.Cron == "" || s.Query == "" {
			return fmt.Errorf("schedules: name, cron and query are required (got %+v)", s)
		}
		if !slices.Contains(validPriorities, s.Priority) {
			return fmt.Errorf("schedules[%s].priority: unknown priority %q", s.Name, s.Priority)
		}
	}
	return nil
}
