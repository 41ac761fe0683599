package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m4xw311/hybridshell/errors"
)

const dirName = ".hybridshell"

type MemoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	TopK      int    `yaml:"top_k"`
	MaxItems  int    `yaml:"max_items"`
	Dimension int    `yaml:"dimension"`
}

type MCPServer struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Tool is the name of the tool invoked with {"query": ...}.
	Tool string `yaml:"tool"`
}

type SearchConfig struct {
	Backend    string        `yaml:"backend"` // brave | duckduckgo | mcp
	MaxResults int           `yaml:"max_results"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	CacheSize  int           `yaml:"cache_size"`
	MCP        MCPServer     `yaml:"mcp"`
}

// PolicyConfig is the destructive-command deny-list. It is configuration
// rather than code so operators can tighten or relax it per project.
type PolicyConfig struct {
	DenyCommands        []string `yaml:"deny_commands"`
	DenyPatterns        []string `yaml:"deny_patterns"`
	MutatingCommands    []string `yaml:"mutating_commands"`
	ProtectedPaths      []string `yaml:"protected_paths"`
	InteractiveCommands []string `yaml:"interactive_commands"`
}

type RouterConfig struct {
	ModelClassifier bool     `yaml:"model_classifier"`
	MinConfidence   float64  `yaml:"min_confidence"`
	SearchKeywords  []string `yaml:"search_keywords"`
	PlanKeywords    []string `yaml:"plan_keywords"`
}

type Config struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	RouterProvider string `yaml:"router_provider"`
	RouterModel    string `yaml:"router_model"`
	DefaultPersona string `yaml:"default_persona"`

	MaxReplans         int           `yaml:"max_replans"`
	MaxSteps           int           `yaml:"max_steps"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	RequestsPerMinute  int           `yaml:"requests_per_minute"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	CommandTimeout     time.Duration `yaml:"command_timeout"`
	ConfirmationPolicy string        `yaml:"confirmation_policy"` // auto | prompt
	VerifyWithModel    bool          `yaml:"verify_with_model"`
	ContextWindowSize  int           `yaml:"context_window_size"`
	SessionDir         string        `yaml:"session_dir"`

	Memory MemoryConfig `yaml:"memory"`
	Search SearchConfig `yaml:"search"`
	Policy PolicyConfig `yaml:"policy"`
	Router RouterConfig `yaml:"router"`
}

// Default returns the built-in configuration that file and environment
// layers are merged on top of.
func Default() *Config {
	return &Config{
		Provider:           "fireworks",
		Model:              "accounts/fireworks/models/glm-4p6",
		DefaultPersona:     "general_chat",
		MaxReplans:         3,
		MaxSteps:           6,
		MaxAttempts:        3,
		BackoffBase:        500 * time.Millisecond,
		BackoffMax:         8 * time.Second,
		CallTimeout:        120 * time.Second,
		CommandTimeout:     60 * time.Second,
		ConfirmationPolicy: "prompt",
		VerifyWithModel:    true,
		ContextWindowSize:  20,
		SessionDir:         filepath.Join(dirName, "sessions"),
		Memory: MemoryConfig{
			Enabled:   true,
			TopK:      5,
			MaxItems:  500,
			Dimension: 256,
		},
		Search: SearchConfig{
			Backend:    "duckduckgo",
			MaxResults: 8,
			CacheTTL:   24 * time.Hour,
			CacheSize:  128,
		},
		Policy: PolicyConfig{
			DenyCommands: []string{
				"rm", "rmdir", "sudo", "su", "doas", "mkfs", "dd", "shred", "shutdown",
				"reboot", "halt", "poweroff", "kill", "killall", "pkill", "chmod", "chown",
				"fdisk", "parted", "wipefs", "crontab",
			},
			DenyPatterns: []string{
				`:\(\)\s*\{.*\};\s*:`,
				`>\s*/dev/(sd|nvme|hd)`,
				`(curl|wget)\s.*\|\s*(ba|z)?sh`,
				`git\s+(push\s+.*--force|reset\s+--hard|clean\s+-[a-z]*f)`,
				`find\s.*-delete`,
				`sed\s+(-[a-zA-Z]*i|--in-place)`,
			},
			MutatingCommands: []string{"mv", "cp", "tee", "truncate", "ln", "touch", "install"},
			ProtectedPaths:   []string{"/", "/etc/**", "/usr/**", "/bin/**", "/sbin/**", "/boot/**", "/var/**", "~/.ssh/**"},
			InteractiveCommands: []string{
				"nano", "vim", "vi", "nvim", "emacs", "mc", "htop", "top", "fzf", "less", "more",
				"man", "tmux", "screen", "python", "python3", "node", "irb", "psql", "mysql",
				"sqlite3", "redis-cli", "mongo", "bash", "zsh", "fish", "ssh", "ping",
			},
		},
		Router: RouterConfig{
			ModelClassifier: false,
			MinConfidence:   0.6,
			SearchKeywords: []string{
				"search", "look up", "lookup", "google", "find online", "latest", "news",
				"price", "web", "internet", "get me",
			},
			PlanKeywords: []string{
				"run", "execute", "list files", "show files", "create a", "install", "build",
				"inspect", "check the", "in this directory", "in the current directory",
				"in this project", "delete", "remove", "git ",
			},
		},
	}
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence. Environment overrides
// are applied last.
func LoadConfig() (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		cfg.Memory.Path = filepath.Join(home, ".cache", "hybridshell", "memory.db")
		userConfigPath := filepath.Join(home, dirName, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, dirName, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the YAML overwrite the previous layer; absent fields
	// keep it. Lists are replaced, not appended.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("HYBRIDSHELL_PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v := getenv("HYBRIDSHELL_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("HYBRIDSHELL_ROUTER_PROVIDER"); v != "" && v != "auto" && v != "same" {
		c.RouterProvider = strings.ToLower(v)
	}
	if v := getenv("HYBRIDSHELL_CONFIRMATION"); v != "" {
		c.ConfirmationPolicy = strings.ToLower(v)
	}
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	switch c.ConfirmationPolicy {
	case "auto", "prompt":
	default:
		return errors.New("invalid confirmation_policy %q: must be 'auto' or 'prompt'", c.ConfirmationPolicy)
	}
	if c.MaxSteps < 1 {
		return errors.New("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.MaxReplans < 0 {
		return errors.New("max_replans must not be negative, got %d", c.MaxReplans)
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.ContextWindowSize < 1 {
		return errors.New("context_window_size must be at least 1, got %d", c.ContextWindowSize)
	}
	if c.Memory.TopK < 1 || c.Memory.TopK > 50 {
		return errors.New("memory.top_k must be within 1..50, got %d", c.Memory.TopK)
	}
	if c.Router.MinConfidence < 0 || c.Router.MinConfidence > 1 {
		return errors.New("router.min_confidence must be within 0..1, got %v", c.Router.MinConfidence)
	}
	switch c.Search.Backend {
	case "brave", "duckduckgo":
	case "mcp":
		if c.Search.MCP.Command == "" || c.Search.MCP.Tool == "" {
			return errors.New("search backend 'mcp' requires search.mcp.command and search.mcp.tool")
		}
	default:
		return errors.New("unknown search backend %q", c.Search.Backend)
	}
	return nil
}

// RouterBackend returns the provider and model used for model-based routing,
// falling back to the main provider when no override is configured.
func (c *Config) RouterBackend() (provider, model string) {
	provider, model = c.Provider, c.Model
	if c.RouterProvider != "" {
		provider = c.RouterProvider
		model = ""
	}
	if c.RouterModel != "" {
		model = c.RouterModel
	}
	return provider, model
}
