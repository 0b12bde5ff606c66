// Package config keeps the validated configuration document in the KV store
// and hands out either frozen references or deep clones for mutate-then-save
// flows. Reload events fan out over a reserved pub/sub channel.
package config

// Config is the single validated configuration document.
type Config struct {
	Orchestrator OrchestratorConfig       `json:"orchestrator"`
	Gateway      GatewayConfig            `json:"gateway"`
	Logs         LogsConfig               `json:"logs"`
	Memory       MemoryConfig             `json:"memory"`
	Queue        QueueConfig              `json:"queue"`
	Models       ModelsConfig             `json:"models"`
	Guards       GuardsConfig             `json:"guards"`
	Budget       *BudgetConfig            `json:"budget,omitempty"`
	Proactive    *ProactiveConfig         `json:"proactive,omitempty"`
	Channels     map[string]ChannelConfig `json:"channels,omitempty"`
	Skills       []SkillRef               `json:"skills,omitempty"`
	Agents       []AgentRef               `json:"agents,omitempty"`
	MCPServers   map[string]MCPServer     `json:"mcpServers,omitempty"`
	Paths        PathsConfig              `json:"paths"`
	Worker       WorkerConfig             `json:"worker"`
}

// OrchestratorConfig bounds the tool-calling loop.
type OrchestratorConfig struct {
	MaxIterations    int     `json:"maxIterations"`
	MaxTokensPerTurn int     `json:"maxTokensPerTurn"`
	MaxTokens        int     `json:"maxTokens"`
	Temperature      float64 `json:"temperature"`
}

// GatewayConfig configures the management HTTP surface. AuthType and
// AuthValue are never mutated through generic update paths.
type GatewayConfig struct {
	Port      int    `json:"port"`
	AuthType  string `json:"authType"`
	AuthValue string `json:"authValue"`

	// RateLimitPerMinute caps inbound messages per channel in a sliding
	// 60-second window. Zero disables the limit.
	RateLimitPerMinute int `json:"rateLimitPerMinute"`
}

// LogsConfig configures structured logging.
type LogsConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MemoryConfig configures the memory engine.
type MemoryConfig struct {
	VectorDimension int     `json:"vectorDimension"`
	ScoreThreshold  float64 `json:"scoreThreshold"`
	DefaultTopK     int     `json:"defaultTopK"`
}

// QueueConfig configures the queue fabric.
type QueueConfig struct {
	Attempts    int            `json:"attempts"`
	BackoffMs   int            `json:"backoffMs"`
	BackoffType string         `json:"backoffType"` // "exponential" or "fixed"
	Concurrency map[string]int `json:"concurrency,omitempty"`
}

// ModelEntry is one registered model. ID uses the <provider>:<model> form.
type ModelEntry struct {
	ID            string  `json:"id"`
	Enabled       bool    `json:"enabled"`
	Priority      int     `json:"priority"`
	Weight        int     `json:"weight"`
	ContextWindow int     `json:"contextWindow"`
	APIKey        string  `json:"apiKey,omitempty"`
	BaseURL       string  `json:"baseUrl,omitempty"`
	InputPerMTok  float64 `json:"inputPerMTok,omitempty"`
	OutputPerMTok float64 `json:"outputPerMTok,omitempty"`
}

// ModelsConfig registers chat and embedding models per scope.
type ModelsConfig struct {
	Models          []ModelEntry `json:"models"`
	EmbeddingModels []ModelEntry `json:"embeddingModels"`
	// Orchestrator optionally restricts the orchestrator to a scoped pool
	// of model ids; empty means the global enabled pool.
	Orchestrator []string `json:"orchestrator,omitempty"`
	Guard        string   `json:"guard,omitempty"`
}

// GuardsConfig configures the policy layer.
type GuardsConfig struct {
	EchoThreshold   float64  `json:"echoThreshold"`
	EchoEnabled     bool     `json:"echoEnabled"`
	ContentEnabled  bool     `json:"contentEnabled"`
	SkillEnabled    bool     `json:"skillEnabled"`
	AgentEnabled    bool     `json:"agentEnabled"`
	DeniedCommands  []string `json:"deniedCommands,omitempty"`
	AllowedCommands []string `json:"allowedCommands,omitempty"`
}

// BudgetConfig caps LLM spend. Limits of zero mean unlimited.
type BudgetConfig struct {
	DailyLimitUSD   float64 `json:"dailyLimitUsd"`
	MonthlyLimitUSD float64 `json:"monthlyLimitUsd"`
	HardLimit       bool    `json:"hardLimit"`
	AlertPercents   []int   `json:"alertPercents,omitempty"`
}

// ProactiveConfig configures idle-channel follow-ups.
type ProactiveConfig struct {
	Enabled              bool   `json:"enabled"`
	CronPattern          string `json:"cronPattern"`
	Model                string `json:"model,omitempty"`
	IdleThresholdMinutes int    `json:"idleThresholdMinutes"`
	CooldownMinutes      int    `json:"cooldownMinutes"`
	MaxPerDay            int    `json:"maxPerDay"`
	QuietHoursStart      int    `json:"quietHoursStart"`
	QuietHoursEnd        int    `json:"quietHoursEnd"`
	Timezone             string `json:"timezone,omitempty"`
}

// ChannelConfig is a dynamic record: the adapter owns its shape. Keys are
// kept as-is during defaults merging.
type ChannelConfig map[string]any

// SkillRef registers one on-disk skill bundle.
type SkillRef struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// AgentRef registers one on-disk agent bundle.
type AgentRef struct {
	ID            string   `json:"id"`
	Enabled       bool     `json:"enabled"`
	MaxIterations int      `json:"maxIterations,omitempty"`
	Models        []string `json:"models,omitempty"`
	Skills        []string `json:"skills,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	MCPServers    []string `json:"mcpServers,omitempty"`
}

// MCPServer declares one MCP server connection.
type MCPServer struct {
	Transport string            `json:"transport"` // "stdio" or "sse"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   bool              `json:"enabled"`
}

// PathsConfig roots the on-disk layout.
type PathsConfig struct {
	Root      string `json:"root"`
	Database  string `json:"database"`
	SkillsDir string `json:"skillsDir"`
	AgentsDir string `json:"agentsDir"`
	Workspace string `json:"workspace"`
}

// WorkerConfig configures worker processes.
type WorkerConfig struct {
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"`
	NodeURL string `json:"nodeUrl,omitempty"`
}

// Defaults returns the defaults table merged under every loaded document.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxIterations:    10,
			MaxTokensPerTurn: 200000,
			MaxTokens:        4096,
			Temperature:      0.7,
		},
		Gateway: GatewayConfig{Port: 8067, AuthType: "bearer", RateLimitPerMinute: 10},
		Logs:    LogsConfig{Level: "info", Format: "json"},
		Memory: MemoryConfig{
			VectorDimension: 1536,
			ScoreThreshold:  0.35,
			DefaultTopK:     5,
		},
		Queue: QueueConfig{
			Attempts:    3,
			BackoffMs:   2000,
			BackoffType: "exponential",
			Concurrency: map[string]int{
				"messages": 2, "agents": 2, "internal": 2, "tools": 4,
			},
		},
		Models: ModelsConfig{
			Models:          []ModelEntry{},
			EmbeddingModels: []ModelEntry{},
		},
		Guards: GuardsConfig{
			EchoThreshold:  0.9,
			EchoEnabled:    true,
			ContentEnabled: true,
			SkillEnabled:   true,
			AgentEnabled:   true,
		},
		Paths: PathsConfig{
			Root:      ".",
			Database:  "database",
			SkillsDir: "skills",
			AgentsDir: "agents",
			Workspace: "workspace",
		},
		Worker: WorkerConfig{Port: 8068},
	}
}
