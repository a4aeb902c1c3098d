// Package config loads and saves the openclaw server configuration.
package config

// ControlConfig configures the control surface listener.
type ControlConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token"` // shared secret; empty disables the surface
}

// LLMCLIConfig configures the external LLM-CLI binary.
type LLMCLIConfig struct {
	Binary       string `json:"binary"`
	DefaultModel string `json:"defaultModel,omitempty"`
	TimeoutMs    int    `json:"timeoutMs,omitempty"`
}

// TriageConfig configures the secondary triage model endpoint.
type TriageConfig struct {
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	Model   string `json:"model,omitempty"`
}

// GatewayConfig configures the upstream message gateway connection.
type GatewayConfig struct {
	URL      string   `json:"url,omitempty"`
	Token    string   `json:"token,omitempty"`
	DeviceID string   `json:"deviceId,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Role     string   `json:"role,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// Config is the top-level jvConfig.json document at the project root.
type Config struct {
	ProjectRoot string        `json:"-"` // set by the loader, not persisted
	Control     ControlConfig `json:"control"`
	LLMCLI      LLMCLIConfig  `json:"llmcli"`
	Triage      TriageConfig  `json:"triage"`
	Gateway     GatewayConfig `json:"gateway"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Control: ControlConfig{
			Host: "127.0.0.1",
			Port: 18791,
		},
		LLMCLI: LLMCLIConfig{
			Binary:    "claude",
			TimeoutMs: 600_000,
		},
	}
}
