// Package config loads warden's configuration from TOML files and
// WARDEN_-prefixed environment variables via Viper.
package config

// Config represents the core warden configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Admission AdmissionConfig `mapstructure:"admission"`
}

// ServerConfig configures the warden HTTP/WebSocket gateway
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JSONLogs       bool     `mapstructure:"json_logs"`
}

// Default server port. Above the privileged range, easy to remember.
const DefaultServerPort = 8780

// ScanConfig configures scan execution
type ScanConfig struct {
	// AgentCommand is the external scanner invocation, shell-quoted.
	// The scan request is delivered to the process as JSON on stdin.
	AgentCommand string `mapstructure:"agent_command"`

	// AgentGraceSeconds is how long a cancelled scanner process gets to
	// exit after SIGTERM before it is killed.
	AgentGraceSeconds int `mapstructure:"agent_grace_seconds"`

	// MaxDurationSeconds caps a single scan's wall-clock run time.
	// 0 disables the cap. Enforced through the normal cancel path.
	MaxDurationSeconds int `mapstructure:"max_duration_seconds"`
}

// AdmissionConfig configures the admission gate. All of these are
// operator-tunable and hot-reloaded by the config watcher.
type AdmissionConfig struct {
	// RateLimitRequests admitted per RateLimitWindowSeconds per caller.
	RateLimitRequests      int `mapstructure:"rate_limit_requests"`
	RateLimitWindowSeconds int `mapstructure:"rate_limit_window_seconds"`

	// AllowedSchemes for scan targets.
	AllowedSchemes []string `mapstructure:"allowed_schemes"`

	// DeniedInstructionPatterns are case-insensitive substrings rejected
	// in free-text scan instructions.
	DeniedInstructionPatterns []string `mapstructure:"denied_instruction_patterns"`

	// MaxInstructionsLength caps free-text instructions.
	MaxInstructionsLength int `mapstructure:"max_instructions_length"`

	// RepoHostPatterns are regular expressions a repository URL must match.
	RepoHostPatterns []string `mapstructure:"repo_host_patterns"`
}
