package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.json_logs", false)

	// Scan execution defaults
	v.SetDefault("scan.agent_command", "strix")
	v.SetDefault("scan.agent_grace_seconds", 10)
	v.SetDefault("scan.max_duration_seconds", 0) // no cap

	// Admission defaults: 20 admitted requests per caller per 5 minutes
	v.SetDefault("admission.rate_limit_requests", 20)
	v.SetDefault("admission.rate_limit_window_seconds", 300)
	v.SetDefault("admission.allowed_schemes", []string{"http", "https"})
	v.SetDefault("admission.max_instructions_length", 5000)
	v.SetDefault("admission.denied_instruction_patterns", []string{
		"rm -rf", "sudo", "chmod", "chown", "passwd", "shadow",
		"eval", "exec", "system", "shell", "bash", "sh",
		"curl", "wget", "nc", "netcat", "telnet", "ssh",
	})
	v.SetDefault("admission.repo_host_patterns", []string{
		`^https://github\.com/[\w\-\.]+/[\w\-\.]+/?$`,
		`^git@github\.com:[\w\-\.]+/[\w\-\.]+\.git$`,
		`^https://gitlab\.com/[\w\-\.]+/[\w\-\.]+/?$`,
		`^https://bitbucket\.org/[\w\-\.]+/[\w\-\.]+/?$`,
	})
}
