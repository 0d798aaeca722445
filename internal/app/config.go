package app

import "errors"

// Config holds everything an App instance needs to run.
type Config struct {
	// Sources are workflow files, directories, or http(s) URLs.
	Sources []string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	// Workers caps concurrently running job instances. Zero disables the cap.
	Workers int

	// FailFast cancels the whole run on the first failed instance.
	FailFast bool

	// TimeoutMinutes is the run-level default step timeout. Zero means
	// unbounded.
	TimeoutMinutes int

	// Vars are highest-precedence ambient environment overrides (--var).
	Vars map[string]string

	SecretsFile string

	// Sandbox selects the execution backend: "local" or "docker".
	Sandbox string

	// ArtifactDir is the directory backing the artifact store. Empty keeps
	// artifacts in memory for the duration of the run.
	ArtifactDir string

	// Token authenticates remote workflow fetches (GitHub/GitLab).
	Token string

	// ValidateOnly parses and lints the workflows, then exits.
	ValidateOnly bool

	// RedisAddr enables persisting run summaries to Redis.
	RedisAddr string

	WorkingDir string
}

// NewConfig validates a Config.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.Sources) == 0 {
		return nil, errors.New("at least one workflow source is required")
	}
	if cfg.Sandbox != "local" && cfg.Sandbox != "docker" {
		return nil, errors.New("sandbox must be 'local' or 'docker'")
	}
	if cfg.TimeoutMinutes < 0 {
		return nil, errors.New("timeout-minutes cannot be negative")
	}
	return &cfg, nil
}
