package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/gantry/internal/app"
	"github.com/vk/gantry/internal/workflow"
)

// ExitError carries a specific process exit code alongside the message.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	return e.Message
}

// varFlags collects repeated --var KEY=VALUE flags.
type varFlags map[string]string

func (v varFlags) String() string { return "" }

func (v varFlags) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", raw)
	}
	v[key] = value
	return nil
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating the program should exit cleanly (help requested),
// or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("gantry", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
Gantry - a workflow execution engine.

Usage:
  gantry [options] [WORKFLOW...]

Arguments:
  WORKFLOW
    Paths to workflow files or directories, or http(s) URLs. Comma- or
    space-separated.

Options:
`)
		flagSet.PrintDefaults()
	}

	vars := make(varFlags)
	workflowFlag := flagSet.String("workflow", "", "Workflow file, directory, or URL. Repeat paths with commas.")
	wFlag := flagSet.String("w", "", "Workflow file, directory, or URL (shorthand).")
	workersFlag := flagSet.Int("workers", 4, "Maximum concurrently running job instances. 0 is unlimited.")
	failFastFlag := flagSet.Bool("fail-fast", false, "Cancel the whole run on the first job failure.")
	timeoutFlag := flagSet.Int("timeout-minutes", 0, "Default step timeout in minutes. 0 is unbounded.")
	flagSet.Var(vars, "var", "Environment override KEY=VALUE. Repeatable.")
	secretsFileFlag := flagSet.String("secrets-file", "", "Path to a KEY=VALUE secrets file.")
	sandboxFlag := flagSet.String("sandbox", "local", "Execution backend. Options: 'local' or 'docker'.")
	artifactDirFlag := flagSet.String("artifact-dir", "", "Directory for the artifact store. Empty keeps artifacts in memory.")
	tokenFlag := flagSet.String("token", "", "Auth token for fetching remote workflows.")
	validateFlag := flagSet.Bool("validate", false, "Parse and lint the workflows, then exit.")
	redisAddrFlag := flagSet.String("redis-addr", "", "Redis address for persisting run results. Empty disables persistence.")
	workdirFlag := flagSet.String("workdir", "", "Working directory for step commands.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	var sources []string
	if *workflowFlag != "" {
		sources = append(sources, workflow.ParseSources(*workflowFlag)...)
	}
	if *wFlag != "" {
		sources = append(sources, workflow.ParseSources(*wFlag)...)
	}
	for _, arg := range flagSet.Args() {
		sources = append(sources, workflow.ParseSources(arg)...)
	}
	if len(sources) == 0 {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}
	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		Sources:         sources,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		HealthcheckPort: *healthPortFlag,
		Workers:         *workersFlag,
		FailFast:        *failFastFlag,
		TimeoutMinutes:  *timeoutFlag,
		Vars:            vars,
		SecretsFile:     *secretsFileFlag,
		Sandbox:         strings.ToLower(*sandboxFlag),
		ArtifactDir:     *artifactDirFlag,
		Token:           *tokenFlag,
		ValidateOnly:    *validateFlag,
		RedisAddr:       *redisAddrFlag,
		WorkingDir:      *workdirFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return config, false, nil
}
