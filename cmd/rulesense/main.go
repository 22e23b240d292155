// Package main is the rulesense CLI entry point.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/rulesense/internal/config"
	"github.com/hyperjump/rulesense/pkg/utils"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

// EnvConfig names the config file when -config is not given.
const EnvConfig = "RULESENSE_CONFIG"

// localConfigPath is tried in the working directory when neither -config nor EnvConfig is set.
var localConfigPath = filepath.Join(".rulesense", "config.yaml")

// resolveConfigPath returns the config file to load: the flag value, then EnvConfig, then
// .rulesense/config.yaml in the working directory. Empty means built-in defaults.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	if cwd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(cwd, localConfigPath)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// loadConfig loads and validates the resolved config. It returns the config and the path that
// was actually loaded ("" for defaults).
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := resolveConfigPath(flagPath)
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, "", err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// newLogger returns the command logger. Hook mode logs warnings only so its stderr stays readable;
// a configured log file receives everything at the configured level.
func newLogger(cfg *config.Config, debug, quiet bool) (*zap.Logger, error) {
	debug = debug || cfg.Debug
	if cfg.Log.File != "" {
		return utils.NewFileLogger(debug, utils.LogFileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}
	if quiet && !debug {
		return utils.NewLoggerAt(zapcore.WarnLevel)
	}
	return utils.NewLogger(debug)
}

func main() {
	// .env supplies provider API keys and RULESENSE_CONFIG; a missing file is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "hook":
		os.Exit(runHook(args))
	case "match":
		runMatch(args)
	case "serve", "server":
		runServe(args)
	case "cache":
		runCache(args)
	case "stats":
		runStats(args)
	case "version", "--version", "-v":
		fmt.Printf("rulesense version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`rulesense - match catalog rules to tool operations

Usage:
  rulesense hook [flags]                      Read {"tool","input"} on stdin, print hook JSON
  rulesense match [flags] <tool> [input-json] Match rules for an operation
  rulesense serve [flags]                     Start the HTTP match server
  rulesense cache <status|info|invalidate>    Inspect or clear the vector cache
  rulesense stats [flags]                     Show rule view analytics
  rulesense version                           Show version
  rulesense help                              Show this help

Common Flags:
  --config string    Config file path (default: $RULESENSE_CONFIG, then ./.rulesense/config.yaml)
  --debug            Enable debug logging

Match Flags:
  --file string      file_path input field
  --command string   command input field
  --pattern string   pattern input field
  --agent string     subagent_type input field
  --output string    Output format: text or json (default: text)

Serve Flags:
  --host string      Listen host (default from config)
  --port int         Listen port (default from config)

Cache / Stats Flags:
  --output string    Output format: text or json (default: text)
  --reset            (stats) Delete all analytics data
  --prune            (stats) Drop trigger events past the retention period
  --rule string      (stats) Show view count and history for one rule

Examples:
  echo '{"tool":"Bash","input":{"command":"git push"}}' | rulesense hook
  rulesense match Edit --file src/app.rc
  rulesense match Bash '{"command":"npm install"}' --output json
  rulesense serve --port 8765
  rulesense cache status
  rulesense stats --rule ERR-023`)
}
