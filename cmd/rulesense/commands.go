package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/rulesense/internal/cli"
	"github.com/hyperjump/rulesense/internal/config"
	"github.com/hyperjump/rulesense/internal/matcher"
	"github.com/hyperjump/rulesense/internal/models"
	"github.com/hyperjump/rulesense/internal/server"
	"github.com/hyperjump/rulesense/internal/vectorcache"
	"github.com/hyperjump/rulesense/internal/watcher"
	"go.uber.org/zap"
)

// argsReorder moves any flags (and their values) that appear after the positional arguments to
// the front so flag.Parse sees them; the flag package stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// runHook never fails the tool call: every error path still prints {"continue": true}.
func runHook(args []string) int {
	fs := flag.NewFlagSet("hook", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.SetOutput(io.Discard)
	_ = fs.Parse(args)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rulesense: %v\n", err)
		_ = cli.WriteHookOutput(os.Stdout, nil, cli.ContinueOnly())
		return 0
	}
	logger, err := newLogger(cfg, *debug, true)
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	if err := hook(context.Background(), cfg, logger, os.Stdin, os.Stdout, os.Stderr); err != nil {
		logger.Warn("Hook output failed", zap.Error(err))
	}
	return 0
}

// hook reads one tool call from stdin and writes the hook response to stdout.
func hook(ctx context.Context, cfg *config.Config, logger *zap.Logger, stdin io.Reader, stdout, stderr io.Writer) error {
	in, err := cli.ReadHookInput(stdin)
	if err != nil {
		logger.Warn("Failed to parse hook input", zap.Error(err))
		return cli.WriteHookOutput(stdout, nil, cli.ContinueOnly())
	}
	if in.Tool == "" {
		return cli.WriteHookOutput(stdout, nil, cli.ContinueOnly())
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Warn("Matcher unavailable", zap.Error(err))
		return cli.WriteHookOutput(stdout, nil, cli.ContinueOnly())
	}
	defer a.Close()

	n, err := a.load(ctx)
	if err != nil {
		logger.Debug("No catalog loaded", zap.Error(err))
		return cli.WriteHookOutput(stdout, nil, cli.ContinueOnly())
	}
	if n == 0 {
		return cli.WriteHookOutput(stdout, nil, cli.ContinueOnly())
	}

	out := a.matcher.MatchDetailed(ctx, in.Tool, in.Input)
	logger.Debug("Hook matched",
		zap.String("tool", in.Tool),
		zap.String("path", string(out.Path)),
		zap.Int("results", len(out.Results)),
	)
	resp := cli.BuildHookOutput(in.Tool, out.Results, cfg.Match.MaxResults)
	a.recordViews(ctx, in.Tool, out.Results[:resp.HookSpecificOutput.ShownRules])
	return cli.WriteHookOutput(stdout, stderr, resp)
}

// matchInput builds an operation input from a JSON argument and the convenience flags.
// Flags override keys of the JSON object.
func matchInput(raw string, fields map[string]string) (models.OperationInput, error) {
	in := models.OperationInput{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return nil, fmt.Errorf("invalid input JSON: %w", err)
		}
	}
	for k, v := range fields {
		if v != "" {
			in[k] = v
		}
	}
	return in, nil
}

func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	file := fs.String("file", "", "file_path input field")
	command := fs.String("command", "", "command input field")
	pattern := fs.String("pattern", "", "pattern input field")
	agent := fs.String("agent", "", "subagent_type input field")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(args))

	if fs.NArg() < 1 {
		fatalf("Usage: rulesense match [flags] <tool> [input-json]")
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	input, err := matchInput(strings.Join(fs.Args()[1:], " "), map[string]string{
		models.InputFilePath:     *file,
		models.InputCommand:      *command,
		models.InputPattern:      *pattern,
		models.InputSubagentType: *agent,
	})
	if err != nil {
		fatalf("%v", err)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := newLogger(cfg, *debug, true)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	a, err := newApp(cfg, logger)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()
	ctx := context.Background()
	if _, err := a.load(ctx); err != nil {
		fatalf("Failed to load catalog: %v", err)
	}

	tool := fs.Arg(0)
	start := time.Now()
	out := a.matcher.MatchDetailed(ctx, tool, input)
	response := &models.MatchResponse{
		Tool:      tool,
		Results:   out.Results,
		Path:      string(out.Path),
		QueryTime: time.Since(start).Milliseconds(),
	}
	if err := cli.WriteMatchResults(os.Stdout, response, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	host := fs.String("host", "", "listen host (default from config)")
	port := fs.Int("port", 0, "listen port (default from config)")
	_ = fs.Parse(args)

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	logger, err := newLogger(cfg, *debug, false)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("config loaded", zap.String("config_path", resolved), zap.Bool("debug", cfg.Debug || *debug))

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := a.load(ctx); err != nil {
		logger.Warn("Catalog not loaded; serving without rules", zap.Error(err))
	}

	if cfg.Catalog.WatchOrDefault() {
		w := watcher.New(cfg.Catalog.Paths, func() {
			if _, err := a.load(ctx); err != nil {
				logger.Warn("Catalog reload failed", zap.Error(err))
			}
		}, watcher.WithLogger(logger))
		if watched, err := w.Start(ctx); err != nil {
			logger.Warn("Catalog watcher not started", zap.Error(err))
		} else {
			logger.Info("Watching catalog", zap.Strings("files", w.Files()), zap.Int("dirs", watched))
			defer w.Stop()
		}
	}

	srv := server.NewServer(a.matcher, &cfg.Server, logger,
		server.WithCache(a.cache),
		server.WithAnalytics(a.views),
		server.WithReload(func(ctx context.Context) error {
			_, err := a.load(ctx)
			return err
		}),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
}

func runCache(args []string) {
	if len(args) < 1 {
		fatalf("Usage: rulesense cache <status|info|invalidate> [flags]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args[1:])

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	logger, err := newLogger(cfg, false, true)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	cache := matcher.NewCache(cfg, logger)

	switch sub {
	case "status":
		info := cache.Info()
		if format == cli.OutputJSON {
			_ = cli.WriteCacheInfo(os.Stdout, info, format)
			return
		}
		fmt.Println(cacheStatusLine(info))
	case "info":
		if err := cli.WriteCacheInfo(os.Stdout, cache.Info(), format); err != nil {
			fatalf("Output failed: %v", err)
		}
	case "invalidate", "clear":
		if err := cache.Invalidate(); err != nil {
			fatalf("Invalidate failed: %v", err)
		}
		fmt.Printf("Cache invalidated: %s\n", cache.Dir())
	default:
		fatalf("Unknown cache command: %s (want status, info or invalidate)", sub)
	}
}

// cacheStatusLine is the one-line summary printed by "cache status".
func cacheStatusLine(info vectorcache.Info) string {
	if !info.Exists {
		return "Cache: empty"
	}
	age := (time.Duration(info.AgeSeconds) * time.Second).String()
	if !info.Valid {
		return fmt.Sprintf("Cache: invalid (%s); %d rules, model %s, age %s", info.Reason, info.Count, info.Model, age)
	}
	return fmt.Sprintf("Cache: valid; %d rules, model %s, age %s", info.Count, info.Model, age)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	reset := fs.Bool("reset", false, "delete all analytics data")
	prune := fs.Bool("prune", false, "drop trigger events past the retention period")
	rule := fs.String("rule", "", "show view count and history for one rule")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fatalf("%v", err)
	}
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	store, err := openAnalytics(cfg)
	if err != nil {
		fatalf("Failed to open analytics: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	switch {
	case *reset:
		if err := store.Reset(ctx); err != nil {
			fatalf("Reset failed: %v", err)
		}
		fmt.Println("Analytics reset")
	case *prune:
		n, err := store.Prune(ctx)
		if err != nil {
			fatalf("Prune failed: %v", err)
		}
		fmt.Printf("Pruned %d trigger events\n", n)
	case *rule != "":
		id := strings.ToUpper(strings.TrimSpace(*rule))
		count, err := store.ViewCount(ctx, id)
		if err != nil {
			fatalf("Query failed: %v", err)
		}
		history, err := store.History(ctx, id, 10)
		if err != nil {
			fatalf("Query failed: %v", err)
		}
		if format == cli.OutputJSON {
			_ = json.NewEncoder(os.Stdout).Encode(map[string]interface{}{"rule_id": id, "views": count, "history": history})
			return
		}
		fmt.Printf("%s: %d views\n", id, count)
		for _, t := range history {
			fmt.Printf("  %s\n", t.Format(time.RFC3339))
		}
	default:
		summary, err := store.Summary(ctx)
		if err != nil {
			fatalf("Summary failed: %v", err)
		}
		if err := cli.WriteSummary(os.Stdout, summary, format); err != nil {
			fatalf("Output failed: %v", err)
		}
	}
}
