package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/batchling/batchling"
	"github.com/batchling/batchling/internal/cache"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "demo":
		runDemo(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runDemo activates a dry-run Scope and issues a handful of concurrent
// chat-completion requests against api.openai.com through it, so the
// batching and fingerprint-cache machinery runs end to end without a real
// API key or network access.
func runDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	n := fs.Int("n", 3, "number of concurrent requests to issue")
	fs.Parse(args)

	logger := initLogger()
	defer logger.Sync()

	scope, err := batchling.New(
		batchling.WithDryRun(true),
		batchling.WithLogger(logger),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build scope: %v\n", err)
		os.Exit(1)
	}
	defer scope.Close()

	ctx, err := scope.Activate(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to activate scope: %v\n", err)
		os.Exit(1)
	}
	defer scope.Deactivate(ctx)

	client := &http.Client{Transport: scope.Transport(nil)}

	results := make(chan string, *n)
	for i := 0; i < *n; i++ {
		go func(i int) {
			body := []byte(fmt.Sprintf(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"request %d"}]}`, i))
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				"https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
			if err != nil {
				results <- fmt.Sprintf("request %d: %v", i, err)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer sk-demo")

			resp, err := client.Do(req)
			if err != nil {
				results <- fmt.Sprintf("request %d: %v", i, err)
				return
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			results <- fmt.Sprintf("request %d -> %d %s", i, resp.StatusCode, string(out))
		}(i)
	}

	for i := 0; i < *n; i++ {
		fmt.Println(<-results)
	}
}

// runMigrate opens the cache store at the resolved path, which applies its
// embedded schema as a side effect, then reports success.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	path := fs.String("path", "", "Cache database path or DSN (default: BATCHLING_CACHE_PATH or ~/.cache/batchling/cache.sqlite3)")
	fs.Parse(args)

	logger := initLogger()
	defer logger.Sync()

	resolved, err := cache.ResolvePath(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve cache path: %v\n", err)
		os.Exit(1)
	}

	store, err := cache.NewStore(resolved, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	fmt.Printf("cache schema up to date at %s\n", resolved)
}

func printVersion() {
	fmt.Printf("batchling-demo %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`batchling-demo - exercise the batchling library without a real provider

Usage:
  batchling-demo <command> [options]

Commands:
  demo      Run dry-run batched requests through a Scope
  migrate   Apply the cache store's embedded schema
  version   Show version information
  help      Show this help message

Options for 'demo':
  -n <count>        Number of concurrent requests to issue (default 3)

Options for 'migrate':
  -path <path>      Cache database path or DSN

Examples:
  batchling-demo demo -n 5
  batchling-demo migrate -path /tmp/batchling-cache.sqlite3
  batchling-demo version`)
}

func initLogger() *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapcore.InfoLevel),
		Development:      true,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
