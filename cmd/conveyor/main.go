package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/conveyor"
	"github.com/deepnoodle-ai/conveyor/httpapi"
	"github.com/fatih/color"
)

// CLI configuration
type Config struct {
	DSN       string
	Listen    string
	APIKey    string
	Secret    string
	AuditFile string
	Verbose   bool
	JSON      bool
}

func main() {
	config := parseFlags()
	logger := setupLogger(config)

	store, err := openStore(config)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	registry, err := conveyor.NewRegistry(demoWorkflows()...)
	if err != nil {
		log.Fatalf("Failed to build registry: %v", err)
	}

	var audit conveyor.AuditLogger
	if config.AuditFile != "" {
		audit = conveyor.NewFileAuditLogger(config.AuditFile)
		color.Blue("Audit log: %s", config.AuditFile)
	} else {
		audit = conveyor.NewSlogAuditLogger(logger)
	}

	runtime, err := conveyor.NewRuntime(conveyor.RuntimeOptions{
		Registry:    registry,
		Store:       store,
		Logger:      logger,
		Audit:       audit,
		TokenSecret: []byte(config.Secret),
	})
	if err != nil {
		log.Fatalf("Failed to create runtime: %v", err)
	}

	ctx := context.Background()
	if err := runtime.Reconcile(ctx); err != nil {
		// Trigger reconciliation is best-effort per workflow; a partial
		// failure is logged but does not stop the process.
		color.Yellow("Reconcile warnings: %v", err)
	}
	if err := runtime.Start(ctx); err != nil {
		log.Fatalf("Failed to start runtime: %v", err)
	}

	server := &http.Server{
		Addr: config.Listen,
		Handler: httpapi.New(httpapi.Options{
			Runtime: runtime,
			Logger:  logger,
			APIKey:  config.APIKey,
		}),
	}
	go func() {
		color.Green("Listening on %s", config.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	for _, w := range registry.List() {
		color.Cyan("Workflow: %s (id=%s, steps=%d)", w.Name(), w.ID(), len(w.Steps()))
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	color.Yellow("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		color.Red("HTTP shutdown error: %v", err)
	}
	if err := runtime.Stop(shutdownCtx); err != nil {
		color.Red("Runtime shutdown error: %v", err)
	}
	color.Green("Goodbye")
}

func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.DSN, "dsn", "", "Postgres connection string (empty uses the in-memory store)")
	flag.StringVar(&config.Listen, "listen", ":8080", "HTTP listen address")
	flag.StringVar(&config.APIKey, "api-key", os.Getenv("CONVEYOR_API_KEY"), "Operator API key (empty disables operator endpoints)")
	flag.StringVar(&config.Secret, "secret", os.Getenv("CONVEYOR_SECRET"), "Token signing secret shared across workers")
	flag.StringVar(&config.AuditFile, "audit", "", "Path to an audit log file (optional)")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Emit logs as JSON")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Conveyor - durable workflow job engine

Usage: %s [options]

Examples:
  # Run with the in-memory store
  %s -api-key secret

  # Run against Postgres with a shared token secret
  %s -dsn postgres://localhost/conveyor -secret $CONVEYOR_SECRET -api-key secret

Options:
`, os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return config
}

func setupLogger(config *Config) *slog.Logger {
	if config.JSON {
		return conveyor.NewJSONLogger()
	}
	if config.Verbose {
		return conveyor.NewLogger()
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func openStore(config *Config) (conveyor.Store, error) {
	if config.DSN == "" {
		color.Blue("Using in-memory store")
		return conveyor.NewMemoryStore(), nil
	}
	color.Blue("Using Postgres store")
	return conveyor.NewPostgresStore(config.DSN)
}

// demoWorkflows builds a small set of workflows that exercise the engine's
// surface: payloads, memoized outputs, delays, and pauses.
func demoWorkflows() []*conveyor.Workflow {
	greet, err := conveyor.New(conveyor.Options{
		Name:        "Greeter",
		Description: "Greets whoever is named in the payload",
		MaxRetries:  2,
		Steps: []conveyor.StepDef{
			{Name: "compose", Order: 1, Handler: func(sc *conveyor.StepContext) (conveyor.StepResult, error) {
				var payload struct {
					Name string `json:"name"`
				}
				if err := sc.Payload(&payload); err != nil {
					return conveyor.StepResult{}, err
				}
				if payload.Name == "" {
					payload.Name = "world"
				}
				return conveyor.Continue(fmt.Sprintf("Hello, %s!", payload.Name)), nil
			}},
			{Name: "deliver", Order: 2, Handler: func(sc *conveyor.StepContext) (conveyor.StepResult, error) {
				var message string
				if _, err := sc.Output("compose", &message); err != nil {
					return conveyor.StepResult{}, err
				}
				sc.Logger().Info("delivering greeting", "message", message)
				return conveyor.Continue(map[string]any{"delivered": message}), nil
			}},
		},
		Triggers: []conveyor.Trigger{
			conveyor.WebhookTrigger{},
		},
		AllowUserDefinedCron: true,
	})
	if err != nil {
		log.Fatalf("Failed to build workflow: %v", err)
	}

	approval, err := conveyor.New(conveyor.Options{
		Name:        "Approval",
		Description: "Pauses for an external approval before finishing",
		Steps: []conveyor.StepDef{
			{Name: "request", Order: 1, Handler: func(sc *conveyor.StepContext) (conveyor.StepResult, error) {
				token, err := sc.ResumeToken()
				if err != nil {
					return conveyor.StepResult{}, err
				}
				sc.Logger().Info("awaiting approval", "resume_token", token)
				return conveyor.Pause(false), nil
			}},
			{Name: "finish", Order: 2, Handler: func(sc *conveyor.StepContext) (conveyor.StepResult, error) {
				var decision struct {
					Approved bool   `json:"approved"`
					By       string `json:"by"`
				}
				if _, err := sc.ResumeData(&decision); err != nil {
					return conveyor.StepResult{}, err
				}
				if !decision.Approved {
					return conveyor.Cancel(json.RawMessage(`{"reason":"rejected"}`)), nil
				}
				return conveyor.Continue(map[string]any{"approved_by": decision.By}), nil
			}},
		},
	})
	if err != nil {
		log.Fatalf("Failed to build workflow: %v", err)
	}

	return []*conveyor.Workflow{greet, approval}
}
