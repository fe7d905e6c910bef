package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/snapexpense/snapexpense/internal/credential"
	"github.com/snapexpense/snapexpense/internal/expense"
	"github.com/snapexpense/snapexpense/internal/imagestore"
	"github.com/snapexpense/snapexpense/internal/queue"
	"github.com/snapexpense/snapexpense/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	fs := ff.NewFlagSet("snapexpense")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		expenseDB   = fs.StringLong("db", "snapexpense.db", "Expense database file path")
		queueDB     = fs.StringLong("queue-db", "snapexpense-queue.db", "Queue ledger file path")
		storagePath = fs.StringLong("storage", "./captures", "Receipt image directory")
		credsPath   = fs.StringLong("credentials", "credentials.yaml", "Provider API key file (provider id -> key)")
		maxAttempts = fs.IntLong("max-attempts", 3, "Extraction attempts per receipt before failing")
		concurrency = fs.IntLong("concurrency", 2, "Maximum simultaneous extractions")
		timeout     = fs.DurationLong("timeout", 90*time.Second, "Wall-clock limit per extraction attempt")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SNAPEXPENSE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	slog.Info("Loading credentials...", "path", *credsPath)
	creds, err := credential.NewFileStore(*credsPath)
	if err != nil {
		slog.Error("Failed to load credentials", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing expense database...", "path", *expenseDB)
	store, err := expense.NewBoltStore(*expenseDB)
	if err != nil {
		slog.Error("Failed to initialize expense database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	slog.Info("Initializing queue ledger...", "path", *queueDB)
	ledger, err := queue.NewBoltLedger(*queueDB)
	if err != nil {
		slog.Error("Failed to initialize queue ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	slog.Info("Initializing image storage...", "path", *storagePath)
	images, err := imagestore.NewLocalStore(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize image storage", "error", err)
		os.Exit(1)
	}

	q := queue.New(ledger, creds, images, queue.Config{
		MaxAttempts:    *maxAttempts,
		MaxConcurrent:  *concurrency,
		RequestTimeout: *timeout,
	})
	if err := q.Initialize(); err != nil {
		slog.Error("Failed to initialize queue", "error", err)
		os.Exit(1)
	}

	expenseService := expense.NewService(store)

	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.New(q, expenseService, images, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	q.Shutdown()
}
