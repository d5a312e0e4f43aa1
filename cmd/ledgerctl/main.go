// Package main is ledgerctl, the operator CLI for the stock ledger.
//
// Usage:
//
//	ledgerctl migrate
//	ledgerctl on-hand --tenant acme --item <uuid>
//	ledgerctl receive --tenant acme --item <uuid> --qty 10 --location A1
//	ledgerctl order fulfill --tenant acme --order <uuid> --line <line-uuid>:2 --key pick-42
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"stockledger/internal/app"
	"stockledger/internal/config"
	"stockledger/internal/core/apperror"
	appctx "stockledger/internal/core/context"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

const usage = `stockledger CLI

Usage:
  ledgerctl <command> [options]

Commands:
  migrate       Apply database migrations
  on-hand       Show on-hand, reserved and available for an item
  locations     Show per-location balances derived from the ledger
  movements     List an item's movements
  apply-delta   Apply a raw counter delta (no ledger entry)
  adjust        Post an on-hand adjustment
  putaway       Post a putaway to a location
  receive       Post received goods
  cycle-count   Set on-hand to a counted quantity
  reconcile     Compare counters with the ledger (--repair to fix)
  order         Sales orders: create, get, list, submit, reserve, fulfill, release, cancel, close
  help          Show this help

Environment Variables:
  DATABASE_URL   PostgreSQL connection string (required)
  REDIS_ADDR     Keep idempotency keys in Redis instead of Postgres
  LOG_LEVEL      debug, info, warn, error (default warn for the CLI)

Run "ledgerctl <command> -h" for the options of a command.`

func main() {
	if len(os.Args) < 2 || isHelp(os.Args[1]) {
		fmt.Println(usage)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.Development(), OutputPaths: []string{"stderr"}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appctx.WithActor(ctx, &appctx.Actor{ActorID: actorName(), Source: "cli"})
	ctx = appctx.WithTrace(ctx, appctx.NewTraceContext())

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := run(ctx, a, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		report(err)
		a.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		n, err := postgres.Migrate(ctx, a.TxManager)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]int{"applied": n})
	case "order":
		return runOrder(ctx, a, rest, out)
	}

	handler, ok := stockCommands[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q, see ledgerctl help", cmd)
	}
	result, err := handler(ctx, a, rest)
	if err != nil {
		return err
	}
	return printJSON(out, result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// report prints an error. Application errors include their code and details;
// a partial application also prints what was applied.
func report(err error) {
	appErr, ok := apperror.AsAppError(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "error [%s]: %s\n", appErr.Code, appErr.Message)
	if len(appErr.Details) > 0 {
		_ = printJSON(os.Stderr, appErr.Details)
	}
	var cause *apperror.AppError
	if errors.As(appErr.Unwrap(), &cause) && cause != appErr {
		fmt.Fprintf(os.Stderr, "cause [%s]: %s\n", cause.Code, cause.Message)
	}
}

func actorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "ledgerctl"
}

func isHelp(arg string) bool {
	return arg == "help" || arg == "--help" || arg == "-h"
}
