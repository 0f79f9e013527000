// Package main provides the pushlab command line client.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pushlab/pushlab/internal/app"
	"github.com/pushlab/pushlab/internal/config"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// shutdownTimeout bounds how long pending registrations may delay exit.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pushlab", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", "", "load settings from this .env file")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintf(stdout, "pushlab %s (built %s)\n", Version, BuildTime)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	cmd, ok := lookup(rest[0])
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		fs.Usage()
		return 2
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return 1
	}

	log := app.NewLogger(stderr, cfg.LogFormat, cfg.Level(), app.ServiceName, Version)

	client, err := app.New(ctx, app.Options{
		Config:  cfg,
		Logger:  log,
		Version: Version,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to start client")
		return 1
	}

	c := &cli{app: client, in: bufio.NewReader(stdin), out: stdout}
	code := 0
	if err := cmd.run(ctx, c, rest[1:]); err != nil {
		code = 1
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "usage: pushlab %s %s\n", cmd.name, cmd.args)
			code = 2
		} else {
			fmt.Fprintf(stderr, "error: %s\n", explain(err))
		}
	}

	// Pending registrations finish before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}

	return code
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: pushlab [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-14s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.PrintDefaults()
}
