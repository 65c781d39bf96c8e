// Command kaguchat is a terminal client for the KaguChat service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/app"
	"github.com/and161185/kaguchat/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// errUsage makes run print the usage text and exit with status 2.
var errUsage = errors.New("usage")

const usageText = `kaguchat CLI
Usage:
  kaguchat [global flags] <cmd> [args]

Commands:
  version
  signup     --username U --password P --confirm P --phone 11DIGITS [--nickname N] [--avatar FILE]
  login      --username U --password P          (saves the session)
  logout
  whoami
  contacts
  messages   --type friend|group --id ID
  chat                                           (interactive view)

Global flags:
`

// env bundles what a command may touch, so tests can swap it.
type env struct {
	stdout io.Writer
	stderr io.Writer
	vars   config.Env
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], env{stdout: os.Stdout, stderr: os.Stderr, vars: config.OSEnv()}))
}

// run parses the global flags, wires the client and dispatches cmd.
func run(ctx context.Context, args []string, e env) int {
	fs := pflag.NewFlagSet("kaguchat", pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.SetInterspersed(false)
	config.AddFlags(fs)
	fs.Usage = func() {
		fmt.Fprint(e.stderr, usageText)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(e.stdout, "kaguchat %s (%s)\n", version, buildDate)
		return 0
	}

	cfg, err := config.Load(fs, e.vars)
	if err != nil {
		fmt.Fprintln(e.stderr, "config:", err)
		return 1
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(e.stderr, "logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init", zap.Error(err))
		fmt.Fprintln(e.stderr, err)
		return 1
	}
	defer a.Close()

	err = dispatch(ctx, a, cmd, rest, e)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fs.Usage()
		return 2
	default:
		fail(e.stderr, err)
		return 1
	}
}

func dispatch(ctx context.Context, a *app.App, cmd string, args []string, e env) error {
	switch cmd {
	case "signup":
		return cmdSignup(ctx, a, args, e)
	case "login":
		return cmdLogin(ctx, a, args, e)
	case "logout":
		return cmdLogout(ctx, a, e)
	case "whoami":
		return cmdWhoami(ctx, a, e)
	case "contacts":
		return cmdContacts(ctx, a, e)
	case "messages":
		return cmdMessages(ctx, a, args, e)
	case "chat":
		return cmdChat(ctx, a)
	default:
		return errUsage
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(w io.Writer, err error) {
	fmt.Fprintln(w, "error:", describe(err))
}
