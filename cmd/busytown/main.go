// Command busytown is the single binary surface named in spec §6: the
// `events` subcommands plus `events serve`, which runs the full runtime
// until a signal is received.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gordonbrander/busytown/config"
	"github.com/gordonbrander/busytown/internal/cli"
	"github.com/gordonbrander/busytown/runtime"
	"github.com/gordonbrander/busytown/store/sqlite"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	confDir := env("BUSYTOWN_CONF_DIR", ".busytown")

	var err error
	switch os.Args[1] {
	case "events":
		err = runEvents(os.Args[2:], confDir)
	case "version":
		fmt.Printf("busytown %s\n", version)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("busytown: %v", err)
	}
}

func runEvents(args []string, confDir string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: busytown events <push|list|watch|cursor|set-cursor|claim|check-claim|serve>")
	}
	sub, rest := args[0], args[1:]

	if sub == "serve" {
		return serve(rest, confDir)
	}

	storePath := filepath.Join(confDir, "events.db")
	if p := env("BUSYTOWN_STORE", ""); p != "" {
		storePath = p
	}

	db, err := sqlite.Open(storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	switch sub {
	case "push":
		return cli.Push(ctx, db, os.Stdout, rest)
	case "list":
		return cli.List(ctx, db, os.Stdout, rest)
	case "watch":
		return cli.Watch(ctx, db, os.Stdout, rest)
	case "cursor":
		return cli.Cursor(ctx, db, os.Stdout, rest)
	case "set-cursor":
		return cli.SetCursor(ctx, db, os.Stdout, rest)
	case "claim":
		return cli.Claim(ctx, db, os.Stdout, rest)
	case "check-claim":
		return cli.CheckClaim(ctx, db, os.Stdout, rest)
	default:
		return fmt.Errorf("unknown events subcommand %q", sub)
	}
}

func serve(args []string, confDir string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	httpAddr := fs.String("http-addr", "", "if set, expose GET /ws/tail on this address")
	agentCLI := fs.String("agent-cli", "", "override the configured interactive-subprocess runtime (e.g. an LLM CLI)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(confDir)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	data := cfg.Get()
	if *httpAddr != "" {
		data.HTTPAddr = *httpAddr
	}
	if *agentCLI != "" {
		data.AgentCLI = *agentCLI
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	rt, err := runtime.Open(confDir, data, self)
	if err != nil {
		return err
	}

	log.Printf("busytown %s: serving from %s", version, confDir)
	return rt.Run(context.Background())
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: busytown events <push|list|watch|cursor|set-cursor|claim|check-claim|serve>")
	fmt.Fprintln(os.Stderr, "       busytown version")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
