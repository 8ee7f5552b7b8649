package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/suparena/entitydao"
)

const usage = `Usage: entitydao [flags] <command> [args]

Commands:
  probe <type>            print the highest stored key of an entity type
  get <type> <key>        print one entity as YAML
  schemas <openapi-file>  print the entity schemas of an OpenAPI document
  watch <type>            print the entity events published on NATS

Flags:
`

// cliConfig holds command-line configuration
type cliConfig struct {
	ConfigPath  string
	EnvFile     string
	KeyKind     string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
}

func parseFlags(args []string, stderr io.Writer) (*cliConfig, []string, error) {
	cfg := &cliConfig{}
	fs := flag.NewFlagSet("entitydao", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.ConfigPath, "config", os.Getenv("ENTITYDAO_CONFIG"),
		"Path to configuration file (env: ENTITYDAO_CONFIG)")
	fs.StringVar(&cfg.EnvFile, "env-file", ".env", "Optional .env file")
	fs.StringVar(&cfg.KeyKind, "key", "int64",
		"Key kind of entity types missing from the configuration: int32, int64, string")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: json, text")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information (short)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func printVersion(w io.Writer) {
	info := entitydao.GetVersionInfo()
	fmt.Fprintf(w, "entitydao version %s\n", info.Version)
	fmt.Fprintf(w, "Git commit: %s\n", info.GitCommit)
	fmt.Fprintf(w, "Build date: %s\n", info.BuildDate)
	fmt.Fprintf(w, "Go version: %s\n", info.GoVersion)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "entitydao: %v\n", err)
		os.Exit(1)
	}
}
