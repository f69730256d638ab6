package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tunnelward/portlease/internal/config"
)

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "config: expected subcommand (validate)")
		return 2
	}
	switch args[0] {
	case "validate":
		return runConfigValidateCmd(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "config: unknown subcommand %q\n", args[0])
		return 2
	}
}

type configValidatePayload struct {
	OK     bool   `json:"ok"`
	Path   string `json:"path"`
	Error  string `json:"error,omitempty"`
	Driver string `json:"driver,omitempty"`
	Pool   string `json:"pool,omitempty"`
}

func runConfigValidateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "./portlease.toml", "")
	format := fs.String("format", "text", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "config validate: %v\n", err)
		return 2
	}
	if *format != "text" && *format != "json" {
		fmt.Fprintf(stderr, "config validate: invalid --format %q (use: json|text)\n", *format)
		return 2
	}

	payload := configValidatePayload{OK: true, Path: *configPath}
	cfg, err := config.Load(*configPath)
	if err != nil {
		payload.OK = false
		payload.Error = err.Error()
	} else {
		payload.Driver = cfg.Storage.Driver
		payload.Pool = fmt.Sprintf("[%d..%d]", cfg.Pool.MinPort, cfg.Pool.MaxPort)
	}

	if *format == "json" {
		if err := json.NewEncoder(stdout).Encode(payload); err != nil {
			fmt.Fprintf(stderr, "config validate: %v\n", err)
			return 1
		}
	} else if payload.OK {
		fmt.Fprintf(stdout, "ok: %s (driver=%s pool=%s)\n", payload.Path, payload.Driver, payload.Pool)
	} else {
		fmt.Fprintf(stdout, "invalid: %s\n  %s\n", payload.Path, payload.Error)
	}

	if payload.OK {
		return 0
	}
	return 1
}
