// ABOUTME: Entry point for fleet-gateway
// ABOUTME: Dispatches the serve, validate, status, health and token subcommands

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/fleet-gateway/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _           _                       _
 / _| | ___  ___| |_       __ _  __ _| |_ _____      ____ _ _   _
| |_| |/ _ \/ _ \ __|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
|  _| |  __/  __/ ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_|\___|\___|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                          |___/                             |___/
`

const usage = `Usage: fleet-gateway <command> [flags]

Commands:
  serve       Bootstrap the fleet and start the gateway
  validate    Check a config file and print the start order
  status      Show service states of a running gateway
  health      Check gateway health
  token       Mint an operator token from auth.jwt_secret
  version     Print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "validate":
		err = runValidate(args, os.Stdout)
	case "status":
		err = runStatus(ctx, args, os.Stdout)
	case "health":
		err = runHealth(ctx, args, os.Stdout)
	case "token":
		err = runToken(args, os.Stdout)
	case "version", "--version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// commandFlags is the flag set shared by every subcommand.
type commandFlags struct {
	*pflag.FlagSet
	configPath string
}

func newCommandFlags(name string, out io.Writer) *commandFlags {
	f := &commandFlags{FlagSet: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	f.SetOutput(out)
	f.StringVarP(&f.configPath, "config", "c", "", "config file (default $"+config.EnvConfigPath+" or ~/.config/fleet-gateway/gateway.yaml)")
	return f
}

// load parses args and loads the resolved config file.
func (f *commandFlags) load(args []string) (*config.Config, string, error) {
	if err := f.Parse(args); err != nil {
		return nil, "", err
	}
	if f.NArg() > 0 {
		return nil, "", fmt.Errorf("unexpected argument: %s", f.Arg(0))
	}
	path := config.ResolvePath(f.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
