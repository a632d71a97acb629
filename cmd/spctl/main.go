// Command spctl operates a stabilityd instance over its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"stabilitypool/cmd/internal/credentials"
)

const (
	defaultEndpoint = "http://127.0.0.1:7090"
	endpointEnv     = "SPCTL_ENDPOINT"
	defaultTokenEnv = "SPCTL_TOKEN"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *cliEnv, args []string) error
}

// cliEnv carries the resolved global options into subcommands.
type cliEnv struct {
	client *apiClient
	render renderer
	stderr io.Writer
	now    func() time.Time
}

var commands = []command{
	{"pool", "pool", runPool},
	{"sums", "sums <epoch> <scale>", runSums},
	{"show-deposit", "show-deposit <address>", runShowDeposit},
	{"show-frontend", "show-frontend <address>", runShowFrontEnd},
	{"events", "events [--type T] [--after N] [--limit N]", runEvents},
	{"deposit", "deposit <depositor> <amount> [--frontend <address>]", runDeposit},
	{"withdraw", "withdraw <depositor> <amount|max>", runWithdraw},
	{"claim-to-position", "claim-to-position <depositor>", runClaimToPosition},
	{"register-frontend", "register-frontend <address> <kickback-rate>", runRegisterFrontEnd},
	{"offset", "offset <debt> <collateral>", runOffset},
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("spctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	endpoint := fs.StringP("endpoint", "e", envOr(endpointEnv, defaultEndpoint), "stabilityd base URL")
	tokenEnv := fs.String("token-env", defaultTokenEnv, "environment variable holding the API token")
	asJSON := fs.Bool("json", false, "print raw JSON responses")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { printUsage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr, fs)
		return 2
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == strings.ToLower(rest[0]) {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		printUsage(stderr, fs)
		return 2
	}

	tokens := credentials.NewSource(*tokenEnv, "stabilityd API token")
	client, err := newAPIClient(*endpoint, *timeout, tokens.Get)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	env := &cliEnv{
		client: client,
		render: renderer{out: stdout, json: *asJSON},
		stderr: stderr,
		now:    time.Now,
	}
	if err := cmd.run(ctx, env, rest[1:]); err != nil {
		var usage usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(stderr, "Usage: spctl %s\n", cmd.usage)
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: spctl [global flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %s\n", cmd.usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	fmt.Fprint(w, fs.FlagUsages())
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
