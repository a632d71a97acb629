package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
)

// usageError reports malformed arguments; the caller prints the command usage.
type usageError struct{ reason string }

func (e usageError) Error() string { return e.reason }

func expectArgs(args []string, n int) error {
	if len(args) != n {
		return usageError{reason: fmt.Sprintf("expected %d arguments, got %d", n, len(args))}
	}
	return nil
}

func runPool(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 0); err != nil {
		return err
	}
	raw, err := env.client.get(ctx, "/v1/pool", nil)
	if err != nil {
		return err
	}
	return env.render.object(raw, poolFields)
}

func runSums(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 2); err != nil {
		return err
	}
	for _, v := range args {
		if _, err := strconv.ParseUint(v, 10, 64); err != nil {
			return usageError{reason: "epoch and scale must be unsigned integers"}
		}
	}
	raw, err := env.client.get(ctx, "/v1/pool/sums/"+args[0]+"/"+args[1], nil)
	if err != nil {
		return err
	}
	return env.render.object(raw, sumFields)
}

func runShowDeposit(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 1); err != nil {
		return err
	}
	raw, err := env.client.get(ctx, "/v1/deposits/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	return env.render.object(raw, depositFields)
}

func runShowFrontEnd(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 1); err != nil {
		return err
	}
	raw, err := env.client.get(ctx, "/v1/frontends/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	return env.render.object(raw, frontEndFields)
}

func runEvents(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	eventType := fs.String("type", "", "only list events of this type")
	after := fs.Int64("after", 0, "list events after this sequence number")
	limit := fs.Int("limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return usageError{reason: err.Error()}
	}
	if fs.NArg() != 0 {
		return usageError{reason: "unexpected arguments"}
	}
	query := url.Values{}
	if *eventType != "" {
		query.Set("type", *eventType)
	}
	if *after > 0 {
		query.Set("after", strconv.FormatInt(*after, 10))
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	raw, err := env.client.get(ctx, "/v1/events", query)
	if err != nil {
		return err
	}
	return env.render.events(raw, env.now())
}

func runDeposit(ctx context.Context, env *cliEnv, args []string) error {
	fs := flag.NewFlagSet("deposit", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	frontEnd := fs.String("frontend", "", "registered front end to tag the deposit with")
	if err := fs.Parse(args); err != nil {
		return usageError{reason: err.Error()}
	}
	if err := expectArgs(fs.Args(), 2); err != nil {
		return err
	}
	raw, err := env.client.post(ctx, "/v1/deposits", map[string]string{
		"depositor": fs.Arg(0),
		"amount":    fs.Arg(1),
		"frontEnd":  strings.TrimSpace(*frontEnd),
	})
	if err != nil {
		return err
	}
	return env.render.object(raw, receiptFields)
}

func runWithdraw(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 2); err != nil {
		return err
	}
	raw, err := env.client.post(ctx, "/v1/withdrawals", map[string]string{
		"depositor": args[0],
		"amount":    args[1],
	})
	if err != nil {
		return err
	}
	return env.render.object(raw, receiptFields)
}

func runClaimToPosition(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 1); err != nil {
		return err
	}
	raw, err := env.client.post(ctx, "/v1/gains/position", map[string]string{"depositor": args[0]})
	if err != nil {
		return err
	}
	return env.render.object(raw, receiptFields)
}

func runRegisterFrontEnd(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 2); err != nil {
		return err
	}
	raw, err := env.client.post(ctx, "/v1/frontends", map[string]string{
		"frontEnd":     args[0],
		"kickbackRate": args[1],
	})
	if err != nil {
		return err
	}
	return env.render.object(raw, frontEndFields)
}

func runOffset(ctx context.Context, env *cliEnv, args []string) error {
	if err := expectArgs(args, 2); err != nil {
		return err
	}
	raw, err := env.client.post(ctx, "/v1/offsets", map[string]string{
		"debt":       args[0],
		"collateral": args[1],
	})
	if err != nil {
		return err
	}
	return env.render.object(raw, offsetFields)
}
