package main

import (
	"context"
	"fmt"
	"time"

	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/engine"
	"github.com/openmined/livedb/internal/ledger"
	"github.com/openmined/livedb/internal/wire"
	"github.com/spf13/cobra"
)

const defaultWriteTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(newSetCmd())
	rootCmd.AddCommand(newUpdateCmd())
}

// parseValue reads a command line argument as JSON. Anything that is not valid JSON is taken
// as a plain string.
func parseValue(arg string) any {
	v, err := wire.Raw(arg).Value()
	if err != nil {
		return arg
	}
	return v
}

func parseChildren(arg string) (map[string]any, error) {
	children, ok := parseValue(arg).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("update needs a JSON object, got %q", arg)
	}
	return children, nil
}

type writeFunc func(ctx context.Context, e *engine.Engine, path dbpath.Path) (*ledger.Future, error)

// runWrite submits one write and waits for the server to accept or refuse it.
func runWrite(cmd *cobra.Command, path string, timeout time.Duration, write writeFunc) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := startApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	p := dbpath.Parse(path)
	f, err := write(ctx, a.engine, p)
	if err != nil {
		return err
	}
	if _, err := f.Wait(ctx); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), green("ok"), cyan(p.String()))
	return nil
}

func newSetCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "set <path> <json>",
		Short: "Overwrite the data at a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := parseValue(args[1])
			return runWrite(cmd, args[0], timeout, func(ctx context.Context, e *engine.Engine, p dbpath.Path) (*ledger.Future, error) {
				return e.Set(ctx, p, value)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultWriteTimeout, "How long to wait for the server")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "update <path> <json-object>",
		Short: "Overwrite some children of a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			children, err := parseChildren(args[1])
			if err != nil {
				return err
			}
			return runWrite(cmd, args[0], timeout, func(ctx context.Context, e *engine.Engine, p dbpath.Path) (*ledger.Future, error) {
				return e.Update(ctx, p, children)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultWriteTimeout, "How long to wait for the server")
	return cmd
}
