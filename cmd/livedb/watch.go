package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/engine"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
	"github.com/openmined/livedb/internal/transport"
	"github.com/openmined/livedb/internal/wire"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newWatchCmd())
}

type watchFlags struct {
	event string
	limit int
	from  string
	index string
}

func (f watchFlags) query(path string) (query.Query, notifier.EventType, error) {
	eventType, ok := notifier.ParseEventType(f.event)
	if !ok {
		return query.Query{}, 0, fmt.Errorf("unknown event type %q", f.event)
	}

	params := query.Params{Limit: f.limit, Index: f.index}
	switch f.from {
	case "":
		if f.limit > 0 {
			params.ViewFrom = query.ViewFromLeft
		}
	case "first", "l":
		params.ViewFrom = query.ViewFromLeft
	case "last", "r":
		params.ViewFrom = query.ViewFromRight
	default:
		return query.Query{}, 0, fmt.Errorf("--from must be first or last, got %q", f.from)
	}
	if f.limit < 0 {
		return query.Query{}, 0, fmt.Errorf("--limit must not be negative")
	}

	return query.WithParams(dbpath.Parse(path), params), eventType, nil
}

func newWatchCmd() *cobra.Command {
	var flags watchFlags

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Print changes under a path until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, eventType, err := flags.query(args[0])
			if err != nil {
				return err
			}
			cfg, err := readConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := startApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			obs := engine.NewChanObserver(256)
			sub, err := a.engine.Listen(ctx, q, eventType, obs)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := sub.Close(closeCtx); err != nil {
					slog.Debug("watch close", "error", err)
				}
			}()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, gray("watching"), cyan(q.String()), gray(eventType.String()))
			for {
				select {
				case <-ctx.Done():
					printStats(out, a.engine.Stats(), obs.Dropped(), time.Now())
					return nil
				case n := <-obs.C():
					if n.Err != nil {
						return n.Err
					}
					printEvent(out, n.Event)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&flags.event, "event", "e", notifier.Value.String(), "value, child_added, child_removed or child_changed")
	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 0, "Only the first or last n children")
	cmd.Flags().StringVar(&flags.from, "from", "", "first or last, the end --limit counts from")
	cmd.Flags().StringVar(&flags.index, "order-by", "", "Order by .key, .value or a child key")
	return cmd
}

func printEvent(w io.Writer, ev notifier.Event) {
	path := ev.Path
	if ev.Type != notifier.Value {
		path = path.Child(ev.Model.Key())
	}

	data, err := wire.Marshal(ev.Model.Value())
	if err != nil {
		data = []byte(red(err.Error()))
	}
	fmt.Fprintf(w, "%s %s %s\n", green(ev.Type.String()), cyan(path.String()), data)
}

func printStats(w io.Writer, s transport.StatsSnapshot, dropped int64, now time.Time) {
	fmt.Fprintln(w, gray("---"))
	fmt.Fprintf(w, "sessions   %d\n", s.Sessions)
	fmt.Fprintf(w, "sent       %s in %s frames\n", humanize.Bytes(uint64(s.BytesSentTotal)), humanize.Comma(s.FramesSentTotal))
	fmt.Fprintf(w, "received   %s in %s frames\n", humanize.Bytes(uint64(s.BytesRecvTotal)), humanize.Comma(s.FramesRecvTotal))
	fmt.Fprintf(w, "keepalives %d\n", s.KeepAlives)
	if !s.ConnectedAt.IsZero() {
		fmt.Fprintf(w, "connected  %s\n", humanize.RelTime(s.ConnectedAt, now, "ago", "from now"))
	}
	if !s.LastRecvAt.IsZero() {
		fmt.Fprintf(w, "last recv  %s\n", humanize.RelTime(s.LastRecvAt, now, "ago", "from now"))
	}
	if dropped > 0 {
		fmt.Fprintf(w, "dropped    %s events\n", red(humanize.Comma(dropped)))
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "last error %s\n", red(s.LastError))
	}
}
