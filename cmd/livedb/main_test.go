package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/openmined/livedb/internal/config"
	"github.com/openmined/livedb/internal/dbpath"
	"github.com/openmined/livedb/internal/hostcache"
	"github.com/openmined/livedb/internal/notifier"
	"github.com/openmined/livedb/internal/query"
	"github.com/openmined/livedb/internal/transport"
	"github.com/openmined/livedb/internal/tree"
	"github.com/openmined/livedb/internal/version"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	cmd := &cobra.Command{Use: "livedb"}
	cmd.AddCommand(newVersionCmd())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.Detailed(), strings.TrimSpace(out.String()))
}

func TestWatchFlags_Query(t *testing.T) {
	tests := []struct {
		name      string
		flags     watchFlags
		wantEvent notifier.EventType
		wantQuery query.Query
		wantErr   string
	}{
		{
			name:      "plain value",
			flags:     watchFlags{event: "value"},
			wantEvent: notifier.Value,
			wantQuery: query.New(dbpath.Parse("/rooms")),
		},
		{
			name:      "limit defaults to the first children",
			flags:     watchFlags{event: "child_added", limit: 5},
			wantEvent: notifier.ChildAdded,
			wantQuery: query.WithParams(dbpath.Parse("/rooms"), query.Params{Limit: 5, ViewFrom: query.ViewFromLeft}),
		},
		{
			name:      "last children by key",
			flags:     watchFlags{event: "child_changed", limit: 2, from: "last", index: query.IndexKey},
			wantEvent: notifier.ChildChanged,
			wantQuery: query.WithParams(dbpath.Parse("/rooms"), query.Params{Limit: 2, ViewFrom: query.ViewFromRight, Index: query.IndexKey}),
		},
		{name: "unknown event", flags: watchFlags{event: "changed"}, wantErr: "unknown event type"},
		{name: "bad from", flags: watchFlags{event: "value", from: "middle"}, wantErr: "--from"},
		{name: "negative limit", flags: watchFlags{event: "value", limit: -1}, wantErr: "--limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ev, err := tt.flags.query("/rooms")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEvent, ev)
			assert.True(t, tt.wantQuery.Equal(q), "got %s", q)
		})
	}
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(3), parseValue("3"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "hello", parseValue(`"hello"`))
	assert.Equal(t, "hello world", parseValue("hello world"))
	assert.Equal(t, map[string]any{"a": float64(1)}, parseValue(`{"a":1}`))

	children, err := parseChildren(`{"name":"lobby","open":true}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "lobby", "open": true}, children)

	_, err = parseChildren(`[1,2]`)
	assert.Error(t, err)
}

func TestPrintEvent(t *testing.T) {
	root := tree.FromValue(map[string]any{"rooms": map[string]any{"lobby": map[string]any{"open": true}}})
	rooms := dbpath.Parse("/rooms")

	var out bytes.Buffer
	printEvent(&out, notifier.Event{Type: notifier.Value, Path: rooms, Model: root.Child(rooms)})
	printEvent(&out, notifier.Event{Type: notifier.ChildAdded, Path: rooms, Model: root.Child(dbpath.Parse("/rooms/lobby"))})

	assert.Equal(t,
		"value /rooms {\"lobby\":{\"open\":true}}\n"+
			"child_added /rooms/lobby {\"open\":true}\n",
		out.String())
}

func TestPrintStats(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printStats(&out, transport.StatsSnapshot{
		Sessions:        2,
		BytesSentTotal:  2048,
		FramesSentTotal: 1200,
		BytesRecvTotal:  3 * 1000 * 1000,
		FramesRecvTotal: 10,
		ConnectedAt:     now.Add(-2 * time.Minute),
		LastError:       "boom",
	}, 3, now)

	s := out.String()
	assert.Contains(t, s, "sessions   2")
	assert.Contains(t, s, "sent       2.0 kB in 1,200 frames")
	assert.Contains(t, s, "received   3.0 MB in 10 frames")
	assert.Contains(t, s, "connected  2 minutes ago")
	assert.Contains(t, s, "dropped    3 events")
	assert.Contains(t, s, "last error boom")
	assert.NotContains(t, s, "last recv")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	mem, closeMem, err := openStore(ctx, &config.Config{})
	require.NoError(t, err)
	assert.IsType(t, &hostcache.MemoryStore{}, mem)
	require.NoError(t, closeMem())

	path := filepath.Join(t.TempDir(), "hosts.db")
	store, closeStore, err := openStore(ctx, &config.Config{CachePath: path})
	require.NoError(t, err)
	assert.IsType(t, &hostcache.CachedStore{}, store)

	require.NoError(t, store.Set(ctx, "livedb:host:chat.example.com", "s-2.example.com"))
	require.NoError(t, closeStore())
	assert.FileExists(t, path)

	_, _, err = openStore(ctx, &config.Config{RedisURL: "http://not-redis"})
	assert.Error(t, err)
}

func TestConfigCommand_InitThenShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livedb", "config.json")
	cfg := &config.Config{
		DatabaseURL: "https://chat.example.com",
		AuthToken:   "secret-token-value",
		LogLevel:    "debug",
	}

	var out bytes.Buffer
	require.NoError(t, writeConfig(&out, cfg, path))
	assert.Contains(t, out.String(), path)

	cmd := &cobra.Command{Use: "livedb"}
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "livedb config file")
	cmd.AddCommand(newConfigCmd())

	out.Reset()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, cmd.Execute())

	shown := out.String()
	assert.Contains(t, shown, "https://chat.example.com")
	assert.Contains(t, shown, "secr*****")
	assert.NotContains(t, shown, "secret-token-value")
	assert.Contains(t, shown, "(memory)")
	assert.Contains(t, shown, "debug")
}

func TestConfigCommand_ShowMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := showConfig(&out, filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
	assert.Empty(t, out.String())
}
