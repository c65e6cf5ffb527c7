package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/drpcorg/syncmap/node"
	"github.com/drpcorg/syncmap/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	assert.Equal(t, 10, parseValue("10"))
	assert.Equal(t, -3, parseValue("-3"))
	assert.Equal(t, 2.5, parseValue("2.5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "bob", parseValue("bob"))
	assert.Equal(t, "10", parseValue(`"10"`))

	as, err := parseAssignments([]string{"health=10", "name=bob"})
	require.NoError(t, err)
	assert.Equal(t, []assignment{{"health", 10}, {"name", "bob"}}, as)

	_, err = parseAssignments([]string{"health"})
	assert.ErrorIs(t, err, ErrUsage)
	_, err = parseAssignments([]string{"=1"})
	assert.ErrorIs(t, err, ErrUsage)
}

func testREPL(t *testing.T) *REPL {
	ctx, cancel := context.WithCancel(context.Background())
	n := node.New(node.Options{Log: utils.Discard(), TickInterval: 5 * time.Millisecond})
	require.NoError(t, n.Start(ctx))
	repl := &REPL{node: n, ctx: ctx, metrics: prometheus.NewRegistry()}
	repl.metrics.MustRegister(node.Collectors()...)
	t.Cleanup(func() {
		_ = repl.Close()
		cancel()
	})
	return repl
}

func TestREPL_HostSetShow(t *testing.T) {
	repl := testREPL(t)

	_, err := repl.Execute("host entity:7 health=10 name=bob")
	require.NoError(t, err)
	_, err = repl.Execute("host entity:7 health=10")
	assert.ErrorIs(t, err, node.ErrHosted)

	_, err = repl.Execute("set entity:7 health=7")
	require.NoError(t, err)
	out, err := repl.Execute("show entity:7")
	require.NoError(t, err)
	assert.Contains(t, out, "entity:7 (hosted, 2 fields)")
	assert.Contains(t, out, "health = 7")

	out, err = repl.Execute("hosted")
	require.NoError(t, err)
	assert.Equal(t, "entity:7", out)

	_, err = repl.Execute("set entity:7 health=oops")
	assert.Error(t, err)

	_, err = repl.Execute("unhost entity:7")
	require.NoError(t, err)
	_, err = repl.Execute("show entity:7")
	assert.ErrorIs(t, err, node.ErrNotWatched)
}

func TestREPL_Misc(t *testing.T) {
	repl := testREPL(t)

	out, err := repl.Execute("help")
	require.NoError(t, err)
	assert.Contains(t, out, "watch <peer> <owner>")

	out, err = repl.Execute("   ")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = repl.Execute("frobnicate")
	assert.Error(t, err)
	_, err = repl.Execute("watch server")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = repl.Execute("show chunk:1")
	assert.Error(t, err)

	_, err = repl.Execute("watch server block:1,2,3")
	require.NoError(t, err)
	out, err = repl.Execute("show block:1,2,3")
	require.NoError(t, err)
	assert.Contains(t, out, "waiting for the snapshot")

	require.NoError(t, repl.node.Tick(repl.ctx))
	out, err = repl.Execute("metrics tick_duration")
	require.NoError(t, err)
	assert.Contains(t, out, "syncmap_node_tick_duration_seconds")

	_, err = repl.Execute("quit")
	assert.Equal(t, io.EOF, err)
}
