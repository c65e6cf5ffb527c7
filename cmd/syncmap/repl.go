package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/drpcorg/syncmap/node"
	"github.com/drpcorg/syncmap/store"
	"github.com/drpcorg/syncmap/utils"
	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

// REPL per se.
type REPL struct {
	node    *node.Node
	store   *store.Store
	metrics *prometheus.Registry
	rl      *readline.Instance
	ctx     context.Context
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("listen"),
	readline.PcItem("unlisten"),
	readline.PcItem("connect"),
	readline.PcItem("disconnect"),
	readline.PcItem("peers"),

	readline.PcItem("host"),
	readline.PcItem("unhost"),
	readline.PcItem("hosted"),
	readline.PcItem("set"),

	readline.PcItem("watch"),
	readline.PcItem("unwatch"),
	readline.PcItem("show"),

	readline.PcItem("tick"),
	readline.PcItem("metrics"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open(history string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     history,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	err := repl.node.Close()
	if repl.store != nil {
		err = errors.Join(err, repl.store.Close())
	}
	return err
}

// REPL reads and runs one command.
func (repl *REPL) REPL() (out string, err error) {
	var line string
	line, err = repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return repl.Execute(line)
}

func (repl *REPL) Execute(line string) (out string, err error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		out = help
	// ----- networking -----
	case "listen":
		err = repl.CommandListen(args)
	case "unlisten":
		err = repl.CommandUnlisten(args)
	case "connect":
		err = repl.CommandConnect(args)
	case "disconnect":
		err = repl.CommandDisconnect(args)
	case "peers":
		out = strings.Join(repl.node.Peers(), "\n")
	// ----- authorities -----
	case "host":
		err = repl.CommandHost(args)
	case "unhost":
		err = repl.CommandUnhost(args)
	case "hosted":
		out, err = repl.CommandHosted(args)
	case "set":
		err = repl.CommandSet(args)
	// ----- replicas -----
	case "watch":
		err = repl.CommandWatch(args)
	case "unwatch":
		err = repl.CommandUnwatch(args)
	case "ls", "show", "list":
		out, err = repl.CommandShow(args)
	// ----- debug -----
	case "tick":
		err = repl.node.Tick(repl.ctx)
	case "metrics":
		out, err = repl.CommandMetrics(args)
	case "exit", "quit":
		err = io.EOF
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

const help = `listen <url>                  accept peers, e.g. tcp://0.0.0.0:7070
connect <url>                 dial a peer, the peer is named by the url
disconnect <peer>, peers      drop a peer, list peers
host <owner> [separate] k=v.. become the authority of an owner
set <owner> k=v..             change hosted fields
unhost <owner>, hosted        stop hosting, list hosted owners
watch <peer> <owner>          replicate an owner from a peer
unwatch <peer> <owner>
show <owner>                  print fields, hosted or replicated
tick, metrics, exit
owners are entity:<id> or block:<x>,<y>,<z>`

func main() {
	flags := pflag.NewFlagSet("syncmap", pflag.ExitOnError)
	name := flags.StringP("name", "n", "syncmap", "node name for logs")
	listen := flags.StringSliceP("listen", "l", nil, "urls to listen on")
	connect := flags.StringSliceP("connect", "c", nil, "urls to connect to")
	dir := flags.StringP("store", "s", "", "pebble directory to keep hosted owners in")
	tick := flags.DurationP("tick", "t", 0, "simulation tick interval")
	strict := flags.Bool("strict", false, "reject updates arriving before the snapshot")
	level := flags.String("log-level", "info", "debug, info, warn or error")
	history := flags.String("history", ".syncmap_cmd_log.txt", "readline history file")
	_ = flags.Parse(os.Args[1:])

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*level)); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}
	log := utils.NewDefaultLogger(lvl)

	repl := REPL{metrics: prometheus.NewRegistry()}
	if *dir != "" {
		var err error
		repl.store, err = store.Open(*dir, store.Options{Log: log})
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(-1)
		}
		repl.metrics.MustRegister(repl.store.Collector())
	}
	repl.metrics.MustRegister(node.Collectors()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repl.ctx = ctx
	repl.node = node.New(node.Options{
		Name:         *name,
		Log:          log,
		Store:        repl.store,
		TickInterval: *tick,
		Strict:       *strict,
	})
	err := repl.node.Start(ctx)
	for _, addr := range *listen {
		err = errors.Join(err, repl.node.Listen(ctx, addr))
	}
	for _, addr := range *connect {
		err = errors.Join(err, repl.node.Connect(ctx, addr))
	}
	if err == nil {
		err = repl.Open(*history)
	}

	var out string
	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
			err = nil
		} else if out != "" {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", out)
		}
		if repl.rl == nil {
			break
		}
		out, err = repl.REPL()
	}

	if err := repl.Close(); err != nil && !errors.Is(err, node.ErrClosed) {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
