package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/drpcorg/syncmap"
	"github.com/drpcorg/syncmap/node"
	"github.com/drpcorg/syncmap/routing"
	"github.com/prometheus/common/expfmt"
)

var ErrUsage = errors.New("wrong arguments, see help")

type assignment struct {
	name  string
	value any
}

// parseValue guesses the type of a field value typed in the console:
// integers, floats, booleans, and strings, quoted or not.
func parseValue(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if q, err := strconv.Unquote(s); err == nil {
		return q
	}
	return s
}

func parseAssignments(args []string) (as []assignment, err error) {
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q is not name=value", ErrUsage, arg)
		}
		as = append(as, assignment{name: name, value: parseValue(value)})
	}
	return
}

func (repl *REPL) CommandListen(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	return repl.node.Listen(repl.ctx, args[0])
}

func (repl *REPL) CommandUnlisten(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	return repl.node.Unlisten(args[0])
}

func (repl *REPL) CommandConnect(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	return repl.node.Connect(repl.ctx, args[0])
}

func (repl *REPL) CommandDisconnect(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	return repl.node.Disconnect(args[0])
}

func (repl *REPL) CommandHost(args []string) error {
	if len(args) < 1 {
		return ErrUsage
	}
	addr, err := routing.ParseAddress(args[0])
	if err != nil {
		return err
	}
	args = args[1:]
	var strategy syncmap.Strategy
	if len(args) > 0 && args[0] == "separate" {
		strategy = syncmap.SeparateInitialization{}
		args = args[1:]
	}
	fields, err := parseAssignments(args)
	if err != nil {
		return err
	}
	a := syncmap.NewAuthority(syncmap.AuthorityOptions{Name: addr.String()})
	for _, f := range fields {
		if _, err := a.Register(f.name, f.value); err != nil {
			return err
		}
	}
	return repl.node.Host(repl.ctx, addr, a, strategy)
}

func (repl *REPL) CommandUnhost(args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	addr, err := routing.ParseAddress(args[0])
	if err != nil {
		return err
	}
	return repl.node.Unhost(repl.ctx, addr)
}

func (repl *REPL) CommandHosted(args []string) (string, error) {
	keys, err := repl.node.Hosted(repl.ctx)
	return strings.Join(keys, "\n"), err
}

func (repl *REPL) CommandSet(args []string) error {
	if len(args) < 2 {
		return ErrUsage
	}
	addr, err := routing.ParseAddress(args[0])
	if err != nil {
		return err
	}
	fields, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	return repl.node.Mutate(repl.ctx, addr, func(a *syncmap.Authority) error {
		for _, f := range fields {
			if err := a.Set(f.name, f.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (repl *REPL) CommandWatch(args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	addr, err := routing.ParseAddress(args[1])
	if err != nil {
		return err
	}
	return repl.node.Watch(repl.ctx, args[0], addr)
}

func (repl *REPL) CommandUnwatch(args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	addr, err := routing.ParseAddress(args[1])
	if err != nil {
		return err
	}
	return repl.node.Unwatch(repl.ctx, args[0], addr)
}

// CommandShow prints a hosted owner, or the replica if it is not hosted.
func (repl *REPL) CommandShow(args []string) (string, error) {
	if len(args) != 1 {
		return "", ErrUsage
	}
	addr, err := routing.ParseAddress(args[0])
	if err != nil {
		return "", err
	}
	return show(repl.ctx, repl.node, addr)
}

func show(ctx context.Context, n *node.Node, addr routing.Address) (string, error) {
	var b strings.Builder
	err := n.Mutate(ctx, addr, func(a *syncmap.Authority) error {
		_, _ = fmt.Fprintf(&b, "%s (hosted, %d fields)\n", addr, a.Len())
		for _, f := range a.Fields() {
			dirty := ""
			if f.Dirty() {
				dirty = " *"
			}
			_, _ = fmt.Fprintf(&b, "  #%d %s = %v%s\n", f.ID(), f.Name(), f.Value(), dirty)
		}
		return nil
	})
	if errors.Is(err, node.ErrNotHosted) {
		err = n.View(ctx, addr, func(r *syncmap.Replica) error {
			if !r.Initialized() {
				_, _ = fmt.Fprintf(&b, "%s (replica, waiting for the snapshot)\n", addr)
				return nil
			}
			_, _ = fmt.Fprintf(&b, "%s (replica, %d fields)\n", addr, r.Len())
			for _, f := range r.Fields() {
				_, _ = fmt.Fprintf(&b, "  %s\n", f)
			}
			return nil
		})
	}
	return strings.TrimSuffix(b.String(), "\n"), err
}

func (repl *REPL) CommandMetrics(args []string) (string, error) {
	families, err := repl.metrics.Gather()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, mf := range families {
		if len(args) > 0 && !strings.Contains(mf.GetName(), args[0]) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(&b, mf); err != nil {
			return "", err
		}
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}
