package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/chordring/chorddht/chord"
	"github.com/chordring/chorddht/dhash"
	"github.com/pkg/errors"
)

// command is one parsed line of the §6 user-facing command surface.
type command struct {
	name string
	args []string
}

var errUnknownCommand = errors.New("chordnode: unknown command")
var errWrongArgCount = errors.New("chordnode: wrong number of arguments")

// driver owns the wired engines and processes commands one at a time
// off a capacity-1 hand-off channel, so a burst of scripted input
// never outruns what the engines can actually apply — the channel
// itself provides the backpressure, with no separate queue to bound.
type driver struct {
	hostname    string
	isBootstrap bool
	chordE      *chord.Engine
	dhashE      *dhash.Engine
	out         io.Writer

	cmds chan command
	quit chan struct{}
}

// newDriver builds a driver. isBootstrap marks this node as the one
// declared bootstrap for its ring (no configured BootstrapAddr, per
// spec.md's "one node is declared bootstrap" scenario wording) so
// every InsertVNode on it forms a fresh ring instead of joining one.
func newDriver(hostname string, isBootstrap bool, chordE *chord.Engine, dhashE *dhash.Engine, out io.Writer) *driver {
	return &driver{
		hostname:    hostname,
		isBootstrap: isBootstrap,
		chordE:      chordE,
		dhashE:      dhashE,
		out:         out,
		cmds:        make(chan command, 1),
		quit:        make(chan struct{}),
	}
}

// readFrom tokenizes each line of in and feeds it into the hand-off
// channel, blocking on backpressure. On a line of two or more tokens,
// a leading token that is not a known command is treated as a
// node-address prefix from a multi-node scripted harness: it is
// stripped when it equals this driver's own hostname, and the whole
// line is skipped when it names a different host, since one process
// answers for exactly one node.
func (d *driver) readFrom(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if _, known := commandArity[fields[0]]; !known && len(fields) > 1 {
			if fields[0] != d.hostname {
				continue
			}
			fields = fields[1:]
		}
		cmd := command{name: fields[0], args: fields[1:]}
		select {
		case d.cmds <- cmd:
		case <-d.quit:
			return
		}
		if cmd.name == "quit" {
			return
		}
	}
}

var commandArity = map[string]int{
	"InsertVNode":   1,
	"Lookup":        1,
	"Insert":        2,
	"Retrieve":      1,
	"RemoveVNode":   1,
	"TraceRing":     1,
	"DumpVNodeInfo": 1,
	"DumpDHashInfo": 0,
	"FixFinger":     1,
	"Detach":        0,
	"ReAttach":      0,
	"Crash":         0,
	"Restart":       0,
	"quit":          0,
}

// run processes commands off the hand-off channel until "quit" or the
// channel closes, printing each command's outcome or error to out.
func (d *driver) run() {
	for cmd := range d.cmds {
		if cmd.name == "quit" {
			close(d.quit)
			return
		}
		if err := d.dispatch(cmd); err != nil {
			fmt.Fprintf(d.out, "ERROR %s: %v\n", cmd.name, err)
		}
	}
}

func (d *driver) dispatch(cmd command) error {
	arity, ok := commandArity[cmd.name]
	if !ok {
		return errUnknownCommand
	}
	if len(cmd.args) != arity {
		return errWrongArgCount
	}

	switch cmd.name {
	case "InsertVNode":
		name := cmd.args[0]
		return d.chordE.InsertVNode(name, []byte(name), d.isBootstrap)
	case "Lookup":
		key := chord.HashSHA1([]byte(cmd.args[0]))
		return d.chordE.LookupAny(key, chord.OriginatorApplication)
	case "Insert":
		key := chord.HashSHA1([]byte(cmd.args[0]))
		return d.dhashE.Insert(key, []byte(cmd.args[1]))
	case "Retrieve":
		key := chord.HashSHA1([]byte(cmd.args[0]))
		return d.dhashE.Retrieve(key)
	case "RemoveVNode":
		return d.chordE.RemoveVNode(cmd.args[0])
	case "TraceRing":
		return d.chordE.TraceRing(cmd.args[0])
	case "DumpVNodeInfo":
		return d.dumpVNodeInfo(cmd.args[0])
	case "DumpDHashInfo":
		return d.dumpDHashInfo()
	case "FixFinger":
		return d.chordE.FixFinger(cmd.args[0])
	case "Detach":
		d.chordE.Detach()
		return nil
	case "ReAttach":
		d.chordE.ReAttach()
		return nil
	case "Crash":
		d.chordE.Crash()
		return nil
	case "Restart":
		d.chordE.Restart()
		return nil
	default:
		return errUnknownCommand
	}
}

func (d *driver) dumpVNodeInfo(name string) error {
	for _, info := range d.chordE.DumpVNodeInfo() {
		if info.Name != name {
			continue
		}
		fmt.Fprintf(d.out, "VNODE %s id=%s routable=%t successors=%d predecessors=%d fingers=%d\n",
			info.Name, info.ID.String(), info.Routable, len(info.Successors), len(info.Predecessors), info.FingerCount)
		return nil
	}
	return errors.Errorf("chordnode: no such vnode %q", name)
}

func (d *driver) dumpDHashInfo() error {
	info := d.dhashE.DumpInfo()
	fmt.Fprintf(d.out, "DHASH objects=%d connections=%d\n", info.ObjectCount, info.OpenConnections)
	return nil
}
