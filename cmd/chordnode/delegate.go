package main

import (
	"fmt"
	"io"

	"github.com/chordring/chorddht/chord"
	"github.com/chordring/chorddht/dhash"
	"github.com/hashicorp/go-hclog"
)

// driverDelegate implements both chord.Delegate and dhash.Delegate,
// printing one line per upcall to out. This mirrors the original
// application's PrintVNodeInfo-style console narration rather than
// being a silent library consumer, since the command surface is
// meant to be driven interactively or from a scripted test harness.
type driverDelegate struct {
	out    io.Writer
	logger hclog.Logger
}

func newDriverDelegate(out io.Writer, logger hclog.Logger) *driverDelegate {
	return &driverDelegate{out: out, logger: logger}
}

func (d *driverDelegate) JoinSuccess(vnodeName string, id chord.Identifier) {
	fmt.Fprintf(d.out, "JOIN-SUCCESS %s %s\n", vnodeName, id.String())
}

func (d *driverDelegate) LookupSuccess(key chord.Identifier, ip string, appPort uint16) {
	fmt.Fprintf(d.out, "LOOKUP-SUCCESS %s %s:%d\n", key.String(), ip, appPort)
}

func (d *driverDelegate) LookupFailure(key chord.Identifier) {
	fmt.Fprintf(d.out, "LOOKUP-FAILURE %s\n", key.String())
}

func (d *driverDelegate) KeyOwnership(vnodeName string, selfID, newPredID, oldPredID chord.Identifier, predIP string, predAppPort uint16) {
	fmt.Fprintf(d.out, "KEY-OWNERSHIP %s self=%s new-pred=%s old-pred=%s pred=%s:%d\n",
		vnodeName, selfID.String(), newPredID.String(), oldPredID.String(), predIP, predAppPort)
}

func (d *driverDelegate) TraceRing(name string, id chord.Identifier) {
	fmt.Fprintf(d.out, "TRACE-RING %s %s\n", name, id.String())
}

func (d *driverDelegate) VnodeFailure(name string, id chord.Identifier) {
	d.logger.Warn("vnode failed", "name", name, "id", id.String())
	fmt.Fprintf(d.out, "VNODE-FAILURE %s %s\n", name, id.String())
}

var _ chord.Delegate = (*driverDelegate)(nil)

func (d *driverDelegate) InsertSuccess(key chord.Identifier, object []byte) {
	fmt.Fprintf(d.out, "INSERT-SUCCESS %s\n", key.String())
}

func (d *driverDelegate) InsertFailure(key chord.Identifier) {
	fmt.Fprintf(d.out, "INSERT-FAILURE %s\n", key.String())
}

func (d *driverDelegate) RetrieveSuccess(key chord.Identifier, object []byte) {
	fmt.Fprintf(d.out, "RETRIEVE-SUCCESS %s %q\n", key.String(), object)
}

func (d *driverDelegate) RetrieveFailure(key chord.Identifier) {
	fmt.Fprintf(d.out, "RETRIEVE-FAILURE %s\n", key.String())
}

var _ dhash.Delegate = (*driverDelegate)(nil)
