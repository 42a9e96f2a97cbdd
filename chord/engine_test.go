package chord

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

// recordingDelegate collects every upcall under a mutex so tests can
// poll for a condition without racing the engine's own goroutine.
type recordingDelegate struct {
	mu            sync.Mutex
	joined        []string
	lookupsOK     []Identifier
	lookupsFailed []Identifier
	ownershipHits int
	failed        []string
	traced        []string
}

func (d *recordingDelegate) JoinSuccess(name string, id Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joined = append(d.joined, name)
}
func (d *recordingDelegate) LookupSuccess(key Identifier, ip string, port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookupsOK = append(d.lookupsOK, key)
}
func (d *recordingDelegate) LookupFailure(key Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookupsFailed = append(d.lookupsFailed, key)
}
func (d *recordingDelegate) KeyOwnership(name string, self, newPred, oldPred Identifier, ip string, port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ownershipHits++
}
func (d *recordingDelegate) TraceRing(name string, id Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.traced = append(d.traced, name)
}
func (d *recordingDelegate) VnodeFailure(name string, id Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, name)
}

func (d *recordingDelegate) joinCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.joined)
}

func fastTestConfig(hostname string) *Config {
	conf := DefaultConfig(hostname)
	conf.StabilizeInterval = 10 * time.Millisecond
	conf.HeartbeatInterval = 10 * time.Millisecond
	conf.FixFingerInterval = 20 * time.Millisecond
	conf.FixFingerJitterStd = 2 * time.Millisecond
	conf.RequestTimeout = 30 * time.Millisecond
	conf.RequestMaxRetries = 2
	conf.MissedBeatsThreshold = 50 // effectively disabled for short-lived tests
	return conf
}

// pairedEngines builds two engines whose sendHook forwards datagrams
// directly to one another in-process, standing in for two hosts
// exchanging UDP traffic over a real socket.
func pairedEngines(t *testing.T, confA, confB *Config) (a, b *Engine, delA, delB *recordingDelegate) {
	t.Helper()
	logger := hclog.NewNullLogger()

	a = NewEngine(confA, EngineParams{IP: net.IPv4(10, 0, 0, 1), ChordPort: 9000, AppPort: 9001, ObjectPort: 9002}, logger, nil)
	b = NewEngine(confB, EngineParams{IP: net.IPv4(10, 0, 0, 2), ChordPort: 9000, AppPort: 9001, ObjectPort: 9002}, logger, nil)

	delA = &recordingDelegate{}
	delB = &recordingDelegate{}
	a.SetDelegate(delA)
	b.SetDelegate(delB)

	route := func(addr *net.UDPAddr, data []byte) {
		if addr.IP.Equal(a.ip) {
			a.deliver(data)
		} else {
			b.deliver(data)
		}
	}
	a.sendHook = route
	b.sendHook = route

	a.Start()
	b.Start()
	t.Cleanup(func() {
		a.Shutdown()
		b.Shutdown()
	})
	return a, b, delA, delB
}

func TestEngineInsertBootstrapVNode(t *testing.T) {
	logger := hclog.NewNullLogger()
	e := NewEngine(fastTestConfig("solo"), EngineParams{IP: net.IPv4(10, 0, 0, 1), ChordPort: 9000}, logger, nil)
	del := &recordingDelegate{}
	e.SetDelegate(del)
	e.Start()
	defer e.Shutdown()

	require.NoError(t, e.InsertVNode("alone", []byte("alone-key"), true))
	require.Eventually(t, func() bool { return del.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	infos := e.DumpVNodeInfo()
	require.Len(t, infos, 1)
	require.True(t, infos[0].Routable)
}

func TestEngineInsertVNodeDuplicateName(t *testing.T) {
	logger := hclog.NewNullLogger()
	e := NewEngine(fastTestConfig("solo"), EngineParams{IP: net.IPv4(10, 0, 0, 1), ChordPort: 9000}, logger, nil)
	e.Start()
	defer e.Shutdown()

	require.NoError(t, e.InsertVNode("alone", nil, true))
	err := e.InsertVNode("alone", nil, true)
	require.ErrorIs(t, err, ErrVnodeAlreadyExists)
}

func TestEngineJoinHandshakeAndStabilize(t *testing.T) {
	confA := fastTestConfig("a")
	confB := fastTestConfig("b")
	confB.BootstrapAddr = "10.0.0.1:9000"

	a, b, delA, delB := pairedEngines(t, confA, confB)

	require.NoError(t, a.InsertVNode("boot", []byte("boot-key"), true))
	require.Eventually(t, func() bool { return delA.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.InsertVNode("joiner", []byte("joiner-key"), false))
	require.Eventually(t, func() bool { return delB.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	// Stabilize should eventually teach "boot" about "joiner" as its
	// predecessor, producing at least one KEY-OWNERSHIP upcall.
	require.Eventually(t, func() bool {
		delA.mu.Lock()
		defer delA.mu.Unlock()
		return delA.ownershipHits > 0
	}, time.Second, 5*time.Millisecond)

	infosA := a.DumpVNodeInfo()
	require.Len(t, infosA, 1)
	require.False(t, infosA[0].Predecessors[0].ID.Equal(infosA[0].ID))
}

func TestEngineLookupResolvesToOwner(t *testing.T) {
	confA := fastTestConfig("a")
	confB := fastTestConfig("b")
	confB.BootstrapAddr = "10.0.0.1:9000"

	a, b, delA, delB := pairedEngines(t, confA, confB)

	require.NoError(t, a.InsertVNode("boot", []byte("boot-key"), true))
	require.Eventually(t, func() bool { return delA.joinCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.InsertVNode("joiner", []byte("joiner-key"), false))
	require.Eventually(t, func() bool { return delB.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	infosB := b.DumpVNodeInfo()
	require.Len(t, infosB, 1)
	selfID := infosB[0].ID

	require.NoError(t, b.Lookup("joiner", selfID, OriginatorApplication))
	require.Eventually(t, func() bool {
		delB.mu.Lock()
		defer delB.mu.Unlock()
		return len(delB.lookupsOK) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngineLookupFailureWithNoRoute(t *testing.T) {
	logger := hclog.NewNullLogger()
	conf := fastTestConfig("solo")
	e := NewEngine(conf, EngineParams{IP: net.IPv4(10, 0, 0, 1), ChordPort: 9000}, logger, nil)
	del := &recordingDelegate{}
	e.SetDelegate(del)
	e.Start()
	defer e.Shutdown()

	require.NoError(t, e.InsertVNode("alone", []byte("alone-key"), true))
	require.Eventually(t, func() bool { return del.joinCount() == 1 }, time.Second, 5*time.Millisecond)

	infos := e.DumpVNodeInfo()
	require.NoError(t, e.Lookup("alone", infos[0].ID, OriginatorApplication))
	require.Eventually(t, func() bool {
		del.mu.Lock()
		defer del.mu.Unlock()
		return len(del.lookupsFailed) == 1
	}, time.Second, 5*time.Millisecond)
}
