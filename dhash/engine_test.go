package dhash

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/chordring/chorddht/chord"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

type recordingDelegate struct {
	mu              sync.Mutex
	insertsOK       []chord.Identifier
	insertsFailed   []chord.Identifier
	retrievesOK     map[string][]byte
	retrievesFailed []chord.Identifier
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{retrievesOK: make(map[string][]byte)}
}

func (d *recordingDelegate) InsertSuccess(key chord.Identifier, object []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertsOK = append(d.insertsOK, key)
}
func (d *recordingDelegate) InsertFailure(key chord.Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.insertsFailed = append(d.insertsFailed, key)
}
func (d *recordingDelegate) RetrieveSuccess(key chord.Identifier, object []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retrievesOK[string(key)] = object
}
func (d *recordingDelegate) RetrieveFailure(key chord.Identifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retrievesFailed = append(d.retrievesFailed, key)
}

func (d *recordingDelegate) insertCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.insertsOK)
}

func (d *recordingDelegate) retrieved(key chord.Identifier) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.retrievesOK[string(key)]
	return v, ok
}

func fastChordConfig(hostname string) *chord.Config {
	conf := chord.DefaultConfig(hostname)
	conf.StabilizeInterval = 10 * time.Millisecond
	conf.HeartbeatInterval = 10 * time.Millisecond
	conf.FixFingerInterval = 20 * time.Millisecond
	conf.FixFingerJitterStd = 2 * time.Millisecond
	conf.RequestTimeout = 30 * time.Millisecond
	conf.RequestMaxRetries = 2
	conf.MissedBeatsThreshold = 50
	return conf
}

// soloEngine builds a single chord+dhash engine pair around one
// bootstrap VNode, for tests that only exercise local ownership.
func soloEngine(t *testing.T) (*chord.Engine, *Engine, *recordingDelegate) {
	t.Helper()
	logger := hclog.NewNullLogger()
	chordEngine := chord.NewEngine(fastChordConfig("solo"), chord.EngineParams{IP: net.IPv4(127, 0, 0, 1), ChordPort: 9000, ObjectPort: 9100}, logger, nil)
	chordEngine.Start()
	require.NoError(t, chordEngine.InsertVNode("solo-vn", []byte("solo-key"), true))

	dhashEngine := NewEngine(DefaultConfig(), chordEngine, logger)
	del := newRecordingDelegate()
	dhashEngine.SetDelegate(del)
	chordEngine.SetObjectLayer(dhashEngine)
	dhashEngine.Start(nil)

	t.Cleanup(func() {
		dhashEngine.Shutdown()
		chordEngine.Shutdown()
	})
	return chordEngine, dhashEngine, del
}

func TestEngineInsertOwnedKeyStoresLocally(t *testing.T) {
	chordEngine, dhashEngine, del := soloEngine(t)

	var key chord.Identifier
	for i := 0; i < 64; i++ {
		cand := chord.HashSHA1([]byte(fmt.Sprintf("local-%d", i)))
		if chordEngine.Owns(cand) {
			key = cand
			break
		}
	}
	require.NotNil(t, key, "a lone node should own almost every key except its own id")

	require.NoError(t, dhashEngine.Insert(key, []byte("hello-world")))
	require.Eventually(t, func() bool { return del.insertCount() == 1 }, time.Second, 5*time.Millisecond)

	info := dhashEngine.DumpInfo()
	require.Equal(t, 1, info.ObjectCount)
}

func TestEngineRetrieveMissingOwnedKeyFails(t *testing.T) {
	chordEngine, dhashEngine, del := soloEngine(t)

	var key chord.Identifier
	for i := 0; i < 64; i++ {
		cand := chord.HashSHA1([]byte(fmt.Sprintf("missing-%d", i)))
		if chordEngine.Owns(cand) {
			key = cand
			break
		}
	}
	require.NotNil(t, key)

	require.NoError(t, dhashEngine.Retrieve(key))
	require.Eventually(t, func() bool {
		del.mu.Lock()
		defer del.mu.Unlock()
		return len(del.retrievesFailed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngineRetrieveStoredOwnedKeySucceeds(t *testing.T) {
	chordEngine, dhashEngine, del := soloEngine(t)

	var key chord.Identifier
	for i := 0; i < 64; i++ {
		cand := chord.HashSHA1([]byte(fmt.Sprintf("roundtrip-%d", i)))
		if chordEngine.Owns(cand) {
			key = cand
			break
		}
	}
	require.NotNil(t, key)

	require.NoError(t, dhashEngine.Insert(key, []byte("payload")))
	require.Eventually(t, func() bool { return del.insertCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, dhashEngine.Retrieve(key))
	require.Eventually(t, func() bool {
		_, ok := del.retrieved(key)
		return ok
	}, time.Second, 5*time.Millisecond)

	data, _ := del.retrieved(key)
	require.Equal(t, []byte("payload"), data)
}

// pairedNodes runs two chord engines over real loopback UDP sockets
// and gives each a dhash engine with a real TCP listener, so both the
// ring protocol and cross-node Store/Retrieve traffic exercise actual
// socket I/O end to end.
func pairedNodes(t *testing.T) (chordA, chordB *chord.Engine, dhashA, dhashB *Engine, delA, delB *recordingDelegate) {
	t.Helper()
	logger := hclog.NewNullLogger()

	listenerA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listenerB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	portA := uint16(listenerA.Addr().(*net.TCPAddr).Port)
	portB := uint16(listenerB.Addr().(*net.TCPAddr).Port)

	udpA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	udpB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	chordPortA := uint16(udpA.LocalAddr().(*net.UDPAddr).Port)
	chordPortB := uint16(udpB.LocalAddr().(*net.UDPAddr).Port)

	confA := fastChordConfig("a")
	confB := fastChordConfig("b")
	confB.BootstrapAddr = fmt.Sprintf("127.0.0.1:%d", chordPortA)

	chordA = chord.NewEngine(confA, chord.EngineParams{IP: net.IPv4(127, 0, 0, 1), ChordPort: chordPortA, ObjectPort: portA}, logger, udpA)
	chordB = chord.NewEngine(confB, chord.EngineParams{IP: net.IPv4(127, 0, 0, 1), ChordPort: chordPortB, ObjectPort: portB}, logger, udpB)

	chordA.Start()
	chordB.Start()

	dhashA = NewEngine(DefaultConfig(), chordA, logger)
	dhashB = NewEngine(DefaultConfig(), chordB, logger)
	delA = newRecordingDelegate()
	delB = newRecordingDelegate()
	dhashA.SetDelegate(delA)
	dhashB.SetDelegate(delB)
	chordA.SetObjectLayer(dhashA)
	chordB.SetObjectLayer(dhashB)
	dhashA.Start(listenerA)
	dhashB.Start(listenerB)

	require.NoError(t, chordA.InsertVNode("a-vn", []byte("a-key"), true))
	require.NoError(t, chordB.InsertVNode("b-vn", []byte("b-key"), false))

	require.Eventually(t, func() bool {
		infosA := chordA.DumpVNodeInfo()
		infosB := chordB.DumpVNodeInfo()
		if len(infosA) != 1 || len(infosB) != 1 {
			return false
		}
		return infosA[0].Predecessors[0].ID.Equal(infosB[0].ID)
	}, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		dhashA.Shutdown()
		dhashB.Shutdown()
		chordA.Shutdown()
		chordB.Shutdown()
	})
	return chordA, chordB, dhashA, dhashB, delA, delB
}

func TestEngineCrossNodeInsertReplicatesToOwner(t *testing.T) {
	chordA, chordB, dhashA, _, delA, delB := pairedNodes(t)

	var key chord.Identifier
	for i := 0; i < 256; i++ {
		cand := chord.HashSHA1([]byte(fmt.Sprintf("remote-%d", i)))
		if !chordA.Owns(cand) && chordB.Owns(cand) {
			key = cand
			break
		}
	}
	require.NotNil(t, key, "expected to find a key owned by node b")

	require.NoError(t, dhashA.Insert(key, []byte("remote-data")))
	require.Eventually(t, func() bool { return delA.insertCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = delB
}
