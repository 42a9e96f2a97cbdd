package chord

import "time"

// Config holds the per-node Chord parameters of §6. Mirrors the shape
// of armon-go-chord's Config, extended with the retry/timer/list-size
// knobs this spec's wire protocol requires.
type Config struct {
	// Hostname is a local label for the host, used only for logging;
	// never serialized.
	Hostname string

	// HashBits is m, the key-space width in bits (default 160).
	HashBits int

	// SuccessorListMax / PredecessorListMax are S_max / P_max (default 8).
	SuccessorListMax   int
	PredecessorListMax int

	// StabilizeInterval, HeartbeatInterval, FixFingerInterval are
	// T_stab, T_hb, T_ff.
	StabilizeInterval  time.Duration
	HeartbeatInterval  time.Duration
	FixFingerInterval  time.Duration
	FixFingerJitterStd time.Duration

	// RequestTimeout / RequestMaxRetries are T_req / R_req.
	RequestTimeout    time.Duration
	RequestMaxRetries int

	// MissedBeatsThreshold is K_miss.
	MissedBeatsThreshold int

	// BootstrapAddr is the configured bootstrap (ip, chord_port) used when
	// no local routable VNode can route a Join-Req.
	BootstrapAddr string

	// DefaultTTL seeds Message.TTL on originated requests (§6.6).
	DefaultTTL uint8
}

// DefaultConfig returns the default Chord configuration for hostname,
// matching the defaults named throughout spec.md §6.
func DefaultConfig(hostname string) *Config {
	return &Config{
		Hostname:             hostname,
		HashBits:             160,
		SuccessorListMax:     8,
		PredecessorListMax:   8,
		StabilizeInterval:    1 * time.Second,
		HeartbeatInterval:    1 * time.Second,
		FixFingerInterval:    5 * time.Second,
		FixFingerJitterStd:   100 * time.Millisecond,
		RequestTimeout:       500 * time.Millisecond,
		RequestMaxRetries:    3,
		MissedBeatsThreshold: 3,
		DefaultTTL:           64,
	}
}
