package main

import (
	"net"
	"time"

	"github.com/chordring/chorddht/chord"
	"github.com/chordring/chorddht/dhash"
	"github.com/spf13/viper"
)

// nodeConfig is the on-disk shape loaded by viper: the host's own
// addressing triple plus tuning overrides for the Chord and DHash
// engines. Any field left unset falls back to the package defaults.
type nodeConfig struct {
	Hostname      string `mapstructure:"hostname"`
	IP            string `mapstructure:"ip"`
	ChordPort     uint16 `mapstructure:"chord_port"`
	AppPort       uint16 `mapstructure:"app_port"`
	ObjectPort    uint16 `mapstructure:"object_port"`
	BootstrapAddr string `mapstructure:"bootstrap_addr"`

	StabilizeIntervalMS  int `mapstructure:"stabilize_interval_ms"`
	HeartbeatIntervalMS  int `mapstructure:"heartbeat_interval_ms"`
	FixFingerIntervalMS  int `mapstructure:"fix_finger_interval_ms"`
	RequestTimeoutMS     int `mapstructure:"request_timeout_ms"`
	RequestMaxRetries    int `mapstructure:"request_max_retries"`
	MissedBeatsThreshold int `mapstructure:"missed_beats_threshold"`

	InactivityTimeoutS int `mapstructure:"inactivity_timeout_s"`
	AuditIntervalS     int `mapstructure:"audit_interval_s"`
}

func defaultNodeConfig() nodeConfig {
	return nodeConfig{
		Hostname:   "node",
		IP:         "127.0.0.1",
		ChordPort:  9000,
		AppPort:    9001,
		ObjectPort: 9002,
	}
}

// loadNodeConfig reads path (if non-empty) via viper, overlaying it on
// the defaults. An empty path yields the defaults; a non-empty path
// that cannot be read or parsed is an error.
func loadNodeConfig(path string) (nodeConfig, error) {
	cfg := defaultNodeConfig()
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// chordConfig builds a chord.Config from the loaded node configuration,
// starting from chord.DefaultConfig and overlaying any non-zero
// override fields.
func (c nodeConfig) chordConfig() *chord.Config {
	conf := chord.DefaultConfig(c.Hostname)
	conf.BootstrapAddr = c.BootstrapAddr
	if c.StabilizeIntervalMS > 0 {
		conf.StabilizeInterval = time.Duration(c.StabilizeIntervalMS) * time.Millisecond
	}
	if c.HeartbeatIntervalMS > 0 {
		conf.HeartbeatInterval = time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
	}
	if c.FixFingerIntervalMS > 0 {
		conf.FixFingerInterval = time.Duration(c.FixFingerIntervalMS) * time.Millisecond
	}
	if c.RequestTimeoutMS > 0 {
		conf.RequestTimeout = time.Duration(c.RequestTimeoutMS) * time.Millisecond
	}
	if c.RequestMaxRetries > 0 {
		conf.RequestMaxRetries = c.RequestMaxRetries
	}
	if c.MissedBeatsThreshold > 0 {
		conf.MissedBeatsThreshold = c.MissedBeatsThreshold
	}
	return conf
}

func (c nodeConfig) dhashConfig() *dhash.Config {
	conf := dhash.DefaultConfig()
	if c.InactivityTimeoutS > 0 {
		conf.InactivityTimeout = time.Duration(c.InactivityTimeoutS) * time.Second
	}
	if c.AuditIntervalS > 0 {
		conf.AuditInterval = time.Duration(c.AuditIntervalS) * time.Second
	}
	return conf
}

func (c nodeConfig) engineParams() chord.EngineParams {
	return chord.EngineParams{
		IP:         net.ParseIP(c.IP),
		ChordPort:  c.ChordPort,
		AppPort:    c.AppPort,
		ObjectPort: c.ObjectPort,
	}
}
