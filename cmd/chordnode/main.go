// Command chordnode runs one Chord ring participant: a chord.Engine
// bound to a UDP socket, a dhash.Engine bound to a TCP listener, and a
// REPL that tokenizes the §6 user-facing command surface from stdin or
// a scripted file.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/chordring/chorddht/chord"
	"github.com/chordring/chorddht/dhash"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var scriptPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "chordnode",
		Short: "Run one Chord ring participant with a DHash object layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath, scriptPath, logLevel)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML node config file")
	cmd.Flags().StringVar(&scriptPath, "script", "", "path to a scripted command file (default: stdin)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "hclog level (trace, debug, info, warn, error)")

	return cmd
}

func runNode(configPath, scriptPath, logLevel string) error {
	nc, err := loadNodeConfig(configPath)
	if err != nil {
		return fmt.Errorf("chordnode: loading config: %w", err)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "chordnode",
		Level: hclog.LevelFromString(logLevel),
	})

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(nc.IP), Port: int(nc.ChordPort)})
	if err != nil {
		return fmt.Errorf("chordnode: binding chord udp socket: %w", err)
	}
	tcpListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", nc.IP, nc.ObjectPort))
	if err != nil {
		return fmt.Errorf("chordnode: binding dhash tcp listener: %w", err)
	}

	chordEngine := chord.NewEngine(nc.chordConfig(), nc.engineParams(), logger.Named("chord"), udpConn)
	dhashEngine := dhash.NewEngine(nc.dhashConfig(), chordEngine, logger.Named("dhash"))

	del := newDriverDelegate(os.Stdout, logger)
	chordEngine.SetDelegate(del)
	dhashEngine.SetDelegate(del)
	chordEngine.SetObjectLayer(dhashEngine)

	chordEngine.Start()
	dhashEngine.Start(tcpListener)
	defer dhashEngine.Shutdown()
	defer chordEngine.Shutdown()

	in := os.Stdin
	if scriptPath != "" {
		f, err := os.Open(scriptPath)
		if err != nil {
			return fmt.Errorf("chordnode: opening script: %w", err)
		}
		defer f.Close()
		in = f
	}

	isBootstrap := nc.BootstrapAddr == ""
	drv := newDriver(nc.Hostname, isBootstrap, chordEngine, dhashEngine, os.Stdout)
	go drv.readFrom(in)
	drv.run()
	return nil
}
