// Command s5066d is the STANAG 5066 subnetwork daemon: it binds the
// listeners named on the command line, dials any configured DTS peers,
// and runs the event loop until SIGINT/SIGTERM, following the
// signal-driven shutdown shape of the teacher's own gateway command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/dbehnke/s5066d/internal/bridge"
	"github.com/dbehnke/s5066d/internal/collaborator"
	"github.com/dbehnke/s5066d/internal/config"
	"github.com/dbehnke/s5066d/internal/conn"
	"github.com/dbehnke/s5066d/internal/dispatch"
	"github.com/dbehnke/s5066d/internal/dts"
	"github.com/dbehnke/s5066d/internal/eventloop"
	"github.com/dbehnke/s5066d/internal/ioengine"
	"github.com/dbehnke/s5066d/internal/logging"
	"github.com/dbehnke/s5066d/internal/pdu"
	"github.com/dbehnke/s5066d/internal/pidfile"
	"github.com/dbehnke/s5066d/internal/registry"
	"github.com/dbehnke/s5066d/internal/sis"
	"github.com/dbehnke/s5066d/internal/stats"
)

// poolCapacity is the shared arena size every worker's PDU cache
// allocates with: large enough for the widest wire PDU either protocol
// engine can see (spec.md §6's 8192-byte SIS ceiling), so DTS's
// smaller segments and SIS's UNIDATA bodies both fit one pool.
const poolCapacity = sis.MaxPDU

// statsInterval is how often the daemon logs a connection/throughput
// summary, mirroring the teacher's own 30-second statusReporter tick.
const statsInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listenerSpecs = pflag.StringArrayP("listen", "p", nil, "listener spec <proto>:<iface>:<port>, repeatable")
		localAddrSpec = pflag.String("local-addr", "", "this node's STANAG address, 1-7 dot-separated nibbles 0-15 (e.g. 1.2.3)")
		uid           = pflag.Int("uid", -1, "drop privileges to this UID after binding listeners")
		gid           = pflag.Int("gid", -1, "drop privileges to this GID after binding listeners")
		pidPath       = pflag.String("pidfile", "", "write the daemon's PID to this path")
		workers       = pflag.Int("workers", 1, "number of event loop workers")
		verbosity     = pflag.CountP("verbose", "v", "increase log verbosity (repeatable)")
		help          = pflag.Bool("help", false, "display help text")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -p <listener-spec> [-p ...] --local-addr <nibbles> [options] [dts:<host>:<port> ...]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		return 0
	}

	cfg, err := parseArgs(*listenerSpecs, pflag.Args(), *localAddrSpec, *uid, *gid, *pidPath, *workers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := logging.New(*verbosity)

	pf, err := pidfile.Write(cfg.PIDFile)
	if err != nil {
		log.Error("failed to write pid file", "err", err)
		return 1
	}
	defer pf.Remove()

	if err := dropPrivileges(cfg); err != nil {
		log.Error("failed to drop privileges", "err", err)
		return 1
	}

	pool := pdu.NewPool(poolCapacity)
	table := &dispatch.Table{}
	saps := registry.NewSAPTable()
	dir := registry.NewDirectory()
	peers := dts.NewPeerTable()

	br := bridge.New(saps, peers, cfg.LocalAddr)
	br.Log = log

	sisDec := sis.NewDecoder(saps, br)
	sisDec.Log = log
	if err := table.Register(conn.ProtoSIS, sis.MinPDU, sisDec.Decode); err != nil {
		log.Error("failed to register sis decoder", "err", err)
		return 1
	}

	dtsDec := dts.NewDecoder(br, peers)
	dtsDec.Log = log
	if err := table.Register(conn.ProtoDTS, dts.MinPDU, dtsDec.Decode); err != nil {
		log.Error("failed to register dts decoder", "err", err)
		return 1
	}

	collab := collaborator.NewDecoder()
	collab.Log = log
	if err := collab.Register(table); err != nil {
		log.Error("failed to register collaborator decoders", "err", err)
		return 1
	}

	loop, err := eventloop.NewLoop(cfg.Workers, pool, table, saps, dir, log)
	if err != nil {
		log.Error("failed to build event loop", "err", err)
		return 1
	}

	if err := bindListeners(loop, cfg.Listeners, log); err != nil {
		log.Error("failed to bind listeners", "err", err)
		return 1
	}

	if err := dropPrivileges(cfg); err != nil {
		log.Error("failed to drop privileges", "err", err)
		return 1
	}

	dialPeers(loop, cfg.Peers, log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	stopStats := make(chan struct{})
	go statusReporter(dir, log, stopStats)
	defer close(stopStats)

	log.Info("s5066d running", "workers", cfg.Workers, "listeners", len(cfg.Listeners), "peers", len(cfg.Peers))
	if err := loop.Run(ctx); err != nil {
		log.Error("event loop exited with error", "err", err)
		return 1
	}
	log.Info("s5066d stopped")
	return 0
}

func parseArgs(listenerSpecs, positional []string, localAddrSpec string, uid, gid int, pidPath string, workers int) (*config.Config, error) {
	cfg := &config.Config{PIDFile: pidPath, Workers: workers}

	if localAddrSpec != "" {
		addr, err := config.ParseLocalAddr(localAddrSpec)
		if err != nil {
			return nil, err
		}
		cfg.LocalAddr = addr
	}

	for _, spec := range listenerSpecs {
		l, err := config.ParseListener(spec)
		if err != nil {
			return nil, err
		}
		cfg.Listeners = append(cfg.Listeners, l)
	}

	for _, spec := range positional {
		p, err := config.ParsePeer(spec)
		if err != nil {
			return nil, err
		}
		cfg.Peers = append(cfg.Peers, p)
	}

	if uid >= 0 || gid >= 0 {
		cfg.DropPrivileges = true
		cfg.UID, cfg.GID = uid, gid
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindListeners opens every configured listener socket and assigns it
// to a worker before Run starts, per spec.md §4.9's "newly accepted
// client sockets enter with protocol tag inferred from the listener."
func bindListeners(loop *eventloop.Loop, specs []config.Listener, logger *log.Logger) error {
	for _, l := range specs {
		sock, err := ioengine.ListenTCP(l.Iface, l.Port)
		if err != nil {
			return fmt.Errorf("bind %s:%d: %w", l.Iface, l.Port, err)
		}
		if err := loop.AddListener(sock, l.Proto); err != nil {
			return err
		}
		logger.Info("listening", "proto", l.Proto, "iface", l.Iface, "port", l.Port)
	}
	return nil
}

// dialPeers opens every configured outbound DTS peer connection and
// assigns it to a worker. The bridge learns the peer's STANAG address
// (and calls RegisterPeer) from the address fields on the peer's first
// D_PDU rather than from the dial target, since a host:port and a
// STANAG address are independent namespaces; see DESIGN.md. A dial
// failure is logged and skipped: spec.md names no retry policy for
// peer directives, so this core starts without that peer rather than
// failing the whole daemon.
func dialPeers(loop *eventloop.Loop, peers []config.Peer, logger *log.Logger) {
	for _, p := range peers {
		sock, err := ioengine.DialTCP(p.Host, p.Port)
		if err != nil {
			logger.Warn("failed to dial peer", "host", p.Host, "port", p.Port, "err", err)
			continue
		}
		if _, err := loop.AddPeer(sock, fmt.Sprintf("%s:%d", p.Host, p.Port)); err != nil {
			logger.Warn("failed to register dialed peer", "host", p.Host, "port", p.Port, "err", err)
			sock.Close()
			continue
		}
		logger.Info("dialing peer", "host", p.Host, "port", p.Port)
	}
}

func statusReporter(dir *registry.Directory, logger *log.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logger.Info("status", "stats", stats.Collect(dir).String())
		}
	}
}

// dropPrivileges sets the process GID then UID, in that order (GID
// first, since a non-root process can't change its GID once it's
// given up root). A no-op when neither --uid nor --gid was given.
func dropPrivileges(cfg *config.Config) error {
	if !cfg.DropPrivileges {
		return nil
	}
	if cfg.GID >= 0 {
		if err := syscall.Setgid(cfg.GID); err != nil {
			return fmt.Errorf("setgid(%d): %w", cfg.GID, err)
		}
	}
	if cfg.UID >= 0 {
		if err := syscall.Setuid(cfg.UID); err != nil {
			return fmt.Errorf("setuid(%d): %w", cfg.UID, err)
		}
	}
	return nil
}
