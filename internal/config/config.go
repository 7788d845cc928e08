// Package config parses the daemon's listener-spec and peer-directive
// grammar. There is no on-disk configuration file: every setting
// arrives as a repeated CLI flag or a positional argument, so this
// package's job shrinks from the teacher's original ini-file loader to
// validating and dispatching a handful of colon-separated fields — the
// same section-dispatch shape as the teacher's INI scanner, just with
// one directive per call instead of one line per call.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dbehnke/s5066d/internal/conn"
)

// Listener is one parsed `-p <proto>:<iface>:<port>` argument.
type Listener struct {
	Proto conn.Proto
	Iface string
	Port  int
}

// Peer is one parsed `dts:<host>:<port>` positional argument: an
// outbound connection to dial at startup.
type Peer struct {
	Proto conn.Proto
	Host  string
	Port  int
}

// protoNames mirrors spec.md §6's `<proto> ∈ {sis, dts, smtp, http,
// test_ping}` set, dispatching each recognized tag the same way the
// teacher's parseINIScanner dispatches a `[Section]` name to its
// per-section parse function.
var protoNames = map[string]conn.Proto{
	"sis":       conn.ProtoSIS,
	"dts":       conn.ProtoDTS,
	"smtp":      conn.ProtoSMTP,
	"http":      conn.ProtoHTTP,
	"test_ping": conn.ProtoTestPing,
}

// ParseListener parses one `-p` argument's value.
func ParseListener(spec string) (Listener, error) {
	fields := strings.SplitN(spec, ":", 3)
	if len(fields) != 3 {
		return Listener{}, fmt.Errorf("config: listener spec %q must be <proto>:<iface>:<port>", spec)
	}

	proto, ok := protoNames[fields[0]]
	if !ok {
		return Listener{}, fmt.Errorf("config: listener spec %q: unknown protocol %q", spec, fields[0])
	}

	port, err := parsePort(fields[2])
	if err != nil {
		return Listener{}, fmt.Errorf("config: listener spec %q: %w", spec, err)
	}

	return Listener{Proto: proto, Iface: fields[1], Port: port}, nil
}

// ParsePeer parses one positional peer-directive argument. spec.md §6
// only names `dts:<host>:<port>` as a peer directive; other protocols
// are listener-only.
func ParsePeer(spec string) (Peer, error) {
	fields := strings.SplitN(spec, ":", 3)
	if len(fields) != 3 {
		return Peer{}, fmt.Errorf("config: peer directive %q must be dts:<host>:<port>", spec)
	}
	if fields[0] != "dts" {
		return Peer{}, fmt.Errorf("config: peer directive %q: only dts peers are supported, got %q", spec, fields[0])
	}

	port, err := parsePort(fields[2])
	if err != nil {
		return Peer{}, fmt.Errorf("config: peer directive %q: %w", spec, err)
	}

	return Peer{Proto: conn.ProtoDTS, Host: fields[1], Port: port}, nil
}

// ParseLocalAddr parses this node's own STANAG address from the
// `--local-addr` flag: 1-7 dot-separated nibble values (0..15), most
// significant first, e.g. "1.2.3". This is the Src address every
// outbound D_PDU the bridge builds carries (internal/bridge), so it
// must round-trip through internal/addr.Encode's [1,7]-length check.
func ParseLocalAddr(spec string) ([]byte, error) {
	fields := strings.Split(spec, ".")
	if len(fields) < 1 || len(fields) > 7 {
		return nil, fmt.Errorf("config: local address %q must have 1-7 dot-separated nibbles", spec)
	}

	digits := make([]byte, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil || n > 15 {
			return nil, fmt.Errorf("config: local address %q: nibble %q must be 0-15", spec, f)
		}
		digits[i] = byte(n)
	}
	return digits, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if port == 0 {
		return 0, fmt.Errorf("port must be 1..65535, got 0")
	}
	return int(port), nil
}

// Config is the fully parsed CLI surface spec.md §6 describes: repeated
// listeners, zero or more outbound peers, and the daemon-wide options.
type Config struct {
	Listeners []Listener
	Peers     []Peer

	// LocalAddr is this node's own STANAG address (1-7 nibbles),
	// supplied by --local-addr and used as the Src field of every
	// outbound D_PDU the bridge builds.
	LocalAddr []byte

	// UID/GID hold the privilege-drop target; DropPrivileges is false
	// when neither -uid nor -gid was supplied, meaning "stay as invoked."
	UID, GID       int
	DropPrivileges bool

	PIDFile string
	Workers int
}

// ErrNoListeners is returned by Validate when no -p flag was given;
// a daemon with nothing to listen on can't do anything useful.
var ErrNoListeners = fmt.Errorf("config: at least one -p listener spec is required")

// ErrNoLocalAddr is returned by Validate when --local-addr was not
// given; without it the bridge can't build a single outbound D_PDU
// (internal/addr.Encode rejects a zero-length source address).
var ErrNoLocalAddr = fmt.Errorf("config: --local-addr is required")

// Validate checks the parsed configuration is internally consistent
// before the event loop starts binding sockets.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return ErrNoListeners
	}
	if len(c.LocalAddr) == 0 {
		return ErrNoLocalAddr
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1, got %d", c.Workers)
	}
	return nil
}
