package config

import (
	"testing"

	"github.com/dbehnke/s5066d/internal/conn"
)

func TestParseListener(t *testing.T) {
	cases := []struct {
		name    string
		spec    string
		want    Listener
		wantErr bool
	}{
		{"sis on all interfaces", "sis:0.0.0.0:5066", Listener{Proto: conn.ProtoSIS, Iface: "0.0.0.0", Port: 5066}, false},
		{"dts on a named interface", "dts:eth0:5067", Listener{Proto: conn.ProtoDTS, Iface: "eth0", Port: 5067}, false},
		{"smtp collaborator", "smtp:0.0.0.0:25", Listener{Proto: conn.ProtoSMTP, Iface: "0.0.0.0", Port: 25}, false},
		{"http collaborator", "http:0.0.0.0:8080", Listener{Proto: conn.ProtoHTTP, Iface: "0.0.0.0", Port: 8080}, false},
		{"test_ping collaborator", "test_ping:0.0.0.0:9999", Listener{Proto: conn.ProtoTestPing, Iface: "0.0.0.0", Port: 9999}, false},
		{"missing field", "dts:5067", Listener{}, true},
		{"unknown protocol", "ftp:0.0.0.0:21", Listener{}, true},
		{"zero port", "sis:0.0.0.0:0", Listener{}, true},
		{"non-numeric port", "sis:0.0.0.0:abc", Listener{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseListener(tc.spec)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseListener(%q): expected error, got %+v", tc.spec, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseListener(%q): unexpected error: %v", tc.spec, err)
			}
			if got != tc.want {
				t.Fatalf("ParseListener(%q) = %+v, want %+v", tc.spec, got, tc.want)
			}
		})
	}
}

func TestParsePeer(t *testing.T) {
	cases := []struct {
		name    string
		spec    string
		want    Peer
		wantErr bool
	}{
		{"valid dts peer", "dts:198.51.100.7:5067", Peer{Proto: conn.ProtoDTS, Host: "198.51.100.7", Port: 5067}, false},
		{"valid dts peer by hostname", "dts:relay.example:5067", Peer{Proto: conn.ProtoDTS, Host: "relay.example", Port: 5067}, false},
		{"non-dts peer rejected", "sis:198.51.100.7:5067", Peer{}, true},
		{"missing field", "dts:5067", Peer{}, true},
		{"zero port", "dts:198.51.100.7:0", Peer{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePeer(tc.spec)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParsePeer(%q): expected error, got %+v", tc.spec, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePeer(%q): unexpected error: %v", tc.spec, err)
			}
			if got != tc.want {
				t.Fatalf("ParsePeer(%q) = %+v, want %+v", tc.spec, got, tc.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	c := &Config{Workers: 4}
	if err := c.Validate(); err != ErrNoListeners {
		t.Fatalf("expected ErrNoListeners with no listeners, got %v", err)
	}

	c.Listeners = []Listener{{Proto: conn.ProtoSIS, Iface: "0.0.0.0", Port: 5066}}
	if err := c.Validate(); err != ErrNoLocalAddr {
		t.Fatalf("expected ErrNoLocalAddr with no local address, got %v", err)
	}

	c.LocalAddr = []byte{1, 2, 3}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error with a valid config: %v", err)
	}

	c.Workers = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for zero workers")
	}
}

func TestParseLocalAddr(t *testing.T) {
	cases := []struct {
		name    string
		spec    string
		want    []byte
		wantErr bool
	}{
		{"single digit", "9", []byte{9}, false},
		{"three digits", "1.2.3", []byte{1, 2, 3}, false},
		{"max length", "1.2.3.4.5.6.7", []byte{1, 2, 3, 4, 5, 6, 7}, false},
		{"too long", "1.2.3.4.5.6.7.8", nil, true},
		{"nibble out of range", "1.16.3", nil, true},
		{"non-numeric nibble", "1.x.3", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLocalAddr(tc.spec)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLocalAddr(%q): expected error, got %+v", tc.spec, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLocalAddr(%q): unexpected error: %v", tc.spec, err)
			}
			if string(got) != string(tc.want) {
				t.Fatalf("ParseLocalAddr(%q) = %v, want %v", tc.spec, got, tc.want)
			}
		})
	}
}
