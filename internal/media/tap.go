// Package media owns the engine's side of the PBX media plane: the UDP tap
// that receives the caller's RTP, the controller that builds and tears down
// snoop, bridge and external media resources, and the per-call recorder.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// AudioFunc receives the μ-law payload of each RTP frame, in arrival order.
type AudioFunc func(ulaw []byte)

// UDPTap listens on an ephemeral UDP port for the RTP stream the PBX's
// external media channel sends. The socket has a single owner and is closed
// exactly once.
type UDPTap struct {
	conn    *net.UDPConn
	log     *slog.Logger
	onAudio AudioFunc

	closeOnce sync.Once
	done      chan struct{}
}

// ListenTap binds an ephemeral UDP port on host. An empty host binds the
// unspecified address; use [PrimaryIPv4] to advertise a concrete endpoint to
// the PBX.
func ListenTap(host string, log *slog.Logger, onAudio AudioFunc) (*UDPTap, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("media: listen udp on %q: %w", host, err)
	}
	return &UDPTap{
		conn:    conn,
		log:     log,
		onAudio: onAudio,
		done:    make(chan struct{}),
	}, nil
}

// Port returns the bound local port.
func (t *UDPTap) Port() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start runs the read loop until the socket is closed or ctx is cancelled.
// Malformed packets are dropped silently; RTP over UDP loses frames anyway.
func (t *UDPTap) Start(ctx context.Context) {
	defer close(t.done)

	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.done:
		}
	}()

	buf := make([]byte, 2048)
	var pkt rtp.Packet
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		t.onAudio(payload)
	}
}

// Close shuts the socket down. Idempotent.
func (t *UDPTap) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

// PrimaryIPv4 returns the host's primary non-loopback IPv4 address, which
// the PBX needs as the external media destination.
func PrimaryIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("media: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	return "", fmt.Errorf("media: no non-loopback IPv4 interface found")
}
