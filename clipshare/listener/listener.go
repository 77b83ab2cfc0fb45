// Package listener builds TCP, TLS, and UDP endpoints for clipshared,
// including the IPv6 multicast join used by the discovery responder.
package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// DiscoveryGroup is the IPv6 multicast address joined for UDP discovery.
const DiscoveryGroup = "ff05::4567"

var lc = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	},
}

// lcBroadcast additionally sets SO_BROADCAST, required to bind a socket
// to an interface's broadcast address for IPv4 discovery.
var lcBroadcast = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); ctrlErr != nil {
				return
			}
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	},
}

// TLSMaterial bundles the secure-mode certificate, key, and trust anchor.
type TLSMaterial struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// buildTLSConfig enforces TLS 1.2+, mandatory mutual auth, and verify
// depth 1 (exactly one intermediate: the configured CA itself).
func buildTLSConfig(m TLSMaterial) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server cert/key: %w", err)
	}
	pool := x509.NewCertPool()
	if m.CAFile != "" {
		pem, err := os.ReadFile(m.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_cert: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_cert %q contains no usable certificates", m.CAFile)
		}
	}
	return &tls.Config{
		MinVersion:       tls.VersionTLS12,
		Certificates:     []tls.Certificate{cert},
		ClientAuth:       tls.RequireAndVerifyClientCert,
		ClientCAs:        pool,
		VerifyPeerCertificate: verifyDepthOne,
	}, nil
}

// verifyDepthOne rejects chains longer than a single CA hop, matching
// the "verify-depth is 1" contract.
func verifyDepthOne(_ [][]byte, chains [][]*x509.Certificate) error {
	for _, chain := range chains {
		if len(chain) > 2 {
			return fmt.Errorf("certificate chain exceeds verify-depth 1 (%d intermediates)", len(chain)-1)
		}
	}
	return nil
}

// ListenInsecure opens a plain TCP listener with SO_REUSEADDR set.
func ListenInsecure(ctx context.Context, network, addr string) (net.Listener, error) {
	return lc.Listen(ctx, network, addr)
}

// ListenSecure opens a TLS listener requiring client certificates,
// checked later by the tlsauth package against the CN allow-list.
func ListenSecure(ctx context.Context, network, addr string, m TLSMaterial) (net.Listener, error) {
	tcfg, err := buildTLSConfig(m)
	if err != nil {
		return nil, err
	}
	inner, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(inner, tcfg), nil
}

// ListenUDP opens a UDP discovery endpoint. The bind address's family
// selects one of two distinct discovery mechanisms: an explicit IPv4
// address binds to that interface's derived broadcast address (plain
// INADDR_ANY, including an explicit 0.0.0.0, just binds broadly on the
// port); anything else — an IPv6 address, or no address at all — joins
// DiscoveryGroup on every interface whose address matches the bind
// address or is unspecified (::), per the IPv6 multicast mechanism.
func ListenUDP(ctx context.Context, network, addr string) (*net.UDPConn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, ""
	}

	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return listenUDPv4(ctx, host, port)
	}

	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listener: unexpected packet conn type %T", pc)
	}
	if err := joinV6MulticastAllInterfaces(udpConn, host); err != nil {
		udpConn.Close()
		return nil, err
	}
	return udpConn, nil
}

// listenUDPv4 implements the IPv4 discovery bind: INADDR_ANY (an explicit
// 0.0.0.0; ListenUDP sends an empty host down the IPv6 path instead)
// binds broadly on port, while an explicit
// interface address binds to that interface's derived broadcast address
// instead, so the discovery responder receives IPv4 broadcast probes.
func listenUDPv4(ctx context.Context, host, port string) (*net.UDPConn, error) {
	if host == "" || host == "0.0.0.0" {
		pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("", port))
		if err != nil {
			return nil, err
		}
		udpConn, ok := pc.(*net.UDPConn)
		if !ok {
			pc.Close()
			return nil, fmt.Errorf("listener: unexpected packet conn type %T", pc)
		}
		return udpConn, nil
	}

	bcast, err := broadcastForInterfaceAddr(host)
	if err != nil {
		return nil, err
	}
	pc, err := lcBroadcast.ListenPacket(ctx, "udp4", net.JoinHostPort(bcast.String(), port))
	if err != nil {
		return nil, err
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listener: unexpected packet conn type %T", pc)
	}
	return udpConn, nil
}

// broadcastForInterfaceAddr finds the local interface carrying host and
// returns its subnet's derived broadcast address.
func broadcastForInterfaceAddr(host string) (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.String() != host {
				continue
			}
			if b := deriveBroadcast(ipNet); b != nil {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("listener: no interface carries bind address %q", host)
}

// deriveBroadcast computes an IPv4 subnet's broadcast address: ipNet's
// host bits all set to 1.
func deriveBroadcast(ipNet *net.IPNet) net.IP {
	ip4 := ipNet.IP.To4()
	if ip4 == nil || len(ipNet.Mask) != net.IPv4len {
		return nil
	}
	bcast := make(net.IP, net.IPv4len)
	for i := range ip4 {
		bcast[i] = ip4[i] | ^ipNet.Mask[i]
	}
	return bcast
}

// joinV6MulticastAllInterfaces iterates local interfaces and joins
// DiscoveryGroup on each one whose address is either the configured bind
// address or the unspecified address (::). Joining is idempotent per
// interface index, so failures on interfaces without an IPv6 route are
// tolerated and simply skipped.
func joinV6MulticastAllInterfaces(conn *net.UDPConn, bindAddr string) error {
	group := net.ParseIP(DiscoveryGroup)
	if group == nil {
		return fmt.Errorf("listener: invalid multicast group %q", DiscoveryGroup)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("listing interfaces: %w", err)
	}

	p := ipv6.NewPacketConn(conn)
	joined := 0
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		if !interfaceMatchesBind(addrs, bindAddr) {
			continue
		}
		if err := p.JoinGroup(&ifi, &net.UDPAddr{IP: group}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		return fmt.Errorf("listener: failed to join %s on any interface", DiscoveryGroup)
	}
	return nil
}

func interfaceMatchesBind(addrs []net.Addr, bindAddr string) bool {
	if bindAddr == "" || bindAddr == "::" || bindAddr == "0.0.0.0" {
		return true
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.String() == bindAddr {
			return true
		}
	}
	return false
}
