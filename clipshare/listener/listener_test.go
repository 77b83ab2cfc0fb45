package listener

import (
	"context"
	"crypto/x509"
	"net"
	"testing"
)

func TestListenInsecureAcceptsConnections(t *testing.T) {
	l, err := ListenInsecure(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenInsecure: %v", err)
	}
	defer l.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
		errc <- err
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	if err := <-errc; err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestVerifyDepthOneRejectsLongChains(t *testing.T) {
	short := [][]*x509.Certificate{{{}, {}}}
	if err := verifyDepthOne(nil, short); err != nil {
		t.Errorf("expected a 2-cert chain (1 intermediate) to pass, got %v", err)
	}

	long := [][]*x509.Certificate{{{}, {}, {}}}
	if err := verifyDepthOne(nil, long); err == nil {
		t.Errorf("expected a 3-cert chain to be rejected")
	}
}

func TestListenUDPIPv4AnyBinds(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:0", ":0"} {
		conn, err := ListenUDP(context.Background(), "udp", addr)
		if err != nil {
			t.Fatalf("ListenUDP(%q): %v", addr, err)
		}
		conn.Close()
	}
}

func TestListenUDPIPv4ExplicitAddrUsesBroadcast(t *testing.T) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		t.Fatalf("InterfaceAddrs: %v", err)
	}
	var host string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
			continue
		}
		host = ipNet.IP.String()
		break
	}
	if host == "" {
		t.Skip("no non-loopback IPv4 interface address available on this host")
	}

	conn, err := ListenUDP(context.Background(), "udp", net.JoinHostPort(host, "0"))
	if err != nil {
		t.Fatalf("ListenUDP(%q): %v", host, err)
	}
	conn.Close()
}

func TestDeriveBroadcast(t *testing.T) {
	ipNet := &net.IPNet{IP: net.ParseIP("192.168.1.37").To4(), Mask: net.CIDRMask(24, 32)}
	got := deriveBroadcast(ipNet)
	want := net.ParseIP("192.168.1.255").To4()
	if !got.Equal(want) {
		t.Errorf("deriveBroadcast(%v) = %v, want %v", ipNet, got, want)
	}
}

func TestBroadcastForInterfaceAddrNoMatch(t *testing.T) {
	if _, err := broadcastForInterfaceAddr("203.0.113.77"); err == nil {
		t.Errorf("expected an error for a bind address no local interface carries")
	}
}

func TestInterfaceMatchesBind(t *testing.T) {
	if !interfaceMatchesBind(nil, "") {
		t.Errorf("empty bind address should match any interface")
	}
	if !interfaceMatchesBind(nil, "::") {
		t.Errorf("unspecified IPv6 bind address should match any interface")
	}

	// Addrs() reports the interface's own host IP paired with its mask,
	// unlike ParseCIDR which zeroes the host bits.
	addrs := []net.Addr{&net.IPNet{IP: net.ParseIP("192.168.1.5"), Mask: net.CIDRMask(24, 32)}}
	if !interfaceMatchesBind(addrs, "192.168.1.5") {
		t.Errorf("expected a matching host address to match the bind address")
	}
	if interfaceMatchesBind(addrs, "10.0.0.1") {
		t.Errorf("expected a non-matching host address not to match")
	}
}
