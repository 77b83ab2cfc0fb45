// Package discovery implements the UDP probe responder: a single fixed
// 2-byte request answered with the server's info-name bytes. No session
// state is retained between packets.
package discovery

import (
	"net"

	"github.com/clipshare/clipshare-server/clipshare/log"
)

// Probe is the fixed 2-byte ASCII request discovery clients send.
const Probe = "in"

// Serve blocks, answering every datagram equal to Probe with infoName
// sent back to the sender's address. Any other payload is ignored. It
// returns when conn is closed (e.g. during daemon shutdown).
func Serve(conn *net.UDPConn, infoName string, lg *log.Logger) {
	buf := make([]byte, 64)
	payload := []byte(infoName)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if lg != nil {
				lg.Info("discovery responder stopping", log.KVErr(err))
			}
			return
		}
		if n != len(Probe) || string(buf[:n]) != Probe {
			continue
		}
		if _, err := conn.WriteToUDP(payload, addr); err != nil && lg != nil {
			lg.Warn("discovery reply failed", log.KVErr(err), log.KV("peer", addr.String()))
		}
	}
}
