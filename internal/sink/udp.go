package sink

import (
	"fmt"
	"net"
)

// UDP sends each write as one datagram to a fixed peer.
type UDP struct {
	address string
	conn    net.Conn
}

// DialUDP connects a UDP socket to address.
func DialUDP(address string) (*UDP, error) {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, fmt.Errorf("dial udp sink %s: %w", address, err)
	}
	return &UDP{address: address, conn: conn}, nil
}

func (u *UDP) Write(p []byte) (int, error) { return u.conn.Write(p) }

func (u *UDP) Close() error { return u.conn.Close() }

func (u *UDP) Target() string { return KindUDP + ":" + u.address }
