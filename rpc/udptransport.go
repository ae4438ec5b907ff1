package rpc

import (
	"fmt"
	"net"
)

// UDPTransport is the real Transport backing a live node: a bound UDP
// socket, read into a channel of Packets by a background goroutine.
// This is the one place in the module allowed to hold a live net.Conn;
// everything above this package only knows the Transport interface.
type UDPTransport struct {
	conn    *net.UDPConn
	packets chan Packet
	stopCh  chan struct{}
}

// NewUDPTransport binds a UDP socket on port and starts reading from
// it. maxDatagramSize bounds the per-read buffer.
func NewUDPTransport(port int, maxDatagramSize int) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to bind udp port %d: %w", port, err)
	}
	t := &UDPTransport{
		conn:    conn,
		packets: make(chan Packet, 256),
		stopCh:  make(chan struct{}),
	}
	go t.readLoop(maxDatagramSize)
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDPTransport) readLoop(maxDatagramSize int) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.stopCh:
				close(t.packets)
				return
			default:
				log.WithError(err).Warn("udp read failed")
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case t.packets <- Packet{From: addr, Payload: payload}:
		default:
			log.Warn("dropping inbound datagram, receive queue full")
		}
	}
}

// Send writes payload to dst, which must be a *net.UDPAddr.
func (t *UDPTransport) Send(dst Endpoint, payload []byte) error {
	addr, ok := dst.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("rpc: udp transport cannot send to endpoint of type %T", dst)
	}
	_, err := t.conn.WriteToUDP(payload, addr)
	return err
}

// Packets returns the channel of inbound datagrams.
func (t *UDPTransport) Packets() <-chan Packet { return t.packets }

// Close stops the read loop and releases the socket.
func (t *UDPTransport) Close() error {
	close(t.stopCh)
	return t.conn.Close()
}
