// Package udp bridges the radio contract onto UDP datagrams for multi-process
// bench setups. Each datagram is one frame prefixed with a single emulated
// RSSI byte stamped by the sender; there is no real signal measurement here.
package udp

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Bridge implements radio.Radio over a UDP socket. Outgoing frames go to
// every configured peer endpoint, emulating a broadcast medium.
type Bridge struct {
	conn *net.UDPConn
	// txRSSI is the emulated signal strength stamped on outgoing frames.
	txRSSI int8

	mu       sync.Mutex
	peers    []*net.UDPAddr
	inbox    chan rx
	lastRSSI int8
	closed   bool
}

type rx struct {
	data []byte
	rssi int8
}

// New listens on listenAddr and will fan out to peerAddrs. txRSSI is the
// per-frame emulated RSSI this node advertises.
func New(listenAddr string, peerAddrs []string, txRSSI int8) (*Bridge, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	b := &Bridge{conn: conn, txRSSI: txRSSI, inbox: make(chan rx, 64)}
	for _, p := range peerAddrs {
		ra, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		b.peers = append(b.peers, ra)
	}
	go b.readLoop()
	return b, nil
}

// LocalAddr reports the bound socket address, useful when listening on :0.
func (b *Bridge) LocalAddr() string { return b.conn.LocalAddr().String() }

// AddPeer registers one more endpoint for outgoing frames.
func (b *Bridge) AddPeer(addr string) error {
	ra, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.peers = append(b.peers, ra)
	b.mu.Unlock()
	return nil
}

func (b *Bridge) readLoop() {
	buf := make([]byte, 512)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 2 {
			continue // needs rssi byte + at least a tag
		}
		frame := append([]byte(nil), buf[1:n]...)
		select {
		case b.inbox <- rx{data: frame, rssi: int8(buf[0])}:
		default:
			zap.L().Debug("udp radio inbox full, frame dropped")
		}
	}
}

func (b *Bridge) Send(frame []byte) error {
	b.mu.Lock()
	closed := b.closed
	peers := append([]*net.UDPAddr(nil), b.peers...)
	b.mu.Unlock()
	if closed {
		return errors.New("udp radio: closed")
	}
	out := make([]byte, 1+len(frame))
	out[0] = byte(b.txRSSI)
	copy(out[1:], frame)
	for _, p := range peers {
		if _, err := b.conn.WriteToUDP(out, p); err != nil {
			zap.L().Debug("udp radio send failed", zap.String("peer", p.String()), zap.Error(err))
		}
	}
	return nil
}

func (b *Bridge) TryReceive() ([]byte, bool) {
	select {
	case f := <-b.inbox:
		b.lastRSSI = f.rssi
		return f.data, true
	default:
		return nil, false
	}
}

func (b *Bridge) LastRSSI() int8 { return b.lastRSSI }

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Close()
}
