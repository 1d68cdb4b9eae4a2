// Package mem is an in-process shared radio medium. Every frame sent by one
// port is delivered to all other attached ports with an RSSI taken from a
// per-link attenuation table. Useful for tests and the simulator.
package mem

import (
	"errors"
	"sync"

	"rfmesh/pkg/protocol"
)

// DefaultRSSI is used for links with no entry in the attenuation table.
const DefaultRSSI int8 = -70

// queueDepth bounds undelivered frames per port; overflow drops the frame,
// which on a real radio is just a collision.
const queueDepth = 64

// Medium is the shared channel. Safe for concurrent use by many ports.
type Medium struct {
	mu    sync.Mutex
	ports map[protocol.Addr]*Port
	rssi  map[[2]protocol.Addr]int8
}

func New() *Medium {
	return &Medium{
		ports: make(map[protocol.Addr]*Port),
		rssi:  make(map[[2]protocol.Addr]int8),
	}
}

// SetLink fixes the received signal strength for frames from a to b and
// from b to a. Symmetric by design of the bench.
func (m *Medium) SetLink(a, b protocol.Addr, rssi int8) {
	m.mu.Lock()
	m.rssi[[2]protocol.Addr{a, b}] = rssi
	m.rssi[[2]protocol.Addr{b, a}] = rssi
	m.mu.Unlock()
}

// Sever removes a link entirely: frames between a and b stop arriving.
func (m *Medium) Sever(a, b protocol.Addr) {
	m.mu.Lock()
	m.rssi[[2]protocol.Addr{a, b}] = rssiUnreachable
	m.rssi[[2]protocol.Addr{b, a}] = rssiUnreachable
	m.mu.Unlock()
}

const rssiUnreachable int8 = -128

// Attach creates a port for addr. One port per address.
func (m *Medium) Attach(addr protocol.Addr) (*Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ports[addr]; ok {
		return nil, errors.New("mem: address already attached")
	}
	p := &Port{medium: m, addr: addr, inbox: make(chan rxFrame, queueDepth)}
	m.ports[addr] = p
	return p, nil
}

func (m *Medium) detach(addr protocol.Addr) {
	m.mu.Lock()
	delete(m.ports, addr)
	m.mu.Unlock()
}

func (m *Medium) broadcast(from protocol.Addr, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, p := range m.ports {
		if addr == from {
			continue
		}
		rssi, ok := m.rssi[[2]protocol.Addr{from, addr}]
		if !ok {
			rssi = DefaultRSSI
		}
		if rssi == rssiUnreachable {
			continue
		}
		cp := append([]byte(nil), frame...)
		select {
		case p.inbox <- rxFrame{data: cp, rssi: rssi}:
		default:
			// receiver behind, frame lost on air
		}
	}
}

type rxFrame struct {
	data []byte
	rssi int8
}

// Port is one node's attachment to the medium; implements radio.Radio.
type Port struct {
	medium   *Medium
	addr     protocol.Addr
	inbox    chan rxFrame
	lastRSSI int8
	closed   bool
	mu       sync.Mutex
}

func (p *Port) Addr() protocol.Addr { return p.addr }

func (p *Port) Send(frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("mem: port closed")
	}
	p.medium.broadcast(p.addr, frame)
	return nil
}

func (p *Port) TryReceive() ([]byte, bool) {
	select {
	case f := <-p.inbox:
		p.lastRSSI = f.rssi
		return f.data, true
	default:
		return nil, false
	}
}

func (p *Port) LastRSSI() int8 { return p.lastRSSI }

func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.medium.detach(p.addr)
	return nil
}
