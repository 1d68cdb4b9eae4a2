// Package radio defines the half-duplex radio contract the protocol runs on.
package radio

import "rfmesh/pkg/protocol"

// Radio is one node's view of the shared medium. Implementations deliver
// whole frames or nothing; corrupt frames are dropped below this interface.
// TryReceive never blocks: the protocol loops poll it once per iteration.
type Radio interface {
	// Send transmits one frame to every node in range.
	Send(frame []byte) error
	// TryReceive returns the next pending frame, or ok=false when idle.
	TryReceive() (frame []byte, ok bool)
	// LastRSSI reports the signal strength of the most recently received
	// frame in dBm. Only meaningful right after a successful TryReceive.
	LastRSSI() int8
	Close() error
}

// SendFrame marshals f and transmits it.
func SendFrame(r Radio, f *protocol.Frame) error {
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	return r.Send(b)
}
