// Package slave implements the slave node agent: discovery participation,
// identifier assignment, neighbor probing, relay selection, telemetry and
// heartbeats. One agent runs one cooperative loop; nothing here is reentrant.
package slave

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"rfmesh/pkg/protocol"
	"rfmesh/pkg/radio"
	"rfmesh/pkg/telemetry"
)

// State classifies the agent. Unidentified nodes transmit nothing but
// discovery acknowledgments; downgrades happen only through a fresh
// discovery cycle wiping state.
type State int

const (
	Unidentified State = iota
	Direct
	Relayed
)

func (s State) String() string {
	switch s {
	case Direct:
		return "direct"
	case Relayed:
		return "relayed"
	default:
		return "unidentified"
	}
}

// Params carries the agent's timing windows and thresholds.
type Params struct {
	DirectThreshold  int8          // at or above: Direct
	AckJitter        time.Duration // randomized discovery ack delay ceiling
	DirectCommWindow time.Duration // bounded wait for a probe target's ack
	HeartbeatPeriod  time.Duration
	TelemetryPeriod  time.Duration
	TelemetryDelta   float32 // early telemetry trigger
	DedupWindow      time.Duration
	PollInterval     time.Duration
}

func DefaultParams() Params {
	return Params{
		DirectThreshold:  -100,
		AckJitter:        500 * time.Millisecond,
		DirectCommWindow: 2 * time.Second,
		HeartbeatPeriod:  5 * time.Second,
		TelemetryPeriod:  10 * time.Second,
		TelemetryDelta:   0.5,
		DedupWindow:      2 * time.Second,
		PollInterval:     5 * time.Millisecond,
	}
}

// Neighbor is one measured peer link, populated by direct-comm traffic.
type Neighbor struct {
	Addr   protocol.Addr
	RSSI   int8
	Direct bool // peer claims direct master reach
}

// Stats are loop-local counters, read after the loop stops or via Snapshot.
type Stats struct {
	FramesIn   uint64
	FramesOut  uint64
	Relayed    uint64
	DupDropped uint64
}

type dedupKey struct {
	origin protocol.Addr
	bits   uint32
}

// Agent is one slave node. Not safe for concurrent use; Run owns it.
type Agent struct {
	addr  protocol.Addr
	r     radio.Radio
	src   telemetry.Source
	p     Params
	nowFn func() time.Time
	rng   *rand.Rand

	// per-cycle state, wiped by each discovery
	master     protocol.Addr
	directRSSI int8
	id         uint8
	total      uint8
	state      State
	neighbors  map[protocol.Addr]Neighbor

	// routing decision: relay zero = direct; once a relay is held, it is
	// replaced only by a strictly better cumulative RSSI
	relay    protocol.Addr
	hasRelay bool
	pathRSSI int16

	// pending randomized discovery ack
	ackDue     time.Time
	ackPending bool

	// probe instructions queued by the master, served one at a time
	probeQueue   []protocol.Addr
	probeTarget  protocol.Addr
	probeDue     time.Time
	probePending bool

	nextHeartbeat time.Time
	nextTelemetry time.Time
	lastSent      float32
	sentAny       bool

	seen  map[dedupKey]time.Time
	stats Stats
}

func New(addr protocol.Addr, r radio.Radio, src telemetry.Source, p Params) *Agent {
	return &Agent{
		addr:      addr,
		r:         r,
		src:       src,
		p:         p,
		nowFn:     time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(addr[5]))),
		neighbors: make(map[protocol.Addr]Neighbor),
		seen:      make(map[dedupKey]time.Time),
	}
}

// Run drives the cooperative loop until ctx is cancelled: one non-blocking
// radio poll per iteration, the received frame fully processed before the
// next poll, all waits resolved by per-iteration deadline checks.
func (a *Agent) Run(ctx context.Context) error {
	t := time.NewTicker(a.p.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.step(a.nowFn())
		}
	}
}

// State returns the current classification.
func (a *Agent) State() State { return a.state }

// ID returns the assigned identifier, 0 while unidentified.
func (a *Agent) ID() uint8 { return a.id }

// Relay returns the chosen relay address; zero means direct.
func (a *Agent) Relay() protocol.Addr { return a.relay }

// PathRSSI returns the current best cumulative path metric.
func (a *Agent) PathRSSI() int16 { return a.pathRSSI }

// Neighbors returns the measured peer links.
func (a *Agent) Neighbors() []Neighbor {
	out := make([]Neighbor, 0, len(a.neighbors))
	for _, n := range a.neighbors {
		out = append(out, n)
	}
	return out
}

func (a *Agent) Stats() Stats { return a.stats }

// step runs one loop iteration: poll, process, then fire due timers.
func (a *Agent) step(now time.Time) {
	if frame, ok := a.r.TryReceive(); ok {
		a.handle(frame, a.r.LastRSSI(), now)
	}

	if a.ackPending && !now.Before(a.ackDue) {
		a.ackPending = false
		a.send(&protocol.Frame{Type: protocol.TagAck, Src: a.addr})
	}
	if a.probePending && now.After(a.probeDue) {
		// absent data, not an error: the candidate simply goes unconsidered
		zap.L().Debug("probe target silent", zap.String("target", a.probeTarget.String()))
		a.probePending = false
		a.startNextProbe(now)
	}
	if a.id != 0 {
		a.maybeTelemetry(now)
		if a.state == Direct && !now.Before(a.nextHeartbeat) {
			a.send(&protocol.Frame{Type: protocol.TagHeartbeat, Src: a.addr})
			a.nextHeartbeat = now.Add(a.p.HeartbeatPeriod)
		}
	}
	a.pruneSeen(now)
}

func (a *Agent) handle(frame []byte, rssi int8, now time.Time) {
	var f protocol.Frame
	if err := f.Unmarshal(frame); err != nil {
		zap.L().Debug("frame rejected", zap.Error(err))
		return
	}
	a.stats.FramesIn++

	switch f.Type {
	case protocol.TagDiscovery:
		a.onDiscovery(f, rssi, now)
	case protocol.TagAssignID:
		a.onAssignID(f, now)
	case protocol.TagPollNeighbor:
		a.onPollNeighbor(f, now)
	case protocol.TagDirectComm:
		a.onDirectComm(f, rssi)
	case protocol.TagAck:
		a.onAck(f, rssi, now)
	case protocol.TagData:
		a.maybeRelay(f, frame, now)
	case protocol.TagHeartbeat:
		// peer liveness is the master's business
	}
}

// onDiscovery wipes the previous cycle's state and schedules a randomized
// acknowledgment. The jitter is collision avoidance, not arbitration.
func (a *Agent) onDiscovery(f protocol.Frame, rssi int8, now time.Time) {
	a.master = f.Src
	a.directRSSI = rssi
	a.id = 0
	a.total = 0
	a.state = Unidentified
	a.neighbors = make(map[protocol.Addr]Neighbor)
	a.relay = protocol.Addr{}
	a.hasRelay = false
	a.pathRSSI = int16(rssi)
	a.probeQueue = nil
	a.probePending = false
	a.sentAny = false

	delay := time.Duration(a.rng.Int63n(int64(a.p.AckJitter) + 1))
	a.ackDue = now.Add(delay)
	a.ackPending = true
	zap.L().Info("discovery heard", zap.String("master", f.Src.String()),
		zap.Int8("rssi", rssi), zap.Duration("ack_delay", delay))
}

func (a *Agent) onAssignID(f protocol.Frame, now time.Time) {
	if f.Dst != a.addr {
		return
	}
	a.id = f.ID
	a.total = f.Total
	if a.directRSSI >= a.p.DirectThreshold {
		a.state = Direct
	} else {
		a.state = Relayed
	}
	a.nextHeartbeat = now
	a.nextTelemetry = now
	zap.L().Info("identifier assigned", zap.Uint8("id", f.ID),
		zap.Uint8("total", f.Total), zap.Stringer("state", a.state))
}

// onPollNeighbor queues a direct-comm query when this node is the prober.
// The master sends its probe schedule back-to-back, so instructions queue up
// and are served one at a time.
func (a *Agent) onPollNeighbor(f protocol.Frame, now time.Time) {
	if f.Dst != a.addr || a.id == 0 {
		return
	}
	a.probeQueue = append(a.probeQueue, f.Aux)
	a.startNextProbe(now)
}

// startNextProbe issues the query for the queue head, one probe in flight at
// a time. Each probe gets its own window from the moment its query goes out.
func (a *Agent) startNextProbe(now time.Time) {
	if a.probePending || len(a.probeQueue) == 0 {
		return
	}
	a.probeTarget = a.probeQueue[0]
	a.probeQueue = a.probeQueue[1:]
	a.probeDue = now.Add(a.p.DirectCommWindow)
	a.probePending = true
	a.send(&protocol.Frame{
		Type:   protocol.TagDirectComm,
		Src:    a.addr,
		Dst:    a.probeTarget,
		Direct: a.state == Direct,
	})
	zap.L().Debug("probing neighbor", zap.String("target", a.probeTarget.String()))
}

// onDirectComm answers a peer's query and, when the peer can relay, replaces
// the best path only on strict improvement.
func (a *Agent) onDirectComm(f protocol.Frame, rssi int8) {
	if f.Dst != a.addr || a.id == 0 {
		return
	}
	a.neighbors[f.Src] = Neighbor{Addr: f.Src, RSSI: rssi, Direct: f.Direct}
	if f.Direct && a.state == Relayed {
		// the direct path is below threshold and unusable, so the first
		// candidate wins; after that only strict improvement replaces it
		candidate := int16(a.directRSSI) + int16(rssi)
		if !a.hasRelay || candidate > a.pathRSSI {
			a.relay = f.Src
			a.hasRelay = true
			a.pathRSSI = candidate
			zap.L().Info("relay adopted", zap.String("relay", f.Src.String()),
				zap.Int16("path_rssi", candidate))
		}
	}
	a.send(&protocol.Frame{
		Type:    protocol.TagAck,
		Src:     a.addr,
		HasFlag: true,
		Direct:  a.state == Direct,
	})
}

// onAck completes an outstanding probe: the flagged ack from the target
// carries the inter-node link quality in its measured RSSI.
func (a *Agent) onAck(f protocol.Frame, rssi int8, now time.Time) {
	if !a.probePending || !f.HasFlag || f.Src != a.probeTarget || now.After(a.probeDue) {
		return
	}
	a.probePending = false
	a.neighbors[f.Src] = Neighbor{Addr: f.Src, RSSI: rssi, Direct: f.Direct}
	a.send(&protocol.Frame{
		Type: protocol.TagRSSIReport,
		Src:  a.addr,
		Dst:  f.Src,
		RSSI: rssi,
	})
	zap.L().Debug("hop measured", zap.String("target", f.Src.String()), zap.Int8("rssi", rssi))
	a.startNextProbe(now)
}

// maybeRelay forwards overheard telemetry upstream when this node has direct
// reach. Provenance is never rewritten; a short-lived cache suppresses the
// duplicate deliveries inherent in overhear-based flooding.
func (a *Agent) maybeRelay(f protocol.Frame, raw []byte, now time.Time) {
	if a.state != Direct || f.Src == a.addr {
		return
	}
	k := dedupKey{origin: f.Src, bits: math.Float32bits(f.Value)}
	if last, ok := a.seen[k]; ok && now.Sub(last) < a.p.DedupWindow {
		a.stats.DupDropped++
		return
	}
	a.seen[k] = now
	if err := a.r.Send(raw); err != nil {
		zap.L().Warn("relay send failed", zap.Error(err))
		return
	}
	a.stats.FramesOut++
	a.stats.Relayed++
	zap.L().Debug("telemetry relayed", zap.String("origin", f.Src.String()))
}

func (a *Agent) maybeTelemetry(now time.Time) {
	v := a.src.Sample()
	due := !now.Before(a.nextTelemetry)
	jumped := a.sentAny && absf(v-a.lastSent) > a.p.TelemetryDelta
	if !due && !jumped {
		return
	}
	a.send(&protocol.Frame{Type: protocol.TagData, Src: a.addr, Value: v})
	a.lastSent = v
	a.sentAny = true
	a.nextTelemetry = now.Add(a.p.TelemetryPeriod)
}

func (a *Agent) send(f *protocol.Frame) {
	if err := radio.SendFrame(a.r, f); err != nil {
		zap.L().Warn("send failed", zap.Uint8("tag", f.Type), zap.Error(err))
		return
	}
	a.stats.FramesOut++
}

func (a *Agent) pruneSeen(now time.Time) {
	for k, t := range a.seen {
		if now.Sub(t) > a.p.DedupWindow {
			delete(a.seen, k)
		}
	}
}

func absf(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
