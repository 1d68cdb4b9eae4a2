// Package master implements the sink-side controller: discovery cycles,
// ranking and identifier assignment, neighbor probe orchestration, routing
// report collection and liveness-driven self-healing.
package master

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rfmesh/pkg/nodes"
	"rfmesh/pkg/protocol"
	"rfmesh/pkg/radio"
)

// Phase is the controller's coarse state.
type Phase int

const (
	Idle Phase = iota
	Discovering
	IDAssigning
	NeighborProbing
	RouteCollecting
	SteadyStateMonitoring
)

func (p Phase) String() string {
	switch p {
	case Discovering:
		return "discovering"
	case IDAssigning:
		return "id-assigning"
	case NeighborProbing:
		return "neighbor-probing"
	case RouteCollecting:
		return "route-collecting"
	case SteadyStateMonitoring:
		return "steady-state"
	default:
		return "idle"
	}
}

// Params carries the controller's windows and policies.
type Params struct {
	NumProbers       int // strongest nodes instructed to probe
	DiscoveryWindow  time.Duration
	ReportWindow     time.Duration
	HeartbeatTimeout time.Duration
	LivenessTick     time.Duration
	TableDump        time.Duration // 0 disables the periodic log dump
	RediscoverPeriod time.Duration // steady-state cap so late joiners get in, 0 disables
	PollInterval     time.Duration
}

func DefaultParams() Params {
	return Params{
		NumProbers:       2,
		DiscoveryWindow:  5 * time.Second,
		ReportWindow:     5 * time.Second,
		HeartbeatTimeout: 15 * time.Second,
		LivenessTick:     time.Second,
		TableDump:        10 * time.Second,
		RediscoverPeriod: 5 * time.Minute,
		PollInterval:     5 * time.Millisecond,
	}
}

// Controller drives the protocol from the sink. Single cooperative loop;
// every wait is a bounded deadline check, an unanswered message is just
// absent data.
type Controller struct {
	addr  protocol.Addr
	r     radio.Radio
	tbl   *nodes.Table
	p     Params
	nowFn func() time.Time
	phase Phase
}

func New(addr protocol.Addr, r radio.Radio, tbl *nodes.Table, p Params) *Controller {
	return &Controller{addr: addr, r: r, tbl: tbl, p: p, nowFn: time.Now}
}

// Phase returns the current protocol phase.
func (c *Controller) Phase() Phase { return c.phase }

// Table exposes the authoritative node table (read-side, for status surfaces).
func (c *Controller) Table() *nodes.Table { return c.tbl }

// Run alternates discovery cycles and steady-state monitoring until ctx is
// cancelled. A topology change detected in steady state loops back into a
// full re-discovery rather than incremental repair.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.runDiscoveryCycle(ctx); err != nil {
			return err
		}
		if err := c.steadyState(ctx); err != nil {
			return err
		}
	}
}

// runDiscoveryCycle rebuilds the table: broadcast, collect acks, rank,
// assign identifiers, schedule probes, collect routing reports.
func (c *Controller) runDiscoveryCycle(ctx context.Context) error {
	c.phase = Discovering
	c.tbl.Reset()
	zap.L().Info("discovery cycle started", zap.Stringer("phase", c.phase))
	c.send(&protocol.Frame{Type: protocol.TagDiscovery, Src: c.addr})

	if err := c.collect(ctx, c.p.DiscoveryWindow, c.onDiscoveryFrame); err != nil {
		return err
	}

	c.phase = IDAssigning
	ranked := c.tbl.RankAssign()
	for _, rec := range ranked {
		c.send(&protocol.Frame{
			Type:  protocol.TagAssignID,
			Src:   c.addr,
			Dst:   rec.Addr,
			ID:    rec.ID,
			Total: uint8(len(ranked)),
		})
	}

	c.phase = NeighborProbing
	c.scheduleProbes(ranked)

	c.phase = RouteCollecting
	if err := c.collect(ctx, c.p.ReportWindow, c.onReportFrame); err != nil {
		return err
	}

	zap.L().Info("discovery cycle complete", zap.Int("nodes", len(ranked)))
	c.dumpTable()
	return nil
}

// scheduleProbes instructs each of the strongest nodes to probe each weaker
// one: a fixed pairwise schedule, not all-pairs, bounding radio airtime.
func (c *Controller) scheduleProbes(ranked []nodes.Record) {
	np := c.p.NumProbers
	if np > len(ranked) {
		np = len(ranked)
	}
	probers := ranked[:np]
	targets := ranked[np:]
	for _, pr := range probers {
		for _, tg := range targets {
			c.send(&protocol.Frame{
				Type: protocol.TagPollNeighbor,
				Src:  c.addr,
				Dst:  pr.Addr,
				Aux:  tg.Addr,
			})
		}
	}
	zap.L().Info("probe schedule sent",
		zap.Int("probers", len(probers)), zap.Int("targets", len(targets)))
}

// steadyState watches heartbeats and telemetry. Returns nil whenever a fresh
// discovery cycle is due: a silence transition, an empty table (nobody
// answered, keep calling), or the periodic re-discovery that lets nodes
// powered on after the last cycle join.
func (c *Controller) steadyState(ctx context.Context) error {
	if c.tbl.Len() == 0 {
		zap.L().Info("no nodes discovered, retrying")
		return nil
	}
	c.phase = SteadyStateMonitoring
	nextSweep := c.nowFn().Add(c.p.LivenessTick)
	nextDump := c.nowFn().Add(c.p.TableDump)
	var nextRediscover time.Time
	if c.p.RediscoverPeriod > 0 {
		nextRediscover = c.nowFn().Add(c.p.RediscoverPeriod)
	}
	t := time.NewTicker(c.p.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		now := c.nowFn()
		if frame, ok := c.r.TryReceive(); ok {
			c.onSteadyFrame(frame, c.r.LastRSSI(), now)
		}
		if !now.Before(nextSweep) {
			nextSweep = now.Add(c.p.LivenessTick)
			if lost := c.tbl.SweepInactive(now, c.p.HeartbeatTimeout); len(lost) > 0 {
				zap.L().Warn("topology change, restarting discovery",
					zap.Int("lost", len(lost)))
				return nil
			}
		}
		if c.p.RediscoverPeriod > 0 && !now.Before(nextRediscover) {
			zap.L().Info("periodic re-discovery, sweeping for new nodes")
			return nil
		}
		if c.p.TableDump > 0 && !now.Before(nextDump) {
			nextDump = now.Add(c.p.TableDump)
			c.dumpTable()
		}
	}
}

// collect polls the radio until the window closes, feeding frames to fn.
func (c *Controller) collect(ctx context.Context, window time.Duration, fn func(protocol.Frame, int8, time.Time)) error {
	deadline := c.nowFn().Add(window)
	t := time.NewTicker(c.p.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		now := c.nowFn()
		if now.After(deadline) {
			return nil
		}
		if frame, ok := c.r.TryReceive(); ok {
			var f protocol.Frame
			if err := f.Unmarshal(frame); err != nil {
				zap.L().Debug("frame rejected", zap.Error(err))
				continue
			}
			fn(f, c.r.LastRSSI(), now)
		}
	}
}

// onDiscoveryFrame records bare acknowledgments; each distinct address is one
// record, replays just refresh it.
func (c *Controller) onDiscoveryFrame(f protocol.Frame, rssi int8, now time.Time) {
	switch f.Type {
	case protocol.TagAck:
		if f.HasFlag {
			return // direct-comm ack, not a discovery ack
		}
		c.tbl.Observe(f.Src, rssi, now)
	default:
		c.passive(f, now)
	}
}

// onReportFrame folds probe reports into the path metric.
func (c *Controller) onReportFrame(f protocol.Frame, _ int8, now time.Time) {
	switch f.Type {
	case protocol.TagRSSIReport:
		c.tbl.ApplyReport(f.Src, f.Dst, f.RSSI, now)
	default:
		c.passive(f, now)
	}
}

func (c *Controller) onSteadyFrame(frame []byte, _ int8, now time.Time) {
	var f protocol.Frame
	if err := f.Unmarshal(frame); err != nil {
		zap.L().Debug("frame rejected", zap.Error(err))
		return
	}
	c.passive(f, now)
}

// passive handlers refresh liveness and telemetry only; they never alter
// routing topology.
func (c *Controller) passive(f protocol.Frame, now time.Time) {
	switch f.Type {
	case protocol.TagHeartbeat:
		c.tbl.Touch(f.Src, now)
	case protocol.TagData:
		c.tbl.RecordValue(f.Src, f.Value, now)
		zap.L().Debug("telemetry", zap.String("origin", f.Src.String()),
			zap.Float32("value", f.Value))
	}
}

func (c *Controller) send(f *protocol.Frame) {
	if err := radio.SendFrame(c.r, f); err != nil {
		zap.L().Warn("send failed", zap.Uint8("tag", f.Type), zap.Error(err))
	}
}

// dumpTable logs the routing table, the protocol's presentation sink.
func (c *Controller) dumpTable() {
	for _, r := range c.tbl.Ranked() {
		relay := "direct"
		if r.RelayID != 0 {
			if rr, ok := c.tbl.ByID(r.RelayID); ok {
				relay = rr.Addr.String()
			}
		}
		zap.L().Info("route",
			zap.Uint8("id", r.ID),
			zap.String("addr", r.Addr.String()),
			zap.Int8("direct_rssi", r.DirectRSSI),
			zap.Uint8("hops", r.HopCount),
			zap.String("relay", relay),
			zap.Int16("path_rssi", r.PathRSSI),
			zap.Bool("active", r.Active),
			zap.Float32("value", r.LastValue),
		)
	}
}
