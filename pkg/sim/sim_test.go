package sim

import (
	"context"
	"testing"
	"time"

	"rfmesh/pkg/master"
	"rfmesh/pkg/protocol"
	"rfmesh/pkg/slave"
)

var (
	sink = protocol.MustParseAddr("01:00:00:00:00:aa")
	s1   = protocol.MustParseAddr("02:00:00:00:00:01")
	s2   = protocol.MustParseAddr("02:00:00:00:00:02")
	s3   = protocol.MustParseAddr("02:00:00:00:00:03")
)

func fastMasterParams() master.Params {
	p := master.DefaultParams()
	p.DiscoveryWindow = 200 * time.Millisecond
	p.ReportWindow = 300 * time.Millisecond
	p.HeartbeatTimeout = 500 * time.Millisecond
	p.LivenessTick = 50 * time.Millisecond
	p.TableDump = 0
	p.PollInterval = time.Millisecond
	return p
}

func fastSlaveParams() slave.Params {
	p := slave.DefaultParams()
	p.AckJitter = 50 * time.Millisecond
	p.DirectCommWindow = 200 * time.Millisecond
	p.HeartbeatPeriod = 100 * time.Millisecond
	p.TelemetryPeriod = 150 * time.Millisecond
	p.PollInterval = time.Millisecond
	return p
}

// Full protocol pass: discovery, ranking, probing, a two-hop route for the
// weak node, telemetry flowing and the strong node relaying.
func TestClusterConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in -short mode")
	}
	cl, err := New(Options{
		MasterAddr: sink,
		Slaves: []SlaveSpec{
			{Addr: s1, MasterRSSI: -60, PeerRSSI: map[protocol.Addr]int8{s3: -40}},
			{Addr: s2, MasterRSSI: -90},
			{Addr: s3, MasterRSSI: -110},
		},
		MasterParams: fastMasterParams(),
		SlaveParams:  fastSlaveParams(),
	})
	if err != nil {
		t.Fatalf("build cluster: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = cl.Run(ctx) }()
	time.Sleep(1500 * time.Millisecond)
	cancel()
	<-done

	tbl := cl.Controller.Table()
	want := []struct {
		addr protocol.Addr
		id   uint8
	}{{s1, 1}, {s2, 2}, {s3, 3}}
	for _, w := range want {
		rec, ok := tbl.Get(w.addr)
		if !ok {
			t.Fatalf("%v missing from table", w.addr)
		}
		if rec.ID != w.id {
			t.Fatalf("%v id = %d, want %d", w.addr, rec.ID, w.id)
		}
		if !rec.Active {
			t.Fatalf("%v inactive after convergence", w.addr)
		}
	}

	// the weak node routes through the strongest: -60 + -40 = -100 > -110
	r3, _ := tbl.Get(s3)
	if r3.HopCount != 2 || r3.RelayID != 1 || r3.PathRSSI != -100 {
		t.Fatalf("s3 route = hop %d relay %d path %d, want 2/1/-100", r3.HopCount, r3.RelayID, r3.PathRSSI)
	}

	// slave-side view agrees
	a3 := cl.Agents[s3]
	if a3.State() != slave.Relayed || a3.Relay() != s1 {
		t.Fatalf("s3 agent: state %v relay %v", a3.State(), a3.Relay())
	}
	if a1 := cl.Agents[s1]; a1.State() != slave.Direct {
		t.Fatalf("s1 agent state = %v", a1.State())
	}

	// the direct node forwarded the weak node's telemetry
	if cl.Agents[s1].Stats().Relayed == 0 {
		t.Fatalf("s1 never relayed telemetry")
	}
	if r3.LastValue == 0 {
		t.Fatalf("no telemetry recorded for s3")
	}
}
