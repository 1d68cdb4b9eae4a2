package nodes

import (
	"testing"
	"time"

	"rfmesh/pkg/memkv"
	"rfmesh/pkg/protocol"
)

var (
	n1 = protocol.Addr{1, 0, 0, 0, 0, 0}
	n2 = protocol.Addr{2, 0, 0, 0, 0, 0}
	n3 = protocol.Addr{3, 0, 0, 0, 0, 0}
)

func newTable(t *testing.T) *Table {
	t.Helper()
	kv := memkv.New(memkv.Options{})
	t.Cleanup(kv.Close)
	return New(kv, 16)
}

func TestRankingPermutation(t *testing.T) {
	tbl := newTable(t)
	now := time.Now()
	// arrival order deliberately not in RSSI order
	tbl.Observe(n3, -110, now)
	tbl.Observe(n1, -60, now)
	tbl.Observe(n2, -90, now)

	ranked := tbl.RankAssign()
	want := []struct {
		addr protocol.Addr
		id   uint8
		rssi int8
	}{{n1, 1, -60}, {n2, 2, -90}, {n3, 3, -110}}
	if len(ranked) != len(want) {
		t.Fatalf("ranked %d records, want %d", len(ranked), len(want))
	}
	for i, w := range want {
		if ranked[i].Addr != w.addr || ranked[i].ID != w.id || ranked[i].DirectRSSI != w.rssi {
			t.Fatalf("rank %d = %+v, want %+v", i, ranked[i], w)
		}
	}
}

func TestRankingTieBreakIsArrivalOrder(t *testing.T) {
	tbl := newTable(t)
	now := time.Now()
	tbl.Observe(n2, -80, now)
	tbl.Observe(n1, -80, now)
	ranked := tbl.RankAssign()
	if ranked[0].Addr != n2 || ranked[1].Addr != n1 {
		t.Fatalf("tie-break broke arrival order: %v then %v", ranked[0].Addr, ranked[1].Addr)
	}
}

func TestObserveDeduplicates(t *testing.T) {
	tbl := newTable(t)
	now := time.Now()
	tbl.Observe(n1, -60, now)
	tbl.Observe(n1, -62, now) // duplicated physical frame
	if tbl.Len() != 1 {
		t.Fatalf("duplicate ack grew the table to %d entries", tbl.Len())
	}
	r, _ := tbl.Get(n1)
	if r.DirectRSSI != -62 {
		t.Fatalf("replay did not refresh RSSI: %d", r.DirectRSSI)
	}
}

func TestCapacityRefusal(t *testing.T) {
	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	tbl := New(kv, 2)
	now := time.Now()
	if !tbl.Observe(n1, -60, now) || !tbl.Observe(n2, -70, now) {
		t.Fatalf("observe within capacity refused")
	}
	if tbl.Observe(n3, -80, now) {
		t.Fatalf("observe over capacity accepted")
	}
	if tbl.Len() != 2 {
		t.Fatalf("table len = %d, want 2", tbl.Len())
	}
	// known address still refreshes at capacity
	if !tbl.Observe(n1, -61, now) {
		t.Fatalf("refresh of known address refused at capacity")
	}
}

// Scenario: node3 direct -110, node1 (prober, -60) reports hop -40:
// total -100 beats -110, so node3 routes via node1 at hop 2.
func TestApplyReportImprovesRoute(t *testing.T) {
	tbl := newTable(t)
	now := time.Now()
	tbl.Observe(n1, -60, now)
	tbl.Observe(n3, -110, now)
	tbl.RankAssign()

	if !tbl.ApplyReport(n1, n3, -40, now) {
		t.Fatalf("improving report rejected")
	}
	r, _ := tbl.Get(n3)
	if r.HopCount != 2 || r.RelayID != 1 || r.PathRSSI != -100 {
		t.Fatalf("route = hop %d relay %d path %d, want 2/1/-100", r.HopCount, r.RelayID, r.PathRSSI)
	}
}

func TestApplyReportMonotonic(t *testing.T) {
	tbl := newTable(t)
	now := time.Now()
	tbl.Observe(n1, -60, now)
	tbl.Observe(n2, -70, now)
	tbl.Observe(n3, -110, now)
	tbl.RankAssign()

	tbl.ApplyReport(n1, n3, -40, now) // total -100
	// equal total must not flip the relay
	if tbl.ApplyReport(n2, n3, -30, now) {
		t.Fatalf("equal-total report replaced the route")
	}
	// worse total must not downgrade
	if tbl.ApplyReport(n2, n3, -60, now) {
		t.Fatalf("worse report replaced the route")
	}
	// strictly better total wins
	if !tbl.ApplyReport(n2, n3, -20, now) {
		t.Fatalf("better report rejected")
	}
	r, _ := tbl.Get(n3)
	if r.RelayID != 2 || r.PathRSSI != -90 {
		t.Fatalf("route = relay %d path %d, want 2/-90", r.RelayID, r.PathRSSI)
	}
}

func TestApplyReportUnknownAddrs(t *testing.T) {
	tbl := newTable(t)
	now := time.Now()
	tbl.Observe(n1, -60, now)
	if tbl.ApplyReport(n2, n1, -40, now) {
		t.Fatalf("report from unknown prober applied")
	}
	if tbl.ApplyReport(n1, n2, -40, now) {
		t.Fatalf("report for unknown target applied")
	}
}

func TestSweepInactive(t *testing.T) {
	tbl := newTable(t)
	start := time.Now()
	tbl.Observe(n1, -60, start)
	tbl.Observe(n2, -70, start)
	tbl.Touch(n2, start.Add(10*time.Second))

	lost := tbl.SweepInactive(start.Add(16*time.Second), 15*time.Second)
	if len(lost) != 1 || lost[0].Addr != n1 {
		t.Fatalf("lost = %v, want just n1", lost)
	}
	r1, _ := tbl.Get(n1)
	r2, _ := tbl.Get(n2)
	if r1.Active || !r2.Active {
		t.Fatalf("active flags wrong: n1=%v n2=%v", r1.Active, r2.Active)
	}
	// transition fires once; record stays, inactive
	if again := tbl.SweepInactive(start.Add(17*time.Second), 15*time.Second); len(again) != 0 {
		t.Fatalf("second sweep re-reported the loss")
	}
	if tbl.Len() != 2 {
		t.Fatalf("inactive record was deleted")
	}
}

func TestResetClearsEverything(t *testing.T) {
	tbl := newTable(t)
	now := time.Now()
	tbl.Observe(n1, -60, now)
	tbl.Observe(n2, -70, now)
	tbl.Reset()
	if tbl.Len() != 0 {
		t.Fatalf("table not empty after reset")
	}
	if _, ok := tbl.Get(n1); ok {
		t.Fatalf("record survived reset")
	}
}
