// Package nodes holds the master-owned node and routing table. Records are
// kept CBOR-encoded in memkv under "node:<addr>"; a side index preserves
// discovery arrival order, which is the ranking tie-break.
package nodes

import (
	"sort"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"rfmesh/pkg/memkv"
	"rfmesh/pkg/protocol"
)

// Record is one node as the master sees it. Addresses are unique; identifiers
// exist only after ranking; HopCount never exceeds 2; Active implies LastSeen
// within the heartbeat timeout.
type Record struct {
	Addr       protocol.Addr `cbor:"1,keyasint"`
	ID         uint8         `cbor:"2,keyasint"` // 1..N, 0 = unassigned
	DirectRSSI int8          `cbor:"3,keyasint"`
	HopCount   uint8         `cbor:"4,keyasint"` // 1 or 2
	RelayID    uint8         `cbor:"5,keyasint"` // 0 = direct
	PathRSSI   int16         `cbor:"6,keyasint"` // cumulative; int16, two-hop sums underflow int8
	LastSeen   int64         `cbor:"7,keyasint"` // unix ms
	Active     bool          `cbor:"8,keyasint"`
	LastValue  float32       `cbor:"9,keyasint"` // latest telemetry, display only
}

// Table is the bounded node mapping. All mutation goes through it; the
// protocol loop is single-threaded but the status API reads concurrently.
type Table struct {
	kv  *memkv.Store
	max int

	mu    sync.RWMutex
	order []protocol.Addr // discovery arrival order
}

// New builds a table capped at max records per discovery cycle.
func New(kv *memkv.Store, max int) *Table {
	return &Table{kv: kv, max: max}
}

func key(a protocol.Addr) string { return "node:" + a.String() }

// Reset drops every record. Called at the start of each discovery cycle.
func (t *Table) Reset() {
	t.mu.Lock()
	order := t.order
	t.order = nil
	t.mu.Unlock()
	for _, a := range order {
		t.kv.Delete(key(a))
	}
	zap.L().Info("node table reset", zap.Int("dropped", len(order)))
}

// Observe records a discovery acknowledgment. Replays for a known address
// refresh its RSSI without growing the table. Returns false when the entry
// was refused for capacity.
func (t *Table) Observe(addr protocol.Addr, rssi int8, now time.Time) bool {
	t.mu.Lock()
	known := t.indexOfLocked(addr) >= 0
	if !known {
		if len(t.order) >= t.max {
			t.mu.Unlock()
			zap.L().Warn("node table full, ack dropped",
				zap.String("addr", addr.String()), zap.Int("capacity", t.max))
			return false
		}
		t.order = append(t.order, addr)
	}
	t.mu.Unlock()

	rec := Record{
		Addr:       addr,
		DirectRSSI: rssi,
		HopCount:   1,
		RelayID:    0,
		PathRSSI:   int16(rssi),
		LastSeen:   now.UnixMilli(),
		Active:     true,
	}
	t.put(rec)
	zap.L().Debug("discovery ack", zap.String("addr", addr.String()),
		zap.Int8("rssi", rssi), zap.Bool("new", !known))
	return true
}

// RankAssign sorts records by non-increasing direct RSSI (stable, arrival
// order breaks ties) and assigns identifiers 1..N. Returns the ranked list.
func (t *Table) RankAssign() []Record {
	recs := t.Snapshot()
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].DirectRSSI > recs[j].DirectRSSI
	})
	for i := range recs {
		recs[i].ID = uint8(i + 1)
		t.put(recs[i])
	}
	zap.L().Info("identifiers assigned", zap.Int("nodes", len(recs)))
	return recs
}

// ApplyReport folds one probe report into the table: the target's route moves
// to hop=2 via the prober only when proberDirect+hop strictly beats the
// stored cumulative RSSI. This strict inequality is what stops oscillation
// between equally good paths.
func (t *Table) ApplyReport(prober, target protocol.Addr, hopRSSI int8, now time.Time) bool {
	p, ok := t.Get(prober)
	if !ok {
		return false
	}
	rec, ok := t.Get(target)
	if !ok {
		return false
	}
	total := int16(p.DirectRSSI) + int16(hopRSSI)
	if total <= rec.PathRSSI {
		zap.L().Debug("route report ignored (not better)",
			zap.String("target", target.String()), zap.Int16("total", total),
			zap.Int16("current", rec.PathRSSI))
		return false
	}
	rec.HopCount = 2
	rec.RelayID = p.ID
	rec.PathRSSI = total
	rec.LastSeen = now.UnixMilli()
	t.put(rec)
	zap.L().Info("route improved", zap.String("target", target.String()),
		zap.Uint8("relay", p.ID), zap.Int16("path_rssi", total))
	return true
}

// Touch refreshes last-seen for a heartbeat or telemetry sender. Passive:
// never alters topology.
func (t *Table) Touch(addr protocol.Addr, now time.Time) {
	t.update(addr, func(r *Record) {
		r.LastSeen = now.UnixMilli()
		r.Active = true
	})
}

// RecordValue stores the latest telemetry scalar alongside last-seen.
func (t *Table) RecordValue(addr protocol.Addr, v float32, now time.Time) {
	t.update(addr, func(r *Record) {
		r.LastValue = v
		r.LastSeen = now.UnixMilli()
		r.Active = true
	})
}

// SweepInactive marks records whose last-seen age exceeds timeout as inactive
// and returns the ones that just transitioned. Records are never deleted.
func (t *Table) SweepInactive(now time.Time, timeout time.Duration) []Record {
	var lost []Record
	cutoff := now.Add(-timeout).UnixMilli()
	for _, rec := range t.Snapshot() {
		if rec.Active && rec.LastSeen < cutoff {
			rec.Active = false
			t.put(rec)
			lost = append(lost, rec)
			zap.L().Warn("node went silent", zap.String("addr", rec.Addr.String()),
				zap.Uint8("id", rec.ID))
		}
	}
	return lost
}

// Get returns the record for addr.
func (t *Table) Get(addr protocol.Addr) (Record, bool) {
	b, ok := t.kv.Get(key(addr))
	if !ok {
		return Record{}, false
	}
	var r Record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return Record{}, false
	}
	return r, true
}

// ByID returns the record holding the given assigned identifier.
func (t *Table) ByID(id uint8) (Record, bool) {
	if id == 0 {
		return Record{}, false
	}
	for _, r := range t.Snapshot() {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Snapshot returns all records in discovery arrival order.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	order := append([]protocol.Addr(nil), t.order...)
	t.mu.RUnlock()
	out := make([]Record, 0, len(order))
	for _, a := range order {
		if r, ok := t.Get(a); ok {
			out = append(out, r)
		}
	}
	return out
}

// Ranked returns records sorted by assigned identifier.
func (t *Table) Ranked() []Record {
	recs := t.Snapshot()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

func (t *Table) put(r Record) {
	b, err := cbor.Marshal(r)
	if err != nil {
		zap.L().Error("record encode failed", zap.Error(err))
		return
	}
	t.kv.Set(key(r.Addr), b, 0)
}

func (t *Table) update(addr protocol.Addr, fn func(*Record)) {
	t.kv.Update(key(addr), func(old []byte) []byte {
		var r Record
		if err := cbor.Unmarshal(old, &r); err != nil {
			return old
		}
		fn(&r)
		b, err := cbor.Marshal(r)
		if err != nil {
			return old
		}
		return b
	})
}

func (t *Table) indexOfLocked(addr protocol.Addr) int {
	for i, a := range t.order {
		if a == addr {
			return i
		}
	}
	return -1
}
