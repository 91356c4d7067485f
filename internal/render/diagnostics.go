package render

import (
	"sort"
	"sync"
	"time"
)

// DiagnosticsEntry is one recorded failure for a rendering session.
type DiagnosticsEntry struct {
	Kind       ErrorKind
	Message    string
	Stage      RenderStage
	Method     RenderMethod
	StatusCode int
	Attempt    int
	At         time.Time
}

// DiagnosticsRecord is the append-only error log for one rendering ID.
type DiagnosticsRecord struct {
	RenderingID string
	StartedAt   time.Time
	Entries     []DiagnosticsEntry
}

// Diagnostics collects per-rendering-session failure records. Records are only ever
// appended to; readers get copies.
type Diagnostics struct {
	mu      sync.Mutex
	records map[string]*DiagnosticsRecord
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{records: make(map[string]*DiagnosticsRecord)}
}

// Record appends an entry for renderingID, creating the record on first use.
func (d *Diagnostics) Record(renderingID string, entry DiagnosticsEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[renderingID]
	if !ok {
		rec = &DiagnosticsRecord{RenderingID: renderingID, StartedAt: entry.At}
		d.records[renderingID] = rec
	}
	rec.Entries = append(rec.Entries, entry)
}

// RecordError classifies err and appends it for renderingID.
func (d *Diagnostics) RecordError(renderingID string, rc *RenderContext, err error) {
	entry := DiagnosticsEntry{
		Kind:       Classify(err),
		Message:    err.Error(),
		StatusCode: StatusOf(err),
	}
	if rc != nil {
		entry.Stage = rc.Progress.Stage
		entry.Method = rc.CurrentMethod
		entry.Attempt = rc.AttemptCount
	}
	d.Record(renderingID, entry)
}

// Get returns a copy of the record for renderingID, or nil if none exists.
func (d *Diagnostics) Get(renderingID string) *DiagnosticsRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[renderingID]
	if !ok {
		return nil
	}
	cp := *rec
	cp.Entries = append([]DiagnosticsEntry(nil), rec.Entries...)
	return &cp
}

// All returns copies of every collected record, ordered by start time. A recovered
// render spans several rendering IDs (each retry is minted fresh), so its failure
// history lives across multiple records, none of them under the ID that finished.
func (d *Diagnostics) All() []*DiagnosticsRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DiagnosticsRecord, 0, len(d.records))
	for _, rec := range d.records {
		cp := *rec
		cp.Entries = append([]DiagnosticsEntry(nil), rec.Entries...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len reports the number of tracked rendering sessions.
func (d *Diagnostics) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}
