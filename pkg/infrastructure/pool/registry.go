package pool

import (
	"time"

	cmap "github.com/orcaman/concurrent-map"
)

// CheckoutRecord is the bookkeeping entry for one outstanding checkout.
type CheckoutRecord struct {
	Token        string
	Owner        string
	Session      *pooledSession
	CheckedOutAt time.Time
	Direct       bool
}

// Registry maps checkout tokens to their records. Every operation is a single atomic map
// operation, so readers and the reaper never need the manager's lifecycle lock.
type Registry struct {
	entries cmap.ConcurrentMap
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: cmap.New()}
}

// Record stores rec under its token, replacing any previous entry.
func (r *Registry) Record(rec *CheckoutRecord) {
	r.entries.Set(rec.Token, rec)
}

// Lookup returns the record for token without removing it.
func (r *Registry) Lookup(token string) (*CheckoutRecord, bool) {
	v, ok := r.entries.Get(token)
	if !ok {
		return nil, false
	}
	return v.(*CheckoutRecord), true
}

// Forget removes and returns the record for token. Only one caller can win a given token.
func (r *Registry) Forget(token string) (*CheckoutRecord, bool) {
	v, ok := r.entries.Pop(token)
	if !ok {
		return nil, false
	}
	return v.(*CheckoutRecord), true
}

// Snapshot copies the current records.
func (r *Registry) Snapshot() []*CheckoutRecord {
	out := make([]*CheckoutRecord, 0, r.entries.Count())
	for item := range r.entries.IterBuffered() {
		out = append(out, item.Val.(*CheckoutRecord))
	}
	return out
}

// Len returns the number of outstanding checkouts.
func (r *Registry) Len() int {
	return r.entries.Count()
}

// Drain removes and returns every record.
func (r *Registry) Drain() []*CheckoutRecord {
	var out []*CheckoutRecord
	for _, key := range r.entries.Keys() {
		if rec, ok := r.Forget(key); ok {
			out = append(out, rec)
		}
	}
	return out
}
