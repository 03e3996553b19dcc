package bob

// Meta carries a client-assigned timestamp, the reconciliation key for
// every read and write in the cluster. It is interpreted as seconds since
// the Unix epoch.
type Meta struct {
	Timestamp uint64
}

// Data is a payload plus its Meta.
type Data struct {
	Meta    Meta
	Payload []byte
}

// Record is what a single read or write resolves to once the delete_flag
// is known, mirroring the on-disk Record layout (spec.md §3): a deleted
// key carries no payload but still has a timestamp so later writes can be
// compared against it (I4).
type Record struct {
	Meta      Meta
	Payload   []byte
	Deleted   bool
}

// Newer reports whether r is strictly newer than o by timestamp, with
// ties resolved per spec.md §4.8: a non-deleted record beats a deleted
// one at the same timestamp.
func (r Record) Newer(o Record) bool {
	if r.Meta.Timestamp != o.Meta.Timestamp {
		return r.Meta.Timestamp > o.Meta.Timestamp
	}
	return o.Deleted && !r.Deleted
}
