package progress

// UnknownPercent is reported when the server did not declare a length.
const UnknownPercent = -1

// Progress is a snapshot of a running download.
type Progress struct {
	BytesReceived int64 `json:"bytes_received"`
	TotalBytes    int64 `json:"total_bytes"`
	Percent       int   `json:"percent"`
}

// New computes the snapshot for received bytes out of total. A non-positive
// total means unknown: TotalBytes becomes -1 and Percent UnknownPercent.
// Percent is capped at 100 for servers that under-declare the length.
func New(received, total int64) Progress {
	if total <= 0 {
		return Progress{BytesReceived: received, TotalBytes: -1, Percent: UnknownPercent}
	}

	percent := received * 100 / total
	if percent > 100 {
		percent = 100
	}

	return Progress{BytesReceived: received, TotalBytes: total, Percent: int(percent)}
}

// Known reports whether Percent is meaningful.
func (p Progress) Known() bool {
	return p.Percent != UnknownPercent
}

// Tracker accumulates chunk sizes into successive snapshots. Received bytes
// only grow, so Percent never decreases.
type Tracker struct {
	total    int64
	received int64
}

func NewTracker(total int64) *Tracker {
	return &Tracker{total: total}
}

// Add records n more bytes and returns the updated snapshot.
func (t *Tracker) Add(n int64) Progress {
	if n > 0 {
		t.received += n
	}

	return New(t.received, t.total)
}

// Current returns the snapshot without recording bytes.
func (t *Tracker) Current() Progress {
	return New(t.received, t.total)
}
