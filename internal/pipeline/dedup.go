package pipeline

import (
	"sync"
	"time"
)

const (
	defaultDedupTTL   = 10 * time.Minute
	defaultDedupSweep = time.Minute
)

// Deduper remembers which (user, sequence) pairs have already been settled so
// queue redeliveries do not reach clients twice. Seen and Mark are separate
// calls: the router marks a pair only after its delivery lane succeeded, so a
// failed handoff stays eligible for redelivery.
//
// Entries expire after a TTL. A redelivery arriving later than the TTL can
// slip through again; frames carry the sequence number so clients can discard
// those stragglers themselves.
type Deduper struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]map[uint64]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDeduper builds a seen-set whose entries live for ttl and are swept every
// sweepInterval. Non-positive arguments fall back to defaults.
func NewDeduper(ttl, sweepInterval time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultDedupSweep
	}
	d := &Deduper{
		ttl:    ttl,
		seen:   make(map[string]map[uint64]time.Time),
		stopCh: make(chan struct{}),
	}
	go d.runSweeper(sweepInterval)
	return d
}

// Seen reports whether the pair is marked and unexpired. An expired entry is
// removed on the spot rather than waiting for the sweeper.
func (d *Deduper) Seen(userID string, sequence uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	sequences, ok := d.seen[userID]
	if !ok {
		return false
	}
	expiry, ok := sequences[sequence]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(sequences, sequence)
		if len(sequences) == 0 {
			delete(d.seen, userID)
		}
		return false
	}
	return true
}

// Mark records the pair as settled, refreshing the expiry if already present.
func (d *Deduper) Mark(userID string, sequence uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sequences, ok := d.seen[userID]
	if !ok {
		sequences = make(map[uint64]time.Time)
		d.seen[userID] = sequences
	}
	sequences[sequence] = time.Now().Add(d.ttl)
}

// Stop terminates the background sweeper. Safe to call more than once.
func (d *Deduper) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

func (d *Deduper) runSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweep(time.Now())
		}
	}
}

func (d *Deduper) sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for userID, sequences := range d.seen {
		for sequence, expiry := range sequences {
			if now.After(expiry) {
				delete(sequences, sequence)
			}
		}
		if len(sequences) == 0 {
			delete(d.seen, userID)
		}
	}
}
