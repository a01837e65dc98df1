package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/stratum/pkg/types"
)

// dedupCapacity bounds the in-memory index. The LRU sheds the oldest buckets
// under pressure, which only ever makes the gate more permissive.
const dedupCapacity = 4096

// DedupIndex remembers which extraction signatures were accepted per scope
// and UTC day bucket. An acceptance is recorded under the day it happened;
// lookups probe every bucket inside the window, so the same statement is
// storable again only once the window has passed.
type DedupIndex struct {
	cache      *lru.Cache[string, time.Time]
	windowDays int
	now        func() time.Time
}

// NewDedupIndex creates an index with the given retention window in days.
func NewDedupIndex(windowDays int) *DedupIndex {
	if windowDays <= 0 {
		windowDays = 7
	}
	cache, _ := lru.New[string, time.Time](dedupCapacity)
	return &DedupIndex{cache: cache, windowDays: windowDays, now: time.Now}
}

// Seen reports whether an equivalent candidate was already accepted for this
// scope within the deduplication window. Today's bucket and the windowDays-1
// buckets before it are probed; an acceptance windowDays ago or older is
// outside the window and does not count.
func (d *DedupIndex) Seen(scope types.Scope, content string) bool {
	sig := signature(content)
	now := d.now()
	for back := 0; back < d.windowDays; back++ {
		if _, ok := d.cache.Get(d.key(sig, scope, now.AddDate(0, 0, -back))); ok {
			return true
		}
	}
	return false
}

// Remember records an accepted candidate under today's bucket. Called only
// after a successful store write, so rejected candidates never poison the
// window.
func (d *DedupIndex) Remember(scope types.Scope, content string) {
	now := d.now()
	d.cache.Add(d.key(signature(content), scope, now), now)
}

func (d *DedupIndex) key(sig string, scope types.Scope, day time.Time) string {
	return sig + "|" + string(scope) + "|" + day.UTC().Format("2006-01-02")
}

// signature normalizes content into a stable short digest: lowercase, strip
// punctuation, collapse whitespace. "Use Postgres!" and "use  postgres"
// produce the same signature.
func signature(content string) string {
	fields := strings.Fields(strings.ToLower(content))
	for i, f := range fields {
		fields[i] = strings.Trim(f, `.,;:!?"'()[]`)
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, " ")))
	return hex.EncodeToString(sum[:8])
}
