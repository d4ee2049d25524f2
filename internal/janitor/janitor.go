// Package janitor reclaims space held by expired single-use state. Expiry is enforced where the state is consumed;
// sweeping only deletes rows that can no longer be used.
package janitor

import (
	"context"
	"log"
	"time"
)

// MarkerPurger deletes expired consumed-challenge markers. Implemented by *challenge.Ledger.
type MarkerPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// MagicLinkPurger clears magic links that expired before a given time. Implemented by the user repository.
type MagicLinkPurger interface {
	PurgeExpiredMagicLinks(ctx context.Context, before time.Time) (int64, error)
}

// sweepTimeout bounds a single sweep.
const sweepTimeout = time.Minute

// Janitor periodically sweeps expired markers and magic links.
type Janitor struct {
	markers    MarkerPurger
	magicLinks MagicLinkPurger
	interval   time.Duration
	nowF       func() time.Time
}

// New returns a Janitor sweeping every interval.
func New(markers MarkerPurger, magicLinks MagicLinkPurger, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{markers: markers, magicLinks: magicLinks, interval: interval, nowF: time.Now}
}

// Sweep runs one pass and returns the number of markers and magic links removed.
// A failing purge is logged and does not stop the other.
func (j *Janitor) Sweep(ctx context.Context) (markers, links int64) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	var err error
	if j.markers != nil {
		if markers, err = j.markers.PurgeExpired(ctx); err != nil {
			log.Printf("janitor: purge challenge markers: %v", err)
		}
	}
	if j.magicLinks != nil {
		if links, err = j.magicLinks.PurgeExpiredMagicLinks(ctx, j.nowF().UTC()); err != nil {
			log.Printf("janitor: purge magic links: %v", err)
		}
	}
	return markers, links
}

// Run sweeps immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if m, l := j.Sweep(ctx); m > 0 || l > 0 {
			log.Printf("janitor: removed %d challenge markers, %d magic links", m, l)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
