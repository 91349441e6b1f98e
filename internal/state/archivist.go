package state

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/pkg/types"
)

// Archivist moves idle session state from the hot tier to the archive.
// A move is write-then-delete: the hot copy is only removed after the
// archive write succeeded, so a crash mid-move never loses state.
type Archivist struct {
	hot          HotTier
	cold         ColdTier
	archiveAfter time.Duration // idle threshold before a session is moved
	scanInterval time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewArchivist(hot HotTier, cold ColdTier, archiveAfter, scanInterval time.Duration) *Archivist {
	return &Archivist{
		hot:          hot,
		cold:         cold,
		archiveAfter: archiveAfter,
		scanInterval: scanInterval,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the scan loop.
func (a *Archivist) Start() {
	go a.run()
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (a *Archivist) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Archivist) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			archived, failed := a.Sweep(context.Background())
			if archived > 0 || failed > 0 {
				log.Printf("archivist: archived %d sessions, %d failed", archived, failed)
			}
			metrics.ArchivedSessions.Add(float64(archived))
		}
	}
}

// Sweep archives every session idle past the threshold and returns the
// archived and failed counts. Failures leave the hot copy untouched.
func (a *Archivist) Sweep(ctx context.Context) (archived, failed int) {
	cutoff := time.Now().Add(-a.archiveAfter)
	ids, err := a.hot.Idle(ctx, cutoff)
	if err != nil {
		log.Printf("archivist: idle scan: %v", err)
		return 0, 0
	}

	for _, id := range ids {
		if err := a.archiveOne(ctx, id); err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				log.Printf("archivist: archive %s: %v", id, err)
				failed++
			}
			continue
		}
		archived++
	}
	return archived, failed
}

func (a *Archivist) archiveOne(ctx context.Context, sessionID string) error {
	// Peek, not Load: a Load here would refresh last-access and push the
	// retry of a failed move out by a full idle window.
	blob, err := a.hot.Peek(ctx, sessionID)
	if errors.Is(err, types.ErrNotFound) {
		// State expired by TTL between the scan and the read; drop the
		// orphaned index entry so later sweeps stop revisiting it.
		if derr := a.hot.Delete(ctx, sessionID); derr != nil {
			log.Printf("archivist: drop index entry %s: %v", sessionID, derr)
		}
		return err
	}
	if err != nil {
		return err
	}
	if err := a.cold.Put(ctx, sessionID, blob); err != nil {
		return err
	}
	return a.hot.Delete(ctx, sessionID)
}
