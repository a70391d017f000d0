package eventqueue

import (
	"context"
	"strings"
	"time"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// EventApplier is the narrow persistence contract a storePoster needs,
// satisfied by *store.Store. Declared here rather than imported so
// eventqueue depends only on the shape it uses, matching the teacher's
// small-interface-at-the-package-boundary habit.
type EventApplier interface {
	ApplyEventBatch(ctx context.Context, org string, batch canon.EventBatch, now time.Time) error
}

// StoreURL builds the writer-registry key that routes a batch directly to
// the in-process store for org, for an embedded deployment that skips the
// HTTP hop a separately-running Chronicle ingest endpoint would need.
func StoreURL(org string) string { return "store://" + org }

// orgFromStoreURL recovers the org StoreURL encoded, for diagnostics.
func orgFromStoreURL(url string) (string, bool) {
	return strings.CutPrefix(url, "store://")
}

type storePoster struct {
	applier EventApplier
	org     string
}

// NewStorePoster returns a Poster that applies a batch directly against
// applier for org. Use as the Registry's newPoster for StoreURL(org)
// endpoints: newPoster(url) { org, _ := orgFromStoreURL(url); return
// NewStorePoster(store, org) }.
func NewStorePoster(applier EventApplier, org string) Poster {
	return &storePoster{applier: applier, org: org}
}

func (p *storePoster) Post(ctx context.Context, batch canon.EventBatch) error {
	return p.applier.ApplyEventBatch(ctx, p.org, batch, time.Now())
}

// NewStorePosterFactory returns a Registry newPoster func that dispatches a
// StoreURL(org) endpoint key to a store-backed Poster for that org.
func NewStorePosterFactory(applier EventApplier) func(url string) Poster {
	return func(url string) Poster {
		org, _ := orgFromStoreURL(url)
		return NewStorePoster(applier, org)
	}
}
