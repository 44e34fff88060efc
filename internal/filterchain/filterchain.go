// Package filterchain implements the ordered, short-circuiting chain of
// duplicate classifiers. Evaluation is modeled on
// orchestrator.FilterSet.Match's two-pass idiom (conclusive filters
// resolve first, the rest are consulted only if nothing conclusive
// matched), repurposed here from "which stores receive a message" to "is
// this chunk a duplicate." Each standard filter is its own small type
// implementing the single Filter interface.
package filterchain

import (
	"context"
	"fmt"

	"dedupvol/internal/domain"
)

// Result is the outcome of one filter's classification of a chunk.
type Result int

const (
	// NotExisting means the chunk is new; no further filters run.
	NotExisting Result = iota
	// WeakMaybe carries no information either way.
	WeakMaybe
	// StrongMaybe means a duplicate is likely; Request.Address is set.
	// Only filters that can themselves produce Existing run afterwards.
	StrongMaybe
	// Existing means a duplicate has been proven; no further filters run.
	Existing
)

func (r Result) String() string {
	switch r {
	case NotExisting:
		return "NotExisting"
	case WeakMaybe:
		return "WeakMaybe"
	case StrongMaybe:
		return "StrongMaybe"
	case Existing:
		return "Existing"
	default:
		return "Unknown"
	}
}

// Request carries one chunk's candidacy through the chain. Filters read
// and (for StrongMaybe/Existing results) populate Address; Indexed is
// set by the sampling filter. A Request is reused across Check, and then
// exactly one of Update or Abort, and is not safe for concurrent use.
type Request struct {
	Fingerprint domain.Fingerprint
	Data        []byte // raw chunk bytes, needed by the byte-compare filter
	Size        uint32
	BlockID     uint64
	ChunkOffset uint32

	// Address is filled in by the filter that first produces StrongMaybe
	// or Existing.
	Address domain.ContainerAddress

	// Indexed records whether the sampling filter decided this
	// fingerprint should be written to the chunk index.
	Indexed bool
}

// Filter classifies chunk candidates and learns from the chain's final
// outcome.
type Filter interface {
	Name() string

	// Check classifies req. Filters that hold a resource across the
	// check/update boundary (the chunk-index filter's chunk lock) must
	// release it in Update or Abort, not in Check.
	Check(ctx context.Context, req *Request) (Result, error)

	// ExistingCapable reports whether this filter can itself produce
	// Existing. Once any filter returns StrongMaybe, only
	// ExistingCapable filters run afterwards.
	ExistingCapable() bool

	// Update is called when the chain concluded the chunk should be (or
	// was) written as new data.
	Update(ctx context.Context, req *Request) error

	// Abort is called when the chain concluded the chunk is a duplicate,
	// or was interrupted before reaching a conclusion. Releases any
	// resource acquired in Check.
	Abort(ctx context.Context, req *Request) error

	// UpdateKnownChunk is called for every item of every known chunk
	// written to a block, regardless of which filter resolved it, so
	// filters with per-block or per-session caches can learn.
	UpdateKnownChunk(ctx context.Context, req *Request) error
}

// Chain evaluates an ordered list of filters.
type Chain struct {
	filters []Filter
}

// New creates a filter chain from the given filters, in evaluation order.
func New(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Match runs req through the chain and returns the first conclusive
// result (NotExisting or Existing). If the chain never concludes it
// returns StrongMaybe if any filter returned it, else WeakMaybe if any
// filter returned that, else NotExisting.
func (c *Chain) Match(ctx context.Context, req *Request) (Result, error) {
	best := NotExisting
	strongSeen := false

	for _, f := range c.filters {
		if strongSeen && !f.ExistingCapable() {
			continue
		}

		res, err := f.Check(ctx, req)
		if err != nil {
			return best, fmt.Errorf("filterchain: %s: %w", f.Name(), err)
		}

		switch res {
		case Existing:
			return Existing, nil
		case NotExisting:
			if !strongSeen || f.ExistingCapable() {
				return NotExisting, nil
			}
			// A non-confirming filter's negative (e.g. bloom, which
			// never runs after a StrongMaybe candidate in the standard
			// ordering anyway) does not retract a pending candidate;
			// only an ExistingCapable filter's NotExisting is a
			// conclusive refutation.
		case StrongMaybe:
			strongSeen = true
			best = StrongMaybe
		case WeakMaybe:
			if best < WeakMaybe {
				best = WeakMaybe
			}
		}
	}

	return best, nil
}

// Update runs Update on every filter in the chain. Called once Match
// (or the caller's own byte-compare confirmation) concludes the chunk
// should be written as new data.
func (c *Chain) Update(ctx context.Context, req *Request) error {
	for _, f := range c.filters {
		if err := f.Update(ctx, req); err != nil {
			return fmt.Errorf("filterchain: %s update: %w", f.Name(), err)
		}
	}
	return nil
}

// Abort runs Abort on every filter in the chain. Called when the chunk
// turned out to be a duplicate, or the request was otherwise abandoned.
func (c *Chain) Abort(ctx context.Context, req *Request) error {
	var firstErr error
	for _, f := range c.filters {
		if err := f.Abort(ctx, req); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("filterchain: %s abort: %w", f.Name(), err)
		}
	}
	return firstErr
}

// UpdateKnownChunk notifies every filter that req's fingerprint was
// written to blockID as a known (already-indexed) chunk.
func (c *Chain) UpdateKnownChunk(ctx context.Context, req *Request) error {
	for _, f := range c.filters {
		if err := f.UpdateKnownChunk(ctx, req); err != nil {
			return fmt.Errorf("filterchain: %s update-known-chunk: %w", f.Name(), err)
		}
	}
	return nil
}
