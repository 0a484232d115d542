package stubindex

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/drpcorg/stubindex/fwdindex"
	"github.com/drpcorg/stubindex/stub_errors"
	"github.com/drpcorg/stubindex/stubtree"
	"github.com/drpcorg/stubindex/utils"
)

// InvertedIndex receives per-key deltas of a file's forward index.
type InvertedIndex interface {
	UpdateIndex(key fwdindex.IndexKey, fileID FileID, removed, added []fwdindex.DataKey) error
}

type KeyDelta struct {
	Index   fwdindex.IndexKey
	Removed []fwdindex.DataKey
	Added   []fwdindex.DataKey
}

type Diff struct {
	FileID  FileID
	Changed bool
	Deltas  []KeyDelta // sorted by Index, no empty entries
}

// DiffEngine turns (previous, next) pairs of serialized trees into inverted
// index updates.
type DiffEngine struct {
	index    InvertedIndex
	paranoid bool
	log      utils.Logger
	sections sync.WaitGroup
}

func NewDiffEngine(index InvertedIndex, log utils.Logger, paranoid bool) *DiffEngine {
	return &DiffEngine{index: index, log: log, paranoid: paranoid}
}

// Changed answers whether next differs from prev without touching the index.
// A nil side means "no stubs".
func (e *DiffEngine) Changed(fileID FileID, prev, next *SerializedStubTree, problems *Problems) bool {
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	}
	if !slices.Equal(prev.ContentHash(), next.ContentHash()) {
		return true
	}
	if e.paranoid {
		e.verify(fileID, prev, next, problems)
	}
	return false
}

// verify checks that equal hashes come from equal trees. A mismatch is
// reported, the hash stays authoritative.
func (e *DiffEngine) verify(fileID FileID, prev, next *SerializedStubTree, problems *Problems) {
	diag := fmt.Sprintf("file %d", fileID)
	a, errA := prev.Tree(diag)
	b, errB := next.Tree(diag)
	if errA != nil || errB != nil {
		e.log.Warn("paranoid check: cannot decode trees", "file", fileID, "prev_err", errA, "next_err", errB)
		return
	}
	if stubtree.Equal(a, b) {
		return
	}
	HashCollisions.Inc()
	e.log.Error("stub tree hash collision",
		"file", fileID,
		"hash", fmt.Sprintf("%x", next.ContentHash()),
		"prev", stubtree.DumpString(a),
		"next", stubtree.DumpString(b))
	problems.Add(fileID, fmt.Errorf("%w: file %d", stub_errors.ErrHashCollision, fileID))
}

// Compute returns the per-key deltas between prev and next. Decoding errors
// surface here, before anything is applied.
func (e *DiffEngine) Compute(fileID FileID, prev, next *SerializedStubTree, problems *Problems) (Diff, error) {
	diff := Diff{FileID: fileID}
	if !e.Changed(fileID, prev, next, problems) {
		DiffsComputed.WithLabelValues("unchanged").Inc()
		return diff, nil
	}
	diff.Changed = true
	DiffsComputed.WithLabelValues("changed").Inc()

	var old, cur fwdindex.Map
	var err error
	if prev != nil {
		if old, err = prev.ForwardIndex(); err != nil {
			return diff, fmt.Errorf("previous forward index of file %d: %w", fileID, err)
		}
	}
	if next != nil {
		if cur, err = next.ForwardIndex(); err != nil {
			return diff, fmt.Errorf("forward index of file %d: %w", fileID, err)
		}
	}

	keys := slices.Collect(maps.Keys(old))
	for key := range cur {
		if _, ok := old[key]; !ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	for _, key := range keys {
		delta := KeyDelta{
			Index:   key,
			Removed: missing(old[key], cur[key]),
			Added:   missing(cur[key], old[key]),
		}
		if len(delta.Removed) > 0 || len(delta.Added) > 0 {
			diff.Deltas = append(diff.Deltas, delta)
		}
	}
	return diff, nil
}

// missing lists keys of a absent from b.
func missing(a, b fwdindex.Values) (out []fwdindex.DataKey) {
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	return
}

// BeginUpdate opens a section in which index updates run to completion
// regardless of ctx cancellation. End must be called.
func (e *DiffEngine) BeginUpdate(ctx context.Context) *UpdateSection {
	e.sections.Add(1)
	UpdateSections.Inc()
	return &UpdateSection{e: e, ctx: context.WithoutCancel(ctx)}
}

// Wait blocks until all open update sections have ended.
func (e *DiffEngine) Wait() {
	e.sections.Wait()
}

type UpdateSection struct {
	e    *DiffEngine
	ctx  context.Context
	once sync.Once
}

func (s *UpdateSection) Context() context.Context {
	return s.ctx
}

// Apply computes the diff and applies every delta to the inverted index.
// A failing delta is recorded in problems; the rest are still applied.
func (s *UpdateSection) Apply(fileID FileID, prev, next *SerializedStubTree, problems *Problems) (Diff, error) {
	diff, err := s.e.Compute(fileID, prev, next, problems)
	if err != nil {
		problems.Add(fileID, err)
		return diff, err
	}
	var failed []error
	for _, d := range diff.Deltas {
		if err := s.e.index.UpdateIndex(d.Index, fileID, d.Removed, d.Added); err != nil {
			err = fmt.Errorf("update %s for file %d: %w", d.Index, fileID, err)
			problems.Add(fileID, err)
			failed = append(failed, err)
		}
	}
	if len(diff.Deltas) > 0 {
		s.e.log.DebugCtx(s.ctx, "inverted index updated", "file", fileID, "keys", len(diff.Deltas))
	}
	if len(failed) > 0 {
		return diff, failed[0]
	}
	return diff, nil
}

func (s *UpdateSection) End() {
	s.once.Do(func() {
		UpdateSections.Dec()
		s.e.sections.Done()
	})
}
