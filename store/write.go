package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jacentio/unikey/index"
	"github.com/jacentio/unikey/internal/shard"
	"github.com/jacentio/unikey/uniquekey"
)

// Op is a document write operation.
type Op uint8

const (
	OpCreate Op = iota
	OpUpsert
	OpReplace
	OpDelete
	// OpRelease frees the tuples of a document removed outside the collection.
	OpRelease
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpsert:
		return "upsert"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpRelease:
		return "release"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

type writeState uint8

const (
	stateReceived writeState = iota
	stateKeysExtracted
	stateChecked
	stateCommitting
	stateCommitted
	stateRolledBack
	stateRejected
)

func (s writeState) String() string {
	return [...]string{"received", "keysExtracted", "checked", "committing", "committed", "rolledBack", "rejected"}[s]
}

// reservation is a tuple this write took from a free slot. Only reservations are
// rolled back; tuples the document already held are left alone.
type reservation struct {
	def   int
	idx   index.Index
	tuple uniquekey.Tuple
	entry index.Entry
	// uncertain is set when TryInsert failed and may still have been applied.
	uncertain bool
}

// write tracks one request from receipt to its single terminal state.
type write struct {
	c         *Collection
	op        Op
	id        string
	partition shard.PartitionID
	state     writeState
	reserved  []reservation
}

func (c *Collection) begin(op Op, id string) *write {
	return &write{c: c, op: op, id: id, state: stateReceived}
}

func (w *write) to(s writeState) {
	w.c.logger.Debug("write state",
		zap.Stringer("op", w.op),
		zap.String("id", w.id),
		zap.Stringer("from", w.state),
		zap.Stringer("to", s),
	)
	w.state = s
}

func (w *write) entry() index.Entry {
	return index.Entry{DocID: w.id, Partition: w.partition}
}

// reserve claims tuple for unique key def. A conflict is returned as a *ConflictError
// value; the error result is for infrastructure failures only.
func (w *write) reserve(ctx context.Context, def int, tuple uniquekey.Tuple) (*ConflictError, error) {
	idx := w.c.indexFor(def, w.partition)
	e := w.entry()

	res, err := idx.TryInsert(ctx, tuple, e)
	if err != nil {
		w.reserved = append(w.reserved, reservation{def: def, idx: idx, tuple: tuple, entry: e, uncertain: true})
		return nil, fmt.Errorf("reserve unique key %d: %w", def, err)
	}
	switch res.Status {
	case index.StatusInserted:
		w.reserved = append(w.reserved, reservation{def: def, idx: idx, tuple: tuple, entry: e})
	case index.StatusConflict:
		return &ConflictError{
			Op:         w.op,
			DocID:      w.id,
			Definition: def,
			Paths:      w.c.policy.UniqueKeys[def].Paths,
			Tuple:      tuple,
			Existing:   res.Existing,
		}, nil
	}
	return nil, nil
}

// rollback releases every reservation, newest first. It ignores cancellation of ctx so
// an abandoned request cannot strand reservations.
func (w *write) rollback(ctx context.Context) error {
	if len(w.reserved) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var errs error
	for i := len(w.reserved) - 1; i >= 0; i-- {
		r := w.reserved[i]
		if r.uncertain {
			errs = multierr.Append(errs, w.settle(ctx, r))
			continue
		}
		errs = multierr.Append(errs, r.idx.Remove(ctx, r.tuple, r.entry))
	}
	w.reserved = nil
	w.c.metrics.observeRollback(w.op)
	w.to(stateRolledBack)
	if errs != nil {
		w.c.logger.Error("rollback of unique key reservations failed",
			zap.Stringer("op", w.op),
			zap.String("id", w.id),
			zap.Error(errs),
		)
	}
	return errs
}

// settle removes an uncertain reservation if it was applied. A tuple held under this id
// is kept when the stored document with the id still yields it.
func (w *write) settle(ctx context.Context, r reservation) error {
	held, ok, err := r.idx.Lookup(ctx, r.tuple)
	if err != nil {
		return fmt.Errorf("look up unique key %d: %w", r.def, err)
	}
	if !ok || held.DocID != w.id {
		return nil
	}

	stored, err := w.c.docs.Get(ctx, w.id)
	switch {
	case err == nil:
		if w.c.holds(stored, r.def, r.tuple, w.partition) {
			return nil
		}
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("read document: %w", err)
	}
	return r.idx.Remove(ctx, r.tuple, r.entry)
}

// reject ends the write with a unique key conflict.
func (w *write) reject(ctx context.Context, conflict *ConflictError) error {
	rbErr := w.rollback(ctx)
	w.to(stateRejected)

	outcome := outcomeConflict
	if conflict.Kind == KindTransientConflict {
		outcome = outcomeTransient
	}
	w.c.metrics.observeWrite(w.op, outcome)
	w.c.logger.Info("write rejected by unique key",
		zap.Stringer("op", w.op),
		zap.String("id", w.id),
		zap.Int("definition", conflict.Definition),
		zap.String("tuple", conflict.Tuple.String()),
		zap.String("existingDocID", conflict.Existing.DocID),
		zap.Stringer("kind", conflict.Kind),
	)
	return multierr.Append(conflict, rbErr)
}

// fail ends the write with err, rolling back reservations.
func (w *write) fail(ctx context.Context, err error) error {
	rbErr := w.rollback(ctx)
	w.to(stateRejected)
	w.c.metrics.observeWrite(w.op, outcomeError)
	return multierr.Append(err, rbErr)
}

// commit marks the document write durable. Reservations become the document's entries.
func (w *write) commit() {
	w.reserved = nil
	w.to(stateCommitted)
	w.c.metrics.observeWrite(w.op, outcomeCommitted)
}

// staleTuple is a tuple a committed write no longer needs.
type staleTuple struct {
	def   int
	tuple uniquekey.Tuple
}

// release frees stale tuples held in partition after commit. A failure leaves the tuple
// held by this document id, never by another, so it is logged and counted rather than
// returned.
func (w *write) release(ctx context.Context, partition shard.PartitionID, stale []staleTuple) {
	ctx = context.WithoutCancel(ctx)
	e := index.Entry{DocID: w.id, Partition: partition}
	for _, st := range stale {
		idx := w.c.indexFor(st.def, partition)
		if err := idx.Remove(ctx, st.tuple, e); err != nil {
			w.c.metrics.observeReleaseFailure()
			w.c.logger.Error("failed to release unique key",
				zap.Stringer("op", w.op),
				zap.String("id", w.id),
				zap.Int("definition", st.def),
				zap.String("tuple", st.tuple.String()),
				zap.Error(err),
			)
		}
	}
}
