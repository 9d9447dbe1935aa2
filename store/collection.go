package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jacentio/unikey/index"
	"github.com/jacentio/unikey/internal/shard"
	"github.com/jacentio/unikey/uniquekey"
)

// idLockStripes is the number of mutexes writes to the same document id serialize on.
const idLockStripes = 256

// Collection validates writes against a unique key policy and commits them to a
// DocumentStore.
type Collection struct {
	cfg    Config
	policy uniquekey.Policy
	global []bool

	docs        DocumentStore
	resolver    shard.Resolver
	coordinator *index.Coordinator
	partitions  *index.Partitions

	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
	newID   func() string

	locks [idLockStripes]sync.Mutex
}

// Option configures a Collection.
type Option func(c *Collection)

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records write outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Collection) {
		c.metrics = m
	}
}

// WithResolver overrides the partition resolver. Default: a HashResolver over
// Config.NumPartitions.
func WithResolver(r shard.Resolver) Option {
	return func(c *Collection) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithClock overrides the time source used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Collection) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides the generator of ids for documents created without one.
// Default: random UUIDs.
func WithIDGenerator(gen func() string) Option {
	return func(c *Collection) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// New creates a Collection. factory creates the index of every unique key namespace;
// nil means in-memory shards.
func New(cfg Config, docs DocumentStore, factory index.Factory, opts ...Option) (*Collection, error) {
	cfg.validate()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if docs == nil {
		return nil, errors.New("unikey: nil document store")
	}
	if factory == nil {
		factory = index.MemoryFactory()
	}

	c := &Collection{
		cfg:      cfg,
		policy:   cfg.UniqueKeyPolicy,
		docs:     docs,
		resolver: shard.NewHashResolver(cfg.NumPartitions),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.global = make([]bool, len(c.policy.UniqueKeys))
	if len(cfg.PartitionKeyPaths) > 0 {
		for i, def := range c.policy.UniqueKeys {
			c.global[i] = !def.Covers(cfg.PartitionKeyPaths)
		}
	}
	c.coordinator = index.NewCoordinator(cfg.Collection, factory, c.logger)
	c.partitions = index.NewPartitions(cfg.Collection, factory)

	c.logger.Info("collection ready",
		zap.String("collection", cfg.Collection),
		zap.Strings("partitionKey", cfg.PartitionKeyPaths),
		zap.Int("uniqueKeys", len(c.policy.UniqueKeys)),
		zap.Int("partitions", cfg.NumPartitions),
	)
	return c, nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.cfg.Collection }

// Policy returns the collection's unique key policy.
func (c *Collection) Policy() uniquekey.Policy { return c.policy }

// Config returns the effective configuration.
func (c *Collection) Config() Config { return c.cfg }

// Coordinator returns the authoritative index holder of cross-partition unique keys.
func (c *Collection) Coordinator() *index.Coordinator { return c.coordinator }

// IsGlobal reports whether unique key def is checked across all partitions.
func (c *Collection) IsGlobal(def int) bool {
	return def >= 0 && def < len(c.global) && c.global[def]
}

// PartitionOf returns the partition a document belongs to.
func (c *Collection) PartitionOf(doc Document) shard.PartitionID {
	if len(c.cfg.PartitionKeyPaths) == 0 {
		return shard.SinglePartition
	}
	return c.resolver.Resolve(c.partitionKey(doc))
}

func (c *Collection) partitionKey(doc Document) uniquekey.Tuple {
	return uniquekey.ExtractPaths(c.cfg.PartitionKeyPaths, doc)
}

func (c *Collection) indexFor(def int, partition shard.PartitionID) index.Index {
	if c.global[def] {
		return c.coordinator.Index(def)
	}
	return c.partitions.Index(def, partition)
}

// holds reports whether item owns tuple for unique key def in the index of partition.
func (c *Collection) holds(item *Item, def int, tuple uniquekey.Tuple, partition shard.PartitionID) bool {
	if !uniquekey.ExtractDefinition(c.policy.UniqueKeys[def], item.Document).Equal(tuple) {
		return false
	}
	return c.global[def] || item.Partition == partition
}

func (c *Collection) lock(id string) *sync.Mutex {
	return &c.locks[shard.Slot(id, idLockStripes)]
}

// Create inserts a new document. A document without an "id" gets a generated one.
func (c *Collection) Create(ctx context.Context, doc Document) (*Item, error) {
	doc, id, err := c.prepare(doc, true)
	if err != nil {
		return nil, err
	}

	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()

	return c.insertLocked(ctx, c.begin(OpCreate, id), doc, KindUniqueConstraintViolation)
}

// Upsert replaces the document with the same id, or inserts it if there is none.
// A unique key violation on the insert path is reported as ErrRetryWith unless
// Config.StrictUpsertConflicts is set.
func (c *Collection) Upsert(ctx context.Context, doc Document) (*Item, error) {
	doc, id, err := c.prepare(doc, true)
	if err != nil {
		return nil, err
	}

	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()

	w := c.begin(OpUpsert, id)
	current, err := c.docs.Get(ctx, id)
	switch {
	case err == nil:
		return c.replaceLocked(ctx, w, current, doc)
	case errors.Is(err, ErrNotFound):
		kind := KindTransientConflict
		if c.cfg.StrictUpsertConflicts {
			kind = KindUniqueConstraintViolation
		}
		return c.insertLocked(ctx, w, doc, kind)
	default:
		return nil, w.fail(ctx, fmt.Errorf("read document: %w", err))
	}
}

// Replace overwrites an existing document. The partition key value cannot change.
func (c *Collection) Replace(ctx context.Context, doc Document) (*Item, error) {
	doc, id, err := c.prepare(doc, false)
	if err != nil {
		return nil, err
	}

	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()

	w := c.begin(OpReplace, id)
	current, err := c.docs.Get(ctx, id)
	if err != nil {
		return nil, w.fail(ctx, err)
	}
	return c.replaceLocked(ctx, w, current, doc)
}

// Delete removes a document and releases its unique key tuples.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}

	mu := c.lock(id)
	mu.Lock()
	defer mu.Unlock()

	w := c.begin(OpDelete, id)
	current, err := c.docs.Get(ctx, id)
	if err != nil {
		return w.fail(ctx, err)
	}
	return c.deleteLocked(ctx, w, current)
}

// Get returns the live document with id.
func (c *Collection) Get(ctx context.Context, id string) (*Item, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	return c.docs.Get(ctx, id)
}

// Lookup returns the entry holding probe's tuple of unique key def. For unique keys
// that include the partition key, probe must also carry the partition key.
func (c *Collection) Lookup(ctx context.Context, def int, probe Document) (index.Entry, bool, error) {
	if def < 0 || def >= len(c.policy.UniqueKeys) {
		return index.Entry{}, false, fmt.Errorf("unikey: unique key %d out of range", def)
	}
	tuple := uniquekey.ExtractDefinition(c.policy.UniqueKeys[def], probe)
	return c.indexFor(def, c.PartitionOf(probe)).Lookup(ctx, tuple)
}

// Release frees the tuples of a document that was removed from the document store
// without going through Delete, such as by TTL expiry. Tuples that the live document
// with the same id still holds are kept.
func (c *Collection) Release(ctx context.Context, old *Item) error {
	if old == nil || old.ID == "" {
		return ErrMissingID
	}

	mu := c.lock(old.ID)
	mu.Lock()
	defer mu.Unlock()

	w := c.begin(OpRelease, old.ID)
	w.partition = old.Partition
	if w.partition == "" {
		w.partition = c.PartitionOf(old.Document)
	}
	tuples := uniquekey.Extract(c.policy, old.Document)
	w.to(stateKeysExtracted)

	current, err := c.docs.Get(ctx, old.ID)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
	default:
		return w.fail(ctx, fmt.Errorf("read document: %w", err))
	}

	ctx = context.WithoutCancel(ctx)
	var errs error
	released := 0
	for i, tuple := range tuples {
		if current != nil && c.holds(current, i, tuple, w.partition) {
			continue
		}
		if err := c.indexFor(i, w.partition).Remove(ctx, tuple, w.entry()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release unique key %d: %w", i, err))
			continue
		}
		released++
	}
	if errs != nil {
		return w.fail(ctx, errs)
	}
	w.commit()
	c.logger.Info("released unique keys of removed document",
		zap.String("collection", c.cfg.Collection),
		zap.String("id", old.ID),
		zap.Int("released", released),
	)
	return nil
}

// SweepExpired deletes expired documents and releases their tuples. It only applies to
// document stores implementing ExpirySweeper and returns the number of documents removed.
func (c *Collection) SweepExpired(ctx context.Context) (int, error) {
	sweeper, ok := c.docs.(ExpirySweeper)
	if !ok {
		return 0, nil
	}
	items, err := sweeper.Expired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("list expired documents: %w", err)
	}

	swept := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if err := c.sweep(ctx, it); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConcurrentModification) {
				continue
			}
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		c.logger.Info("swept expired documents",
			zap.String("collection", c.cfg.Collection),
			zap.Int("count", swept),
		)
	}
	return swept, nil
}

func (c *Collection) sweep(ctx context.Context, it *Item) error {
	mu := c.lock(it.ID)
	mu.Lock()
	defer mu.Unlock()

	return c.deleteLocked(ctx, c.begin(OpDelete, it.ID), it)
}

// prepare copies doc and resolves its id. With generate, a missing id is assigned.
func (c *Collection) prepare(doc Document, generate bool) (Document, string, error) {
	doc = doc.Clone()
	id, ok := doc.ID()
	if !ok {
		if _, present := doc[attrID]; present || !generate {
			return nil, "", ErrMissingID
		}
		id = c.newID()
		doc[attrID] = &types.AttributeValueMemberS{Value: id}
	}
	for k := range managedAttrs {
		delete(doc, k)
	}
	return doc, id, nil
}

func (c *Collection) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func (c *Collection) expiry(doc Document) int64 {
	ttl := TTLOf(doc)
	if ttl <= 0 {
		return 0
	}
	return c.now().Add(ttl).Unix()
}

// insertLocked reserves every tuple of doc and commits it as a new document.
// kind classifies a unique key violation.
func (c *Collection) insertLocked(ctx context.Context, w *write, doc Document, kind ConflictKind) (*Item, error) {
	w.partition = c.PartitionOf(doc)
	tuples := uniquekey.Extract(c.policy, doc)
	w.to(stateKeysExtracted)

	for i, tuple := range tuples {
		conflict, err := w.reserve(ctx, i, tuple)
		if err != nil {
			return nil, w.fail(ctx, err)
		}
		if conflict != nil {
			conflict.Kind = kind
			return nil, w.reject(ctx, conflict)
		}
	}
	w.to(stateChecked)

	now := c.timestamp()
	item := &Item{
		ID:        w.id,
		Partition: w.partition,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: c.expiry(doc),
		Document:  doc,
	}
	if err := c.commitLocked(ctx, w, item, 0); err != nil {
		return nil, err
	}
	return item, nil
}

// replaceLocked reserves the tuples that changed from current to doc, commits doc, and
// releases the tuples current no longer needs. Unchanged tuples are not touched.
func (c *Collection) replaceLocked(ctx context.Context, w *write, current *Item, doc Document) (*Item, error) {
	w.partition = current.Partition
	if !c.partitionKey(doc).Equal(c.partitionKey(current.Document)) {
		return nil, w.fail(ctx, ErrPartitionKeyChanged)
	}

	oldTuples := uniquekey.Extract(c.policy, current.Document)
	newTuples := uniquekey.Extract(c.policy, doc)
	w.to(stateKeysExtracted)

	var stale []staleTuple
	for i, tuple := range newTuples {
		if tuple.Equal(oldTuples[i]) {
			continue
		}
		conflict, err := w.reserve(ctx, i, tuple)
		if err != nil {
			return nil, w.fail(ctx, err)
		}
		if conflict != nil {
			conflict.Kind = KindUniqueConstraintViolation
			return nil, w.reject(ctx, conflict)
		}
		stale = append(stale, staleTuple{def: i, tuple: oldTuples[i]})
	}
	w.to(stateChecked)

	item := &Item{
		ID:        w.id,
		Partition: current.Partition,
		Version:   current.Version + 1,
		CreatedAt: current.CreatedAt,
		UpdatedAt: c.timestamp(),
		ExpiresAt: c.expiry(doc),
		Document:  doc,
	}
	if err := c.commitLocked(ctx, w, item, current.Version); err != nil {
		return nil, err
	}
	w.release(ctx, w.partition, stale)
	return item, nil
}

// deleteLocked removes current and releases all of its tuples.
func (c *Collection) deleteLocked(ctx context.Context, w *write, current *Item) error {
	w.partition = current.Partition
	tuples := uniquekey.Extract(c.policy, current.Document)
	w.to(stateKeysExtracted)
	w.to(stateChecked)

	w.to(stateCommitting)
	if err := c.docs.Delete(context.WithoutCancel(ctx), current.ID, current.Version); err != nil {
		return w.fail(ctx, err)
	}
	w.commit()

	stale := make([]staleTuple, len(tuples))
	for i, tuple := range tuples {
		stale[i] = staleTuple{def: i, tuple: tuple}
	}
	w.release(ctx, w.partition, stale)
	return nil
}

// commitLocked writes item once its tuples are reserved. A canceled ctx aborts before
// the write; once started, the write runs to completion so its outcome is known.
func (c *Collection) commitLocked(ctx context.Context, w *write, item *Item, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return w.fail(ctx, err)
	}
	w.to(stateCommitting)
	err := c.docs.Put(context.WithoutCancel(ctx), item, expectedVersion)
	if expectedVersion == 0 && errors.Is(err, ErrAlreadyExists) {
		var reclaimed bool
		if reclaimed, err = c.reclaimExpired(ctx, w, item); err == nil {
			err = ErrAlreadyExists
			if reclaimed {
				err = c.docs.Put(context.WithoutCancel(ctx), item, 0)
			}
		}
	}
	if err != nil {
		return w.fail(ctx, err)
	}
	w.commit()
	return nil
}

// reclaimExpired removes an expired document that still occupies item's id and releases
// the tuples item does not take over. It reports whether a document was removed.
func (c *Collection) reclaimExpired(ctx context.Context, w *write, item *Item) (bool, error) {
	reader, ok := c.docs.(ExpiredReader)
	if !ok {
		return false, nil
	}
	ctx = context.WithoutCancel(ctx)

	old, err := reader.GetExpired(ctx, item.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read expired document: %w", err)
	}
	if err := c.docs.Delete(ctx, old.ID, old.Version); err != nil {
		return false, fmt.Errorf("remove expired document: %w", err)
	}

	var stale []staleTuple
	for i, tuple := range uniquekey.Extract(c.policy, old.Document) {
		if c.holds(item, i, tuple, old.Partition) {
			continue
		}
		stale = append(stale, staleTuple{def: i, tuple: tuple})
	}
	w.release(ctx, old.Partition, stale)
	c.logger.Info("reclaimed expired document",
		zap.String("collection", c.cfg.Collection),
		zap.String("id", old.ID),
		zap.Int64("version", old.Version),
	)
	return true, nil
}
