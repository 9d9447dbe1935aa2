package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/unikey/uniquekey"
)

// --- Op and writeState ---

func TestOp_String(t *testing.T) {
	tests := map[Op]string{
		OpCreate:  "create",
		OpUpsert:  "upsert",
		OpReplace: "replace",
		OpDelete:  "delete",
		OpRelease: "release",
		Op(42):    "op(42)",
	}
	for op, want := range tests {
		if got := op.String(); got != want {
			t.Errorf("Op(%d).String() = %q, want %q", uint8(op), got, want)
		}
	}
}

func TestWriteState_String(t *testing.T) {
	if got := stateRolledBack.String(); got != "rolledBack" {
		t.Errorf("expected 'rolledBack', got %q", got)
	}
	if got := stateKeysExtracted.String(); got != "keysExtracted" {
		t.Errorf("expected 'keysExtracted', got %q", got)
	}
}

func newTestCollection(t *testing.T, defs ...uniquekey.Definition) *Collection {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UniqueKeyPolicy = uniquekey.NewPolicy(defs...)
	c, err := New(cfg, NewMemoryDocuments(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestWrite_RejectEndsRejected(t *testing.T) {
	c := newTestCollection(t, uniquekey.NewDefinition("/name"))
	ctx := context.Background()
	name := uniquekey.Tuple{uniquekey.String("A")}

	owner := c.begin(OpCreate, "owner")
	owner.partition = "00"
	if conflict, err := owner.reserve(ctx, 0, name); conflict != nil || err != nil {
		t.Fatalf("reserve: %v %v", conflict, err)
	}
	owner.commit()
	if owner.state != stateCommitted {
		t.Errorf("expected committed, got %s", owner.state)
	}

	w := c.begin(OpCreate, "rival")
	w.partition = "00"
	conflict, err := w.reserve(ctx, 0, name)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if conflict == nil {
		t.Fatal("expected a conflict")
	}
	if conflict.Existing.DocID != "owner" {
		t.Errorf("expected existing owner, got %q", conflict.Existing.DocID)
	}
	if got := w.reject(ctx, conflict); got != error(conflict) {
		t.Errorf("expected the conflict itself, got %v", got)
	}
	if w.state != stateRejected {
		t.Errorf("expected rejected, got %s", w.state)
	}
}

func TestWrite_RollbackOnlyFreshReservations(t *testing.T) {
	c := newTestCollection(t, uniquekey.NewDefinition("/name"), uniquekey.NewDefinition("/email"))
	ctx := context.Background()
	name := uniquekey.Tuple{uniquekey.String("A")}
	email := uniquekey.Tuple{uniquekey.String("a@example.com")}

	first := c.begin(OpCreate, "doc")
	first.partition = "00"
	first.reserve(ctx, 0, name)
	first.commit()

	// Same document again: name is already owned, email is fresh.
	w := c.begin(OpReplace, "doc")
	w.partition = "00"
	w.reserve(ctx, 0, name)
	w.reserve(ctx, 1, email)
	if len(w.reserved) != 1 {
		t.Fatalf("expected 1 fresh reservation, got %d", len(w.reserved))
	}
	if err := w.rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, ok, _ := c.indexFor(0, "00").Lookup(ctx, name); !ok {
		t.Error("owned tuple must survive rollback")
	}
	if _, ok, _ := c.indexFor(1, "00").Lookup(ctx, email); ok {
		t.Error("fresh reservation must be rolled back")
	}
	if w.state != stateRolledBack {
		t.Errorf("expected rolledBack, got %s", w.state)
	}
}

func TestRollback_IgnoresCancellation(t *testing.T) {
	c := newTestCollection(t, uniquekey.NewDefinition("/name"))
	ctx, cancel := context.WithCancel(context.Background())
	name := uniquekey.Tuple{uniquekey.String("A")}

	w := c.begin(OpCreate, "doc")
	w.partition = "00"
	w.reserve(ctx, 0, name)
	cancel()

	if err := w.rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, ok, _ := c.indexFor(0, "00").Lookup(context.Background(), name); ok {
		t.Error("reservation survived rollback on a canceled context")
	}
}

// --- prepare ---

func TestPrepare_DoesNotMutateInput(t *testing.T) {
	c := newTestCollection(t)
	c.newID = func() string { return "fresh" }

	in := Document{"name": &types.AttributeValueMemberS{Value: "A"}}
	out, id, err := c.prepare(in, true)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if id != "fresh" {
		t.Errorf("expected generated id, got %q", id)
	}
	if _, ok := in[attrID]; ok {
		t.Error("input document was modified")
	}
	if got, _ := out.ID(); got != "fresh" {
		t.Errorf("expected id attribute 'fresh', got %q", got)
	}
}

func TestPrepare_RequiresIDWithoutGenerate(t *testing.T) {
	c := newTestCollection(t)
	if _, _, err := c.prepare(Document{}, false); err != ErrMissingID {
		t.Errorf("expected ErrMissingID, got %v", err)
	}
}

// --- TTL ---

func TestTTLOf(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want time.Duration
	}{
		{"absent", Document{}, 0},
		{"seconds", Document{"ttl": &types.AttributeValueMemberN{Value: "90"}}, 90 * time.Second},
		{"zero", Document{"ttl": &types.AttributeValueMemberN{Value: "0"}}, 0},
		{"negative", Document{"ttl": &types.AttributeValueMemberN{Value: "-1"}}, 0},
		{"fractional", Document{"ttl": &types.AttributeValueMemberN{Value: "1.5"}}, 0},
		{"string", Document{"ttl": &types.AttributeValueMemberS{Value: "90"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TTLOf(tt.doc); got != tt.want {
				t.Errorf("TTLOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	at := func(ts int64) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			attrExpiresAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(ts, 10)},
		}
	}

	if IsExpired(map[string]types.AttributeValue{}, now) {
		t.Error("record without expiry should not be expired")
	}
	if !IsExpired(at(now.Unix()-1), now) {
		t.Error("past expiry should be expired")
	}
	if !IsExpired(at(now.Unix()), now) {
		t.Error("expiry equal to now should be expired")
	}
	if IsExpired(at(now.Unix()+3600), now) {
		t.Error("future expiry should not be expired")
	}
	if IsExpired(map[string]types.AttributeValue{attrExpiresAt: &types.AttributeValueMemberN{Value: "soon"}}, now) {
		t.Error("unparseable expiry should not be expired")
	}
}
