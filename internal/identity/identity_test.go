package identity

import (
	"testing"
)

func TestCreateRenameDelete(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pub, err := r.Create("alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := r.Create("alice"); err != ErrNameInUse {
		t.Fatalf("expected ErrNameInUse, got %v", err)
	}

	if err := r.Rename("bob", "carol"); err != ErrNoSuchEgo {
		t.Fatalf("expected ErrNoSuchEgo, got %v", err)
	}

	if err := r.Rename("alice", "alice2"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	gotSK, gotPub, ok := r.Zone("alice2")
	if !ok || !gotPub.Equal(pub) {
		t.Fatalf("renamed zone mismatch: ok=%v pub=%v", ok, gotPub)
	}
	_ = gotSK

	if err := r.Delete("alice2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, ok := r.Zone("alice2"); ok {
		t.Fatal("expected zone to be gone after delete")
	}
	if err := r.Delete("alice2"); err != ErrNoSuchEgo {
		t.Fatalf("expected ErrNoSuchEgo on double delete, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pub, err := r.Create("root")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	_, gotPub, ok := reopened.Zone("root")
	if !ok || !gotPub.Equal(pub) {
		t.Fatalf("expected ego to survive reopen: ok=%v pub=%v", ok, gotPub)
	}
}

func TestSubscribeDeliversExistingThenDeltas(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Create("existing"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	first := <-events
	if first.Kind != EventCreated || first.Ego != "existing" {
		t.Fatalf("expected initial sync event for existing ego, got %+v", first)
	}

	if _, err := r.Create("new"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	second := <-events
	if second.Kind != EventCreated || second.Ego != "new" {
		t.Fatalf("expected delta event for new ego, got %+v", second)
	}
}
