package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/mwcore/internal/wire"
)

func TestRegisterAssignsID(t *testing.T) {
	r := NewRegistry("app", NewIDGenerator())
	lep, err := r.Register(Endpoint{Kind: wire.KindSRC, Name: "ep_source"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(lep.ID) != idLen {
		t.Errorf("id length = %d, want %d", len(lep.ID), idLen)
	}
	got, ok := r.Get(lep.ID)
	if !ok || got != lep {
		t.Fatal("Get did not return the registered endpoint")
	}
}

func TestRegisterRejectsMissingKind(t *testing.T) {
	r := NewRegistry("app", NewIDGenerator())
	if _, err := r.Register(Endpoint{Name: "bad"}); err == nil {
		t.Fatal("expected error for missing kind")
	}
}

func TestRemoveUnknownIsNotFound(t *testing.T) {
	r := NewRegistry("app", NewIDGenerator())
	if err := r.Remove("nonexistent"); err == nil {
		t.Fatal("expected not-found error")
	}
}

// TestIDUniquenessUnderConcurrency: across many concurrent creations, no
// collision and every id is 10 characters.
func TestIDUniquenessUnderConcurrency(t *testing.T) {
	const n = 20000 // scaled down from 10^5 to keep unit tests fast
	gen := NewIDGenerator()
	ids := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.NewID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		if len(id) != idLen {
			t.Fatalf("id %q has length %d, want %d", id, len(id), idLen)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestQueuingEndpointFetchMessage(t *testing.T) {
	r := NewRegistry("app", NewIDGenerator())
	lep, err := r.Register(Endpoint{Kind: wire.KindSNK, Queuing: true})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := wire.Message{Status: wire.StatusMSG, MsgID: "0000000001", Body: []byte(`{"v":1}`)}
	if !lep.EnqueueMessage(msg) {
		t.Fatal("enqueue should have succeeded")
	}
	if lep.MoreMessages() != 1 {
		t.Fatalf("MoreMessages = %d, want 1", lep.MoreMessages())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := lep.FetchMessage(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(got.Body) != `{"v":1}` {
		t.Errorf("body = %q", got.Body)
	}
}

func TestFetchMessageTimesOutWhenEmpty(t *testing.T) {
	r := NewRegistry("app", NewIDGenerator())
	lep, _ := r.Register(Endpoint{Kind: wire.KindSNK, Queuing: true})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := lep.FetchMessage(ctx); err == nil {
		t.Fatal("expected timeout error on empty queue")
	}
}

func TestAccessSubjectEnforcement(t *testing.T) {
	r := NewRegistry("app", NewIDGenerator())
	lep, _ := r.Register(Endpoint{Kind: wire.KindSNK})

	if !lep.AccessAllowed("anyone") {
		t.Fatal("empty access set should allow everyone")
	}

	lep.SetAccess([]string{"alice", "bob"})
	if lep.AccessAllowed("mallory") {
		t.Fatal("mallory should be denied")
	}
	if !lep.AccessAllowed("alice") {
		t.Fatal("alice should be allowed")
	}

	lep.ResetAccess()
	if !lep.AccessAllowed("mallory") {
		t.Fatal("after reset, everyone should be allowed again")
	}
}

func TestManifestIncludesEndpoints(t *testing.T) {
	r := NewRegistry("myapp", NewIDGenerator())
	if _, err := r.Register(Endpoint{Kind: wire.KindSRC, Name: "ep_source"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	blob, err := r.Manifest()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("expected non-empty manifest")
	}
}
