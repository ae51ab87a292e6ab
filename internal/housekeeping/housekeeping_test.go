package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/basket/mwcore/internal/mapper"
	"github.com/basket/mwcore/internal/streamep"
)

func TestSweepFinalizesStaleMappings(t *testing.T) {
	tbl := mapper.NewTable()
	tbl.RegisterTransport("tcp", func(module, address string) (int, error) { return 1, nil })
	h, err := tbl.MapModule("ep1", "tcp", "1.2.3.4:9", nil, nil)
	if err != nil {
		t.Fatalf("MapModule: %v", err)
	}
	tbl.Unmap("ep1", "1.2.3.4:9")

	s := New(Config{Mapper: tbl, StaleAfter: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	s.sweep(context.Background())

	if _, ok := tbl.Lookup(h); ok {
		t.Fatal("mapping should have been finalized by the sweep")
	}
}

func TestSweepClosesOrphanedStreamPipes(t *testing.T) {
	reg := streamep.NewRegistry()
	if _, err := reg.Open("ep1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s := New(Config{Pipes: reg, StaleAfter: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	s.sweep(context.Background())

	if _, ok := reg.Get("ep1"); ok {
		t.Fatal("pipe should have been closed by the sweep")
	}
}

func TestSweepIgnoresFreshState(t *testing.T) {
	tbl := mapper.NewTable()
	tbl.RegisterTransport("tcp", func(module, address string) (int, error) { return 1, nil })
	h, err := tbl.MapModule("ep1", "tcp", "1.2.3.4:9", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tbl.Unmap("ep1", "1.2.3.4:9")

	s := New(Config{Mapper: tbl, StaleAfter: time.Hour})
	s.sweep(context.Background())

	if _, ok := tbl.Lookup(h); !ok {
		t.Fatal("mapping marked pending teardown a moment ago should survive a sweep with a 1h stale threshold")
	}
}
