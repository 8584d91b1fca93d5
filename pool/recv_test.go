package pool

import "testing"

func TestRecvPoolPostedHeldInvariant(t *testing.T) {
	const r = 8
	p := NewRecvPool(1, r, 256)
	if p.PostedCount() != r || p.HeldCount() != 0 {
		t.Fatalf("expected all %d items posted initially", r)
	}

	item := p.OnCompletion(3)
	if item.Index != 3 {
		t.Fatalf("expected item 3, got %d", item.Index)
	}
	if p.PostedCount()+p.HeldCount() != r {
		t.Fatal("posted+held must equal R")
	}
	if p.HeldCount() != 1 {
		t.Fatalf("expected 1 held item, got %d", p.HeldCount())
	}

	p.Recycle(3)
	if p.PostedCount() != r || p.HeldCount() != 0 {
		t.Fatal("expected item back to fully posted state after recycle")
	}
}

func TestRecvPoolDoubleCompletionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected double completion on same item to panic")
		}
	}()
	p := NewRecvPool(1, 4, 64)
	p.OnCompletion(0)
	p.OnCompletion(0)
}

func TestRecvPoolRecycleWithoutHoldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected recycle of a non-held item to panic")
		}
	}()
	p := NewRecvPool(1, 4, 64)
	p.Recycle(0)
}
