package marks

import (
	"sync"
	"testing"
)

func TestLedger_AppendOrderAndCopy(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	l.Append(RecordingStart, nil)
	l.Append(WindowOpen, map[string]string{"turn": "1"})
	l.Append(WindowClose, nil)

	got := l.Marks()
	if len(got) != 3 {
		t.Fatalf("got %d marks, want 3", len(got))
	}
	if got[0].Type != RecordingStart || got[1].Type != WindowOpen || got[2].Type != WindowClose {
		t.Fatalf("order broken: %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[1].Meta["turn"] != "1" {
		t.Fatalf("meta lost: %v", got[1].Meta)
	}

	// Mutating the returned slice must not affect the ledger.
	got[0].Type = Timeout
	if l.Marks()[0].Type != RecordingStart {
		t.Fatal("Marks returned a live reference")
	}
}

func TestLedger_SegmentFolding(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	l.Append(RecordingStart, nil)
	l.Append(WindowOpen, nil)
	l.Append(TalkStart, nil) // already open: ignored
	l.Append(DeltaActivity, nil)
	l.Append(IntentFinal, nil)
	l.Append(WindowClose, nil) // no open segment: ignored
	l.Append(TalkStart, nil)
	l.Append(Timeout, nil)
	l.Append(TalkStart, nil) // left open

	segs := l.Segments()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}
	if !segs[0].Closed || segs[0].CloseBy != IntentFinal {
		t.Fatalf("segment 0: %+v", segs[0])
	}
	if !segs[1].Closed || segs[1].CloseBy != Timeout {
		t.Fatalf("segment 1: %+v", segs[1])
	}
	if segs[2].Closed {
		t.Fatalf("segment 2 should remain open: %+v", segs[2])
	}
}

func TestLedger_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for range 200 {
			l.Append(DeltaActivity, nil)
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			_ = l.Segments()
			_ = l.Len()
		}
	}()
	wg.Wait()

	if l.Len() != 200 {
		t.Fatalf("got %d marks, want 200", l.Len())
	}
}
