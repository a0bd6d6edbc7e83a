package telemetry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func hdr(total, index uint16) Header {
	return Header{SystemID: 0x09, TotalFragments: total, FragmentIndex: index}
}

func TestReassembly_OutOfOrderScenario(t *testing.T) {
	r := NewReassembly(6, 2)

	steps := []struct {
		index   uint16
		payload []byte
		want    Outcome
	}{
		{2, []byte{0xAA, 0xBB}, InProgress},
		{1, []byte{0x11, 0x22}, InProgress},
		{3, []byte{0xCC, 0xDD}, Complete},
	}
	for _, s := range steps {
		got, err := r.Accept(hdr(3, s.index), s.payload)
		if err != nil {
			t.Fatalf("Accept(%d): %v", s.index, err)
		}
		if got != s.want {
			t.Fatalf("Accept(%d) = %v, want %v", s.index, got, s.want)
		}
	}

	want := []byte{0x11, 0x22, 0xAA, 0xBB, 0xCC, 0xDD}
	if diff := cmp.Diff(want, r.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestReassembly_OutOfRangeLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name string
		h    Header
	}{
		{"index zero", hdr(3, 0)},
		{"index beyond total", hdr(3, 4)},
		{"index beyond capacity", hdr(9, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReassembly(6, 2)
			if _, err := r.Accept(hdr(3, 2), []byte{0xAA, 0xBB}); err != nil {
				t.Fatal(err)
			}
			beforeSet := r.ReceivedSet()
			beforeFrame := append([]byte(nil), r.Frame()...)

			got, err := r.Accept(tt.h, []byte{0xEE, 0xEE})
			if got != Rejected {
				t.Errorf("outcome = %v, want Rejected", got)
			}
			if !errors.Is(err, ErrFragmentIndexOutOfRange) {
				t.Errorf("err = %v, want ErrFragmentIndexOutOfRange", err)
			}
			if diff := cmp.Diff(beforeSet, r.ReceivedSet()); diff != "" {
				t.Errorf("received set changed (-before +after):\n%s", diff)
			}
			if diff := cmp.Diff(beforeFrame, r.Frame()); diff != "" {
				t.Errorf("buffer changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestReassembly_RejectOnFreshState(t *testing.T) {
	r := NewReassembly(6, 2)
	if got, _ := r.Accept(hdr(3, 4), []byte{1, 2}); got != Rejected {
		t.Fatalf("outcome = %v, want Rejected", got)
	}
	if r.Received() != 0 || r.Pending() {
		t.Errorf("received = %d pending = %v, want empty state", r.Received(), r.Pending())
	}
}

func TestReassembly_DuplicateOverwrites(t *testing.T) {
	r := NewReassembly(6, 2)

	if got, _ := r.Accept(hdr(3, 1), []byte{0x01, 0x02}); got != InProgress {
		t.Fatalf("first delivery = %v", got)
	}
	if got, _ := r.Accept(hdr(3, 1), []byte{0x11, 0x22}); got != InProgress {
		t.Fatalf("duplicate delivery = %v, want InProgress", got)
	}
	if r.Received() != 1 {
		t.Errorf("Received = %d after duplicate, want 1", r.Received())
	}
	if got, _ := r.Accept(hdr(3, 2), []byte{0x33, 0x44}); got != InProgress {
		t.Fatalf("fragment 2 = %v, want InProgress", got)
	}
	if got, _ := r.Accept(hdr(3, 3), []byte{0x55, 0x66}); got != Complete {
		t.Fatalf("fragment 3 = %v, want Complete", got)
	}

	want := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	if diff := cmp.Diff(want, r.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestReassembly_DuplicateDoesNotTouchOtherSlots(t *testing.T) {
	r := NewReassembly(6, 2)
	r.Accept(hdr(3, 1), []byte{0x11, 0x22})
	r.Accept(hdr(3, 3), []byte{0xCC, 0xDD})
	r.Accept(hdr(3, 3), []byte{0xCC, 0xDD})
	r.Accept(hdr(3, 1), []byte{0x11, 0x22})

	if r.Complete() {
		t.Fatal("duplicates completed the frame")
	}
	want := []byte{0x11, 0x22, 0x00, 0x00, 0xCC, 0xDD}
	if diff := cmp.Diff(want, r.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestReassembly_CompletesForEveryPermutation(t *testing.T) {
	payloads := [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10}}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	for _, order := range permutations([]int{0, 1, 2, 3}) {
		r := NewReassembly(10, 3)
		completions := 0
		for _, i := range order {
			got, err := r.Accept(hdr(4, uint16(i+1)), payloads[i])
			if err != nil {
				t.Fatalf("order %v: %v", order, err)
			}
			if got == Complete {
				completions++
			}
		}
		if completions != 1 {
			t.Errorf("order %v: %d completions, want 1", order, completions)
		}
		if diff := cmp.Diff(want, r.Frame()); diff != "" {
			t.Errorf("order %v: frame mismatch (-want +got):\n%s", order, diff)
		}
	}
}

func TestReassembly_TruncatesOversizePayloadAtFrameEnd(t *testing.T) {
	r := NewReassembly(5, 2)

	// An oversize middle fragment is copied whole up to the frame end.
	r.Accept(hdr(3, 2), []byte{0xAA, 0xBB, 0xFF, 0xFF})
	if diff := cmp.Diff([]byte{0x00, 0x00, 0xAA, 0xBB, 0xFF}, r.Frame()); diff != "" {
		t.Errorf("frame after oversize fragment (-want +got):\n%s", diff)
	}

	// The final slot holds one byte and overwrites the spill.
	r.Accept(hdr(3, 3), []byte{0xCC, 0xDD, 0xEE})
	got, _ := r.Accept(hdr(3, 1), []byte{0x11, 0x22})
	if got != Complete {
		t.Fatalf("outcome = %v, want Complete", got)
	}

	want := []byte{0x11, 0x22, 0xAA, 0xBB, 0xCC}
	if diff := cmp.Diff(want, r.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestReassembly_Reset(t *testing.T) {
	r := NewReassembly(4, 2)
	r.Accept(hdr(2, 1), []byte{1, 2})
	if !r.Pending() || !r.Has(1) || r.Has(2) {
		t.Fatalf("unexpected state before reset: %v", r.ReceivedSet())
	}

	r.Reset()
	if r.Pending() || r.Received() != 0 || r.Has(1) {
		t.Errorf("state not cleared: %v", r.ReceivedSet())
	}
	if diff := cmp.Diff([]byte{0, 0, 0, 0}, r.Frame()); diff != "" {
		t.Errorf("buffer not zeroed (-want +got):\n%s", diff)
	}
}

func TestOutcome_String(t *testing.T) {
	if InProgress.String() != "in-progress" || Complete.String() != "complete" || Rejected.String() != "rejected" {
		t.Error("unexpected outcome names")
	}
	if Outcome(99).String() != "outcome(99)" {
		t.Errorf("unknown outcome = %q", Outcome(99).String())
	}
}

func permutations(xs []int) [][]int {
	if len(xs) <= 1 {
		return [][]int{append([]int(nil), xs...)}
	}
	var out [][]int
	for i := range xs {
		rest := make([]int, 0, len(xs)-1)
		rest = append(rest, xs[:i]...)
		rest = append(rest, xs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{xs[i]}, p...))
		}
	}
	return out
}
