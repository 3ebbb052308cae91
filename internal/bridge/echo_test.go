package bridge

import (
	"testing"

	"github.com/kstaniek/go-can-bridge/internal/can"
)

func TestEchoRecordAndEvict(t *testing.T) {
	tr := NewEchoTracker()
	f := can.New(0x123, 1, 2, 3)
	tr.Record(IfaceA, f)

	if !tr.IsEcho(IfaceA, f) {
		t.Fatalf("expected echo on A")
	}
	if tr.IsEcho(IfaceB, f) {
		t.Fatalf("frame recorded on A must not match on B")
	}
	for i := 0; i < EchoDepth; i++ {
		tr.Record(IfaceA, can.New(0x400+uint32(i), byte(i)))
	}
	if tr.IsEcho(IfaceA, f) {
		t.Fatalf("expected original frame to be evicted after %d recordings", EchoDepth)
	}
}

func TestEchoKeepsLastDepthFrames(t *testing.T) {
	tr := NewEchoTracker()
	for i := 0; i < EchoDepth+2; i++ {
		tr.Record(IfaceB, can.New(0x10+uint32(i)))
	}
	for i := 0; i < EchoDepth+2; i++ {
		want := i >= 2
		if got := tr.IsEcho(IfaceB, can.New(0x10+uint32(i))); got != want {
			t.Fatalf("frame %d: IsEcho=%v want %v", i, got, want)
		}
	}
}

func TestEchoComparesOnlyValidBytes(t *testing.T) {
	tr := NewEchoTracker()
	a := can.New(0x55, 9, 9)
	a.Data[5] = 0xEE // garbage past Len
	tr.Record(IfaceA, a)

	if !tr.IsEcho(IfaceA, can.New(0x55, 9, 9)) {
		t.Fatalf("bytes past Len must not affect matching")
	}
	if tr.IsEcho(IfaceA, can.New(0x55, 9, 9, 0)) {
		t.Fatalf("different length must not match")
	}
	if tr.IsEcho(IfaceA, can.New(0x55, 9, 8)) {
		t.Fatalf("different payload must not match")
	}
}

func TestEchoEmptyAndUnknownInterface(t *testing.T) {
	tr := NewEchoTracker()
	// zero frame must not match the zeroed initial slots
	if tr.IsEcho(IfaceA, can.Frame{}) {
		t.Fatalf("empty tracker reported an echo")
	}
	tr.Record(IfaceHost, can.New(0x1))
	tr.Record(Interface(9), can.New(0x1))
	if tr.IsEcho(IfaceHost, can.New(0x1)) || tr.IsEcho(Interface(9), can.New(0x1)) {
		t.Fatalf("unknown interfaces must never report echoes")
	}
}

func TestEchoReset(t *testing.T) {
	tr := NewEchoTracker()
	f := can.New(0x77, 1)
	tr.Record(IfaceA, f)
	tr.Record(IfaceB, f)
	tr.Reset()
	if tr.IsEcho(IfaceA, f) || tr.IsEcho(IfaceB, f) {
		t.Fatalf("expected no echoes after Reset")
	}
}
