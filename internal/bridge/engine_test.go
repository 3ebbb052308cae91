package bridge

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kstaniek/go-can-bridge/internal/can"
)

type recSink struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
}

func (s *recSink) SendFrame(fr can.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, fr)
	s.mu.Unlock()
	return s.err
}

func (s *recSink) Frames() []can.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]can.Frame(nil), s.frames...)
}

type rig struct {
	eng        *Engine
	a, b, host *recSink
}

func newRig(opts ...Option) *rig {
	r := &rig{a: &recSink{}, b: &recSink{}, host: &recSink{}}
	base := []Option{
		WithOutput(IfaceA, r.a),
		WithOutput(IfaceB, r.b),
		WithOutput(IfaceHost, r.host),
	}
	r.eng = New(append(base, opts...)...)
	return r
}

func cmdFrame(mode CommandMode, act Action, id uint32) can.Frame {
	return EncodeCommand(DefaultControlID, Command{Mode: mode, Action: act, ID: id})
}

func TestEngineInitialState(t *testing.T) {
	e := New()
	if e.Mode() != ModePassive || !e.Enabled() {
		t.Fatalf("unexpected initial state mode=%s enabled=%v", e.Mode(), e.Enabled())
	}
	want := Status{
		Mode:    "passive",
		Enabled: true,
		Lists: map[string][]string{
			"whitelist": {}, "blacklist": {}, "exception": {}, "one_way_restricted": {},
		},
	}
	if diff := cmp.Diff(want, e.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineWhitelistScenario(t *testing.T) {
	r := newRig()
	if v := r.eng.HandleInbound(IfaceA, cmdFrame(CmdWhitelist, ActSetMode, 0)); v != ControlFrame {
		t.Fatalf("set mode verdict %s", v)
	}
	if v := r.eng.HandleInbound(IfaceA, cmdFrame(CmdWhitelist, ActAddID, 0x200)); v != ControlFrame {
		t.Fatalf("add id verdict %s", v)
	}
	if r.eng.Mode() != ModeWhitelist {
		t.Fatalf("mode = %s", r.eng.Mode())
	}

	pass := can.New(0x200, 1, 2)
	if v := r.eng.HandleInbound(IfaceA, pass); v != Forwarded {
		t.Fatalf("0x200 verdict %s", v)
	}
	if v := r.eng.HandleInbound(IfaceA, can.New(0x201, 1, 2)); v != FilteredOut {
		t.Fatalf("0x201 verdict %s", v)
	}
	if diff := cmp.Diff([]can.Frame{pass}, r.b.Frames()); diff != "" {
		t.Fatalf("bus B frames (-want +got):\n%s", diff)
	}
	if len(r.a.Frames()) != 0 || len(r.host.Frames()) != 0 {
		t.Fatalf("unexpected traffic a=%v host=%v", r.a.Frames(), r.host.Frames())
	}
}

func TestEngineChecksumFailureSendsOneFeedback(t *testing.T) {
	r := newRig()
	r.eng.Apply(Command{Mode: CmdBlacklist, Action: ActAddID, ID: 0x33})
	before := r.eng.Snapshot()

	bad := cmdFrame(CmdWhitelist, ActSetModeAddID, 0x200)
	bad.Data[7] ^= 0xFF
	if v := r.eng.HandleInbound(IfaceB, bad); v != ControlFrame {
		t.Fatalf("verdict %s", v)
	}

	want := []can.Frame{FeedbackFrame(DefaultFeedbackID, bad)}
	if diff := cmp.Diff(want, r.host.Frames()); diff != "" {
		t.Fatalf("host frames (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, r.eng.Snapshot()); diff != "" {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
	if len(r.a.Frames())+len(r.b.Frames()) != 0 {
		t.Fatalf("control frames must never be forwarded")
	}
}

func TestEngineShortControlFrameIsMalformed(t *testing.T) {
	r := newRig()
	r.eng.HandleInbound(IfaceA, can.New(DefaultControlID, 0x03, 0x01))
	if n := len(r.host.Frames()); n != 1 {
		t.Fatalf("expected 1 feedback frame, got %d", n)
	}
}

func TestEngineDisabledScenario(t *testing.T) {
	r := newRig()
	r.eng.HandleInbound(IfaceA, cmdFrame(CmdTurnOff, ActConfirm, 0))
	if r.eng.Enabled() {
		t.Fatalf("expected bridge disabled")
	}

	r.eng.HandleInbound(IfaceA, cmdFrame(CmdZeroToOne, ActSetMode, 0))
	if r.eng.Mode() != ModePassive {
		t.Fatalf("command applied while disabled: mode=%s", r.eng.Mode())
	}
	if len(r.host.Frames()) != 0 {
		t.Fatalf("disabled commands must not produce feedback")
	}
	if v := r.eng.HandleInbound(IfaceA, can.New(0x10)); v != Disabled {
		t.Fatalf("data verdict while disabled: %s", v)
	}

	if res := r.eng.Apply(Command{Mode: CmdTurnOn, Action: ActSetMode}); res != ResultUnconfirmed {
		t.Fatalf("unconfirmed turn on result %s", res)
	}
	r.eng.HandleInbound(IfaceB, cmdFrame(CmdTurnOn, ActConfirm, 0))
	if !r.eng.Enabled() {
		t.Fatalf("expected bridge enabled")
	}
	r.eng.HandleInbound(IfaceA, cmdFrame(CmdZeroToOne, ActSetMode, 0))
	if r.eng.Mode() != ModeZeroToOne {
		t.Fatalf("mode after re-enable = %s", r.eng.Mode())
	}
}

func TestEngineForwardWhenDisabled(t *testing.T) {
	r := newRig(WithForwardWhenDisabled(true))
	r.eng.Apply(Command{Mode: CmdTurnOff, Action: ActConfirm})
	if v := r.eng.HandleInbound(IfaceB, can.New(0x10, 1)); v != Forwarded {
		t.Fatalf("verdict %s", v)
	}
	if len(r.a.Frames()) != 1 {
		t.Fatalf("expected frame on A")
	}
}

func TestEngineBidirectionalExceptScenario(t *testing.T) {
	r := newRig()
	r.eng.HandleInbound(IfaceA, cmdFrame(CmdBidirExcept0to1, ActSetModeAddID, 0x300))

	cases := []struct {
		src  Interface
		id   uint32
		want Verdict
	}{
		{IfaceA, 0x300, Forwarded},
		{IfaceB, 0x300, FilteredOut},
		{IfaceA, 0x999, Forwarded},
		{IfaceB, 0x999, Forwarded},
	}
	for i, tc := range cases {
		// distinct payloads keep forwarded frames from matching as echoes
		fr := can.New(tc.id, byte(i))
		if v := r.eng.HandleInbound(tc.src, fr); v != tc.want {
			t.Errorf("src=%s id=0x%X: verdict %s want %s", tc.src, tc.id, v, tc.want)
		}
	}
}

func TestEngineDropsEcho(t *testing.T) {
	r := newRig()
	fr := can.New(0x123, 1, 2, 3)
	if v := r.eng.HandleInbound(IfaceA, fr); v != Forwarded {
		t.Fatalf("verdict %s", v)
	}
	if v := r.eng.HandleInbound(IfaceB, fr); v != Echo {
		t.Fatalf("reflection verdict %s", v)
	}
	if len(r.a.Frames()) != 0 {
		t.Fatalf("echo bounced back to A")
	}
}

func TestEngineFeedbackOnBusIsEchoSuppressed(t *testing.T) {
	r := newRig(WithFeedbackOn(IfaceA))
	bad := can.New(DefaultControlID, 1, 2, 3, 4, 5, 6, 7, 0)
	r.eng.HandleInbound(IfaceB, bad)

	fb := FeedbackFrame(DefaultFeedbackID, bad)
	if diff := cmp.Diff([]can.Frame{fb}, r.a.Frames()); diff != "" {
		t.Fatalf("bus A frames (-want +got):\n%s", diff)
	}
	if v := r.eng.HandleInbound(IfaceA, fb); v != Echo {
		t.Fatalf("feedback reflection verdict %s", v)
	}
}

func TestEngineHandleHost(t *testing.T) {
	r := newRig()
	if v := r.eng.HandleHost(can.New(0x10)); v != NotControl {
		t.Fatalf("data from host verdict %s", v)
	}
	if v := r.eng.HandleHost(cmdFrame(CmdOneToZero, ActSetMode, 0)); v != ControlFrame {
		t.Fatalf("command from host verdict %s", v)
	}
	if r.eng.Mode() != ModeOneToZero {
		t.Fatalf("mode = %s", r.eng.Mode())
	}
}

func TestEngineCustomControlID(t *testing.T) {
	r := newRig(WithControlID(0x7E0), WithFeedbackID(0x7E1))
	cmd := EncodeCommand(0x7E0, Command{Mode: CmdBlacklist, Action: ActSetMode})
	if v := r.eng.HandleInbound(IfaceA, cmd); v != ControlFrame {
		t.Fatalf("verdict %s", v)
	}
	// default control id is plain traffic now
	if v := r.eng.HandleInbound(IfaceA, cmdFrame(CmdPassive, ActSetMode, 0)); v != Forwarded {
		t.Fatalf("0x700 verdict %s", v)
	}
	if r.eng.Mode() != ModeBlacklist {
		t.Fatalf("mode = %s", r.eng.Mode())
	}
}

func TestEngineExtendedControlID(t *testing.T) {
	const ctrl, fb = 0x18FF0000, 0x18FF0001
	r := newRig(WithControlID(ctrl), WithFeedbackID(fb))
	cmd := EncodeCommand(ctrl, Command{Mode: CmdWhitelist, Action: ActSetMode})
	if !cmd.Extended() || cmd.ID() != ctrl {
		t.Fatalf("control frame %s", cmd)
	}
	if v := r.eng.HandleInbound(IfaceB, cmd); v != ControlFrame {
		t.Fatalf("verdict %s", v)
	}
	if r.eng.Mode() != ModeWhitelist {
		t.Fatalf("mode = %s", r.eng.Mode())
	}

	bad := EncodeCommand(ctrl, Command{Mode: CmdPassive, Action: ActSetMode})
	bad.Data[7] ^= 0xFF
	r.eng.HandleInbound(IfaceA, bad)
	got := r.host.Frames()
	if len(got) != 1 || !got[0].Extended() || got[0].ID() != fb {
		t.Fatalf("feedback frames %v", got)
	}
	if len(r.a.Frames())+len(r.b.Frames()) != 0 {
		t.Fatalf("control frames must never be forwarded")
	}
}

func TestEngineEdgeVerdicts(t *testing.T) {
	e := New()
	if v := e.HandleInbound(IfaceHost, can.New(0x1)); v != InvalidInterface {
		t.Fatalf("host inbound verdict %s", v)
	}
	if v := e.HandleInbound(IfaceA, can.New(0x1)); v != NoOutput {
		t.Fatalf("no-output verdict %s", v)
	}

	r := newRig()
	r.b.err = errors.New("bus off")
	if v := r.eng.HandleInbound(IfaceA, can.New(0x1)); v != Forwarded {
		t.Fatalf("transmit errors are the transport's concern, got %s", v)
	}
}

func TestEngineApplyResults(t *testing.T) {
	e := New()
	for i := 0; i < ListCapacity; i++ {
		if res := e.Apply(Command{Mode: CmdOW1to0Except, Action: ActAddID, ID: uint32(i)}); res != ResultApplied {
			t.Fatalf("add %d: %s", i, res)
		}
	}
	cases := []struct {
		cmd  Command
		want CommandResult
	}{
		{Command{Mode: CmdOW1to0Except, Action: ActAddID, ID: 0x999}, ResultRejected},
		{Command{Mode: CmdOW1to0Except, Action: ActRemoveID, ID: 0x999}, ResultRejected},
		{Command{Mode: CmdOW1to0Except, Action: ActRemoveID, ID: 0x3}, ResultApplied},
		{Command{Mode: CmdWhitelist, Action: Action(0x77)}, ResultUnknown},
		{Command{Mode: CommandMode(0x42), Action: ActSetMode}, ResultUnknown},
		{Command{Mode: CmdOW0to1Except, Action: ActSetModeAndClear}, ResultApplied},
	}
	for _, tc := range cases {
		if got := e.Apply(tc.cmd); got != tc.want {
			t.Errorf("%s/%s: got %s want %s", tc.cmd.Mode, tc.cmd.Action, got, tc.want)
		}
	}
	if e.Mode() != ModeOneWay0to1Except || len(e.ListIDs(ListException)) != 0 {
		t.Fatalf("set+clear left mode=%s exception=%v", e.Mode(), e.ListIDs(ListException))
	}
}

func TestEngineConcurrentInbound(t *testing.T) {
	r := newRig()
	var wg sync.WaitGroup
	worker := func(src Interface, base uint32) {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.eng.HandleInbound(src, can.New(base+uint32(i%50), byte(i)))
		}
	}
	wg.Add(3)
	go worker(IfaceA, 0x100)
	go worker(IfaceB, 0x200)
	go func() {
		defer wg.Done()
		modes := []CommandMode{CmdWhitelist, CmdBlacklist, CmdBidirExcept1to0, CmdPassive}
		for i := 0; i < 200; i++ {
			m := modes[i%len(modes)]
			r.eng.HandleInbound(IfaceA, cmdFrame(m, ActSetModeAddID, 0x100+uint32(i%50)))
			r.eng.Apply(Command{Mode: m, Action: ActClearList})
			_ = r.eng.Snapshot()
		}
	}()
	wg.Wait()

	for _, k := range []ListKind{ListWhitelist, ListBlacklist, ListOneWayRestricted} {
		if n := len(r.eng.ListIDs(k)); n > ListCapacity {
			t.Fatalf("%s exceeded capacity: %d", k, n)
		}
	}
}
