package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-bridge/internal/can"
	"github.com/kstaniek/go-can-bridge/internal/logging"
	"github.com/kstaniek/go-can-bridge/internal/metrics"
	"github.com/kstaniek/go-can-bridge/internal/transport"
)

// Verdict is the outcome of handling one inbound frame.
type Verdict uint8

const (
	Forwarded Verdict = iota
	FilteredOut
	Echo
	ControlFrame
	Disabled
	InvalidInterface
	NotControl
	NoOutput
)

func (v Verdict) String() string {
	switch v {
	case Forwarded:
		return "forwarded"
	case FilteredOut:
		return "filtered"
	case Echo:
		return "echo"
	case ControlFrame:
		return "command"
	case Disabled:
		return "disabled"
	case InvalidInterface:
		return "invalid_interface"
	case NotControl:
		return "not_control"
	case NoOutput:
		return "no_output"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// CommandResult is the outcome of applying one control frame.
type CommandResult uint8

const (
	ResultApplied CommandResult = iota
	// ResultRejected: list add/remove refused (full, duplicate or absent).
	ResultRejected
	ResultUnknown
	ResultUnconfirmed
	ResultDisabled
	ResultMalformed
)

func (r CommandResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultRejected:
		return "rejected"
	case ResultUnknown:
		return "unknown"
	case ResultUnconfirmed:
		return "unconfirmed"
	case ResultDisabled:
		return "disabled"
	case ResultMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Engine owns the bridge configuration and decides the fate of every inbound
// frame. HandleInbound may be called concurrently from one goroutine per
// interface.
type Engine struct {
	controlID           uint32
	feedbackID          uint32
	forwardWhenDisabled bool
	feedbackTo          Interface

	mode    atomic.Uint32
	enabled atomic.Bool
	lists   Lists
	echo    *EchoTracker

	// cmdMu serializes command application; the data path never takes it.
	cmdMu sync.Mutex

	out    [3]atomic.Pointer[output]
	logger *slog.Logger
}

type output struct{ sink transport.FrameSink }

// Option configures an Engine.
type Option func(*Engine)

func WithControlID(id uint32) Option  { return func(e *Engine) { e.controlID = id } }
func WithFeedbackID(id uint32) Option { return func(e *Engine) { e.feedbackID = id } }

// WithForwardWhenDisabled keeps data forwarding running while the bridge is
// turned off; only command processing is then gated.
func WithForwardWhenDisabled(on bool) Option {
	return func(e *Engine) { e.forwardWhenDisabled = on }
}

// WithOutput sets the transmit target for iface (A, B or Host).
func WithOutput(iface Interface, sink transport.FrameSink) Option {
	return func(e *Engine) { e.SetOutput(iface, sink) }
}

// WithFeedbackOn routes error feedback to a bridged bus instead of the
// dedicated host sink. Feedback sent this way is recorded for echo matching.
func WithFeedbackOn(iface Interface) Option {
	return func(e *Engine) { e.feedbackTo = iface }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an engine in the power-on state: passive, enabled, empty lists.
func New(opts ...Option) *Engine {
	e := &Engine{
		controlID:  DefaultControlID,
		feedbackID: DefaultFeedbackID,
		feedbackTo: IfaceHost,
		echo:       NewEchoTracker(),
		logger:     logging.L(),
	}
	e.enabled.Store(true)
	for _, o := range opts {
		o(e)
	}
	e.publishState()
	return e
}

// SetOutput replaces the transmit target for iface. Backends are usually
// opened after the engine exists, so this is called during startup.
func (e *Engine) SetOutput(iface Interface, sink transport.FrameSink) {
	if int(iface) < len(e.out) {
		e.out[iface].Store(&output{sink: sink})
	}
}

// Mode returns the active filter mode.
func (e *Engine) Mode() FilterMode { return FilterMode(e.mode.Load()) }

// Enabled reports whether the bridge is turned on.
func (e *Engine) Enabled() bool { return e.enabled.Load() }

// ListIDs returns a copy of the identifiers in the selected list.
func (e *Engine) ListIDs(kind ListKind) []uint32 {
	if l := e.lists.Get(kind); l != nil {
		return l.IDs()
	}
	return nil
}

// ShouldForward evaluates the current policy for a data frame.
func (e *Engine) ShouldForward(src Interface, id uint32) bool {
	return ShouldForward(e.Mode(), src, id, &e.lists)
}

// HandleInbound processes a frame received on one of the bridged interfaces.
func (e *Engine) HandleInbound(iface Interface, fr can.Frame) Verdict {
	if !iface.Bridged() {
		metrics.IncDropped(metrics.DropInvalidIface)
		return InvalidInterface
	}
	metrics.IncRx(iface.String())
	if e.echo.IsEcho(iface, fr) {
		metrics.IncDropped(metrics.DropEcho)
		e.logger.Debug("echo_dropped", "if", iface.String(), "frame", fr.String())
		return Echo
	}
	if fr.ID() == e.controlID {
		e.handleControl(iface, fr)
		return ControlFrame
	}
	if !e.enabled.Load() && !e.forwardWhenDisabled {
		metrics.IncDropped(metrics.DropDisabled)
		return Disabled
	}
	if !e.ShouldForward(iface, fr.ID()) {
		metrics.IncDropped(metrics.DropFiltered)
		e.logger.Debug("frame_filtered", "if", iface.String(), "mode", e.Mode().String(), "frame", fr.String())
		return FilteredOut
	}
	dst, _ := iface.Opposite()
	if !e.transmit(dst, fr) {
		return NoOutput
	}
	metrics.IncForwarded(iface.String() + "_to_" + dst.String())
	return Forwarded
}

// HandleHost processes a frame coming from the host sink. Only control frames
// are accepted; the host never injects bridged traffic.
func (e *Engine) HandleHost(fr can.Frame) Verdict {
	if fr.ID() != e.controlID {
		e.logger.Debug("host_frame_ignored", "frame", fr.String())
		return NotControl
	}
	e.handleControl(IfaceHost, fr)
	return ControlFrame
}

// transmit records fr in dst's echo ring, then queues it on dst's sink.
func (e *Engine) transmit(dst Interface, fr can.Frame) bool {
	if int(dst) >= len(e.out) {
		metrics.IncDropped(metrics.DropInvalidIface)
		return false
	}
	o := e.out[dst].Load()
	if o == nil || o.sink == nil {
		metrics.IncDropped(metrics.DropNoOutput)
		return false
	}
	e.echo.Record(dst, fr)
	if err := o.sink.SendFrame(fr); err != nil {
		metrics.IncError(metrics.ErrBridgeTx)
		e.logger.Debug("transmit_error", "if", dst.String(), "error", err, "frame", fr.String())
	}
	return true
}

func (e *Engine) handleControl(src Interface, fr can.Frame) CommandResult {
	cmd, err := DecodeCommand(fr)
	if err != nil {
		metrics.IncCommand(ResultMalformed.String())
		e.logger.Warn("command_malformed", "if", src.String(), "error", err, "frame", fr.String())
		e.sendFeedback(fr)
		return ResultMalformed
	}
	res := e.Apply(cmd)
	lvl := slog.LevelInfo
	if res != ResultApplied {
		lvl = slog.LevelDebug
	}
	attrs := []any{"if", src.String(), "cmd", cmd.Mode.String(), "action", cmd.Action.String(), "result", res.String()}
	if cmd.Action.usesID() {
		attrs = append(attrs, "id", fmt.Sprintf("0x%X", cmd.ID))
	}
	e.logger.Log(context.Background(), lvl, "command", attrs...)
	return res
}

func (e *Engine) sendFeedback(original can.Frame) {
	fb := FeedbackFrame(e.feedbackID, original)
	if e.transmit(e.feedbackTo, fb) {
		metrics.IncFeedback()
		return
	}
	e.logger.Debug("feedback_dropped", "reason", "no host sink")
}

// Apply executes a decoded command against the configuration. While the
// bridge is off only TurnOn is honoured.
func (e *Engine) Apply(cmd Command) CommandResult {
	e.cmdMu.Lock()
	res := e.applyLocked(cmd)
	e.cmdMu.Unlock()
	metrics.IncCommand(res.String())
	e.publishState()
	return res
}

func (e *Engine) applyLocked(cmd Command) CommandResult {
	if !e.enabled.Load() && cmd.Mode != CmdTurnOn {
		return ResultDisabled
	}
	switch cmd.Mode {
	case CmdTurnOn, CmdTurnOff:
		if cmd.Action != ActConfirm {
			return ResultUnconfirmed
		}
		e.enabled.Store(cmd.Mode == CmdTurnOn)
		return ResultApplied
	}
	if m, ok := immediateCommands[cmd.Mode]; ok {
		e.setMode(m)
		return ResultApplied
	}
	lc, ok := listCommands[cmd.Mode]
	if !ok {
		return ResultUnknown
	}
	list := e.lists.Get(lc.list)
	switch cmd.Action {
	case ActSetMode:
		e.setMode(lc.mode)
	case ActAddID:
		if !list.Add(cmd.ID) {
			metrics.IncListRejected(lc.list.String(), "add")
			return ResultRejected
		}
	case ActRemoveID:
		if !list.Remove(cmd.ID) {
			metrics.IncListRejected(lc.list.String(), "remove")
			return ResultRejected
		}
	case ActClearList:
		list.Clear()
	case ActSetModeAndClear:
		e.setMode(lc.mode)
		list.Clear()
	case ActSetModeAddID:
		e.setMode(lc.mode)
		if !list.Add(cmd.ID) {
			metrics.IncListRejected(lc.list.String(), "add")
			return ResultRejected
		}
	default:
		return ResultUnknown
	}
	return ResultApplied
}

func (e *Engine) setMode(m FilterMode) { e.mode.Store(uint32(m)) }

func (e *Engine) publishState() {
	metrics.SetFilterMode(int(e.Mode()))
	metrics.SetBridgeEnabled(e.Enabled())
	for k := ListKind(0); k < numLists; k++ {
		metrics.SetListSize(k.String(), e.lists.Get(k).Len())
	}
}

// Status is a point-in-time view of the engine configuration.
type Status struct {
	Mode    string              `yaml:"mode"`
	Enabled bool                `yaml:"enabled"`
	Lists   map[string][]string `yaml:"lists"`
}

// Snapshot returns the current configuration for reporting.
func (e *Engine) Snapshot() Status {
	st := Status{
		Mode:    e.Mode().String(),
		Enabled: e.Enabled(),
		Lists:   make(map[string][]string, numLists),
	}
	for k := ListKind(0); k < numLists; k++ {
		ids := e.lists.Get(k).IDs()
		hex := make([]string, len(ids))
		for i, id := range ids {
			hex[i] = fmt.Sprintf("0x%X", id)
		}
		st.Lists[k.String()] = hex
	}
	return st
}
