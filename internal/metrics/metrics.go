package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-yaml"
	"github.com/kstaniek/go-can-bridge/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	RxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_rx_frames_total",
		Help: "Frames received per bridged interface.",
	}, []string{"if"})
	ForwardedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_forwarded_frames_total",
		Help: "Frames forwarded across the bridge, by direction.",
	}, []string{"dir"})
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_dropped_frames_total",
		Help: "Frames not forwarded, by reason.",
	}, []string{"reason"})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_commands_total",
		Help: "Control frames processed, by result.",
	}, []string{"result"})
	FeedbackFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_feedback_frames_total",
		Help: "Error feedback frames sent to the host sink.",
	})
	ListRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_list_rejects_total",
		Help: "Refused list mutations (full, duplicate or absent id).",
	}, []string{"list", "op"})
	FilterModeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_filter_mode",
		Help: "Active filter mode (numeric).",
	})
	EnabledGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_enabled",
		Help: "1 when the bridge is turned on.",
	})
	ListSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_list_size",
		Help: "Identifiers held per list.",
	}, []string{"list"})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from serial links.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to serial links.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from SocketCAN interfaces.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to SocketCAN interfaces.",
	})
	HostRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_rx_frames_total",
		Help: "Frames received from host TCP clients.",
	})
	HostTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_tx_frames_total",
		Help: "Frames written to host TCP clients.",
	})
	HostClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "host_active_clients",
		Help: "Connected host TCP clients.",
	})
	HostDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_dropped_frames_total",
		Help: "Feedback frames dropped for slow host clients.",
	})
	HostRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "host_rejected_clients_total",
		Help: "Host connections rejected (max-clients).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Rejected malformed wire frames (bad length, checksum, truncated).",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
	statusMu    sync.RWMutex
	statusFn    func() any
)

// Drop reasons (stable label values).
const (
	DropEcho         = "echo"
	DropFiltered     = "filtered"
	DropDisabled     = "disabled"
	DropInvalidIface = "invalid_interface"
	DropNoOutput     = "no_output"
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBridgeTx       = "bridge_tx"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
)

// StartHTTP serves /metrics, /ready and /status on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: Handler()}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Handler returns the HTTP mux used by StartHTTP.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		statusMu.RLock()
		fn := statusFn
		statusMu.RUnlock()
		if fn == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		out, err := yaml.Marshal(fn())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(out)
	})
	return mux
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx        uint64
	localForwarded uint64
	localDropped   uint64
	localEchoes    uint64
	localFiltered  uint64
	localCommands  uint64
	localFeedback  uint64
	localRejects   uint64
	localSerialRx  uint64
	localSerialTx  uint64
	localSockRx    uint64
	localSockTx    uint64
	localHostRx    uint64
	localHostTx    uint64
	localHostDrop  uint64
	localHostRej   uint64
	localClients   uint64
	localErrors    uint64
	localMalformed uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx          uint64
	Forwarded   uint64
	Dropped     uint64 // all reasons
	Echoes      uint64
	Filtered    uint64
	Commands    uint64
	Feedback    uint64
	ListRejects uint64
	SerialRx    uint64
	SerialTx    uint64
	SocketCANRx uint64
	SocketCANTx uint64
	HostRx      uint64
	HostTx      uint64
	HostDrops   uint64
	HostRejects uint64
	HostClients uint64
	Errors      uint64 // sum across error labels
	Malformed   uint64
}

func Snap() Snapshot {
	return Snapshot{
		Rx:          atomic.LoadUint64(&localRx),
		Forwarded:   atomic.LoadUint64(&localForwarded),
		Dropped:     atomic.LoadUint64(&localDropped),
		Echoes:      atomic.LoadUint64(&localEchoes),
		Filtered:    atomic.LoadUint64(&localFiltered),
		Commands:    atomic.LoadUint64(&localCommands),
		Feedback:    atomic.LoadUint64(&localFeedback),
		ListRejects: atomic.LoadUint64(&localRejects),
		SerialRx:    atomic.LoadUint64(&localSerialRx),
		SerialTx:    atomic.LoadUint64(&localSerialTx),
		SocketCANRx: atomic.LoadUint64(&localSockRx),
		SocketCANTx: atomic.LoadUint64(&localSockTx),
		HostRx:      atomic.LoadUint64(&localHostRx),
		HostTx:      atomic.LoadUint64(&localHostTx),
		HostDrops:   atomic.LoadUint64(&localHostDrop),
		HostRejects: atomic.LoadUint64(&localHostRej),
		HostClients: atomic.LoadUint64(&localClients),
		Errors:      atomic.LoadUint64(&localErrors),
		Malformed:   atomic.LoadUint64(&localMalformed),
	}
}

func IncRx(iface string) {
	RxFrames.WithLabelValues(iface).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncForwarded(dir string) {
	ForwardedFrames.WithLabelValues(dir).Inc()
	atomic.AddUint64(&localForwarded, 1)
}

func IncDropped(reason string) {
	DroppedFrames.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localDropped, 1)
	switch reason {
	case DropEcho:
		atomic.AddUint64(&localEchoes, 1)
	case DropFiltered:
		atomic.AddUint64(&localFiltered, 1)
	}
}

func IncCommand(result string) {
	Commands.WithLabelValues(result).Inc()
	atomic.AddUint64(&localCommands, 1)
}

func IncFeedback() {
	FeedbackFrames.Inc()
	atomic.AddUint64(&localFeedback, 1)
}

func IncListRejected(list, op string) {
	ListRejects.WithLabelValues(list, op).Inc()
	atomic.AddUint64(&localRejects, 1)
}

func SetFilterMode(m int) { FilterModeGauge.Set(float64(m)) }

func SetBridgeEnabled(on bool) {
	if on {
		EnabledGauge.Set(1)
		return
	}
	EnabledGauge.Set(0)
}

func SetListSize(list string, n int) { ListSize.WithLabelValues(list).Set(float64(n)) }

func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSockRx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSockTx, 1)
}

func IncHostRx() {
	HostRxFrames.Inc()
	atomic.AddUint64(&localHostRx, 1)
}

func AddHostTx(n int) {
	HostTxFrames.Add(float64(n))
	atomic.AddUint64(&localHostTx, uint64(n))
}

func IncHostDrop() {
	HostDroppedFrames.Inc()
	atomic.AddUint64(&localHostDrop, 1)
}

func IncHostReject() {
	HostRejectedClients.Inc()
	atomic.AddUint64(&localHostRej, 1)
}

func SetHostClients(n int) {
	HostClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrBridgeTx, ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{DropEcho, DropFiltered, DropDisabled, DropInvalidIface, DropNoOutput} {
		DroppedFrames.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// SetStatusFunc registers the provider rendered by /status.
func SetStatusFunc(fn func() any) { statusMu.Lock(); statusFn = fn; statusMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
