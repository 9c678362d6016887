package observability

import (
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SequenceFunc reports the last committed sequence.
type SequenceFunc func() int64

// HealthChecker backs /healthz and /readyz. The service is ready once the
// slab is restored or bootstrapped and the API servers are up.
type HealthChecker struct {
	ready    atomic.Bool
	started  time.Time
	sequence atomic.Pointer[SequenceFunc]
}

type healthBody struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime,omitempty"`
	Sequence *int64 `json:"sequence,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// ReportSequence makes both endpoints include the committed sequence.
func (h *HealthChecker) ReportSequence(fn SequenceFunc) {
	h.sequence.Store(&fn)
}

// LivenessHandler answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, healthBody{
		Status: "alive",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// ReadinessHandler answers 503 until SetReady(true).
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		h.write(w, http.StatusServiceUnavailable, healthBody{Status: "not_ready"})
		return
	}
	h.write(w, http.StatusOK, healthBody{Status: "ready"})
}

func (h *HealthChecker) write(w http.ResponseWriter, code int, body healthBody) {
	if fn := h.sequence.Load(); fn != nil {
		seq := (*fn)()
		body.Sequence = &seq
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
