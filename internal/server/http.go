package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"Percolator/internal/ingestion"
	"Percolator/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// HTTPDeps are the collaborators of the HTTP API. Health, Gatherer and
// Metrics are optional.
type HTTPDeps struct {
	Service  *Service
	Health   *observability.HealthChecker
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics
}

// NewHTTPHandler routes the JSON API on a grpc-gateway ServeMux and mounts
// health and metrics endpoints next to it:
//
//	POST /v1/requests            submit an instruction
//	GET  /v1/market              market summary
//	GET  /v1/accounts            accounts, ?owner=<base58> filters
//	GET  /v1/accounts/{index}    one account
//	GET  /v1/receipts            ?limit=&before=
func NewHTTPHandler(deps HTTPDeps) (http.Handler, error) {
	api := &httpAPI{svc: deps.Service, metrics: deps.Metrics}
	mux := runtime.NewServeMux()

	routes := []struct {
		method, path, endpoint string
		h                      runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/requests", "submit", api.submit},
		{http.MethodGet, "/v1/market", "market", api.market},
		{http.MethodGet, "/v1/accounts", "accounts", api.accounts},
		{http.MethodGet, "/v1/accounts/{index}", "account", api.account},
		{http.MethodGet, "/v1/receipts", "receipts", api.receipts},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, api.instrument(r.endpoint, r.h)); err != nil {
			return nil, err
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		httpMux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

type httpAPI struct {
	svc     *Service
	metrics *observability.Metrics
}

func (a *httpAPI) submit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var in ingestion.RequestJSON
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "parse request: "+err.Error())
		return
	}
	out, err := a.svc.Submit(r.Context(), &in)
	respond(w, out, err)
}

func (a *httpAPI) market(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	out, err := a.svc.GetMarket(r.Context(), &GetMarketRequest{})
	respond(w, out, err)
}

func (a *httpAPI) accounts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	out, err := a.svc.ListAccounts(r.Context(), &ListAccountsRequest{Owner: r.URL.Query().Get("owner")})
	respond(w, out, err)
}

func (a *httpAPI) account(w http.ResponseWriter, r *http.Request, params map[string]string) {
	idx, err := strconv.ParseUint(params["index"], 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}
	out, err := a.svc.GetAccount(r.Context(), &GetAccountRequest{Index: uint16(idx)})
	respond(w, out, err)
}

func (a *httpAPI) receipts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	in := &GetReceiptsRequest{}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		in.Limit = n
	}
	if v := q.Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		in.BeforeSequence = n
	}
	out, err := a.svc.GetReceipts(r.Context(), in)
	respond(w, out, err)
}

func (a *httpAPI) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	if a.metrics == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		a.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		a.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, out any, err error) {
	if err != nil {
		st := status.Convert(toStatus(err))
		writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Code: http.StatusText(code), Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

