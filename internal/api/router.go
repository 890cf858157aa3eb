package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/punchamoorthee/channelops/internal/ratelimit"
)

var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "channelops_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "channelops_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "endpoint"})
)

// Policies holds the fixed-window policy for each key namespace.
type Policies struct {
	Guest ratelimit.Policy
	Auth  ratelimit.Policy
	Hook  ratelimit.Policy
}

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// NewRouter mounts the API. Session-scoped actions are limited per session
// ("guest:<id>"), session creation per wallet and client address
// ("auth:<wallet>:<ip>"), and event streams per client address ("hook:<ip>").
// The client address is the TCP peer unless the peer is a trusted proxy.
func NewRouter(h *Handler, limiter ratelimit.Limiter, p Policies, proxies TrustedProxies, log *zap.Logger) *mux.Router {
	guest := ratelimit.Middleware(limiter, "guest", p.Guest, guestKey, log)
	auth := ratelimit.Middleware(limiter, "auth", p.Auth, proxies.authKey, log)
	hook := ratelimit.Middleware(limiter, "hook", p.Hook, proxies.hookKey, log)

	r := mux.NewRouter()
	r.Use(instrument, limitBody)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Handle("/sessions", auth(http.HandlerFunc(h.CreateSession))).Methods("POST")
	apiV1.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	apiV1.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	apiV1.Handle("/sessions/{id}/deposit", guest(http.HandlerFunc(h.Deposit))).Methods("POST")
	apiV1.Handle("/sessions/{id}/start", guest(http.HandlerFunc(h.StartSession))).Methods("POST")
	apiV1.Handle("/sessions/{id}/end", guest(http.HandlerFunc(h.EndSession))).Methods("POST")
	apiV1.Handle("/sessions/{id}/actions", guest(http.HandlerFunc(h.ChargeAction))).Methods("POST")
	apiV1.HandleFunc("/sessions/{id}/actions", h.ListActions).Methods("GET")
	apiV1.HandleFunc("/sessions/{id}/actions/totals", h.ActionTotals).Methods("GET")
	apiV1.HandleFunc("/sessions/{id}/audit", h.Audit).Methods("GET")
	apiV1.Handle("/sessions/{id}/events", hook(http.HandlerFunc(h.StreamEvents))).Methods("GET")

	return r
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func guestKey(r *http.Request) string {
	return "guest:" + mux.Vars(r)["id"]
}

// TrustedProxies lists the peers whose X-Forwarded-For header is honoured.
// The zero value trusts nobody.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts addresses ("10.0.0.7") and CIDR ranges
// ("10.0.0.0/8").
func ParseTrustedProxies(specs []string) (TrustedProxies, error) {
	var out TrustedProxies
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if strings.Contains(spec, "/") {
			prefix, err := netip.ParsePrefix(spec)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", spec, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", spec, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func (t TrustedProxies) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the TCP peer address. When the peer is a trusted proxy,
// X-Forwarded-For is walked from the right and the first untrusted hop wins.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !t.trusts(peer) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := host
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		client = addr.Unmap().String()
		if !t.trusts(addr) {
			break
		}
	}
	return client
}

// authKey peeks at the wallet in the body and restores it for the handler.
func (t TrustedProxies) authKey(r *http.Request) string {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		// Leave the read error in place for the handler to report.
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
		return "auth::" + t.ClientIP(r)
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	var req struct {
		Wallet string `json:"wallet"`
	}
	json.Unmarshal(body, &req)
	return "auth:" + strings.ToLower(req.Wallet) + ":" + t.ClientIP(r)
}

func (t TrustedProxies) hookKey(r *http.Request) string {
	return "hook:" + t.ClientIP(r)
}

// statusRecorder captures the response code; it keeps Hijack working for
// the WebSocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()

		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
