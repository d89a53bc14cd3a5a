package node

import (
	"encoding/json"
	stdlog "log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/mempool"
	"github.com/tendermint/braid/internal/p2p"
	"github.com/tendermint/braid/libs/log"
	"github.com/tendermint/braid/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// chainRoutes serves the endpoints of one chain while its resources are up.
// Until then, and after, requests are answered with 503.
type chainRoutes struct {
	chainID types.ChainID
	current atomic.Value // http.Handler
}

func newChainRoutes(chainID types.ChainID) *chainRoutes {
	cr := &chainRoutes{chainID: chainID}
	cr.clear()
	return cr
}

func (cr *chainRoutes) set(h http.Handler) { cr.current.Store(h) }

func (cr *chainRoutes) clear() {
	cr.current.Store(http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"reason": "chain " + cr.chainID.String() + " is not running",
		})
	})))
}

func (cr *chainRoutes) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cr.current.Load().(http.Handler).ServeHTTP(w, r)
}

// chainHandler dispatches the requests of one chain between its mempool and
// the payload query layer.
func chainHandler(payloads, pool http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(routePath(r), "/mempool/") {
			pool.ServeHTTP(w, r)
			return
		}
		payloads.ServeHTTP(w, r)
	})
}

// routePath is the part of the request path left to route below a mount
// point.
func routePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath != "" {
		return rctx.RoutePath
	}
	return r.URL.Path
}

// StatusResponse is served under /status.
type StatusResponse struct {
	NodeID  p2p.NodeID      `json:"nodeId"`
	Moniker string          `json:"moniker"`
	Version types.Version   `json:"version"`
	Chains  []types.ChainID `json:"chains"`
}

func (n *Node) makeRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, StatusResponse{
			NodeID:  n.peers.Self.ID,
			Moniker: n.config.Moniker,
			Version: n.version,
			Chains:  n.chainIDs,
		})
	})
	for _, cid := range n.chainIDs {
		r.Mount("/chain/"+cid.String(), n.routes[cid])
	}

	var handler http.Handler = r
	if n.config.P2P.IsCorsEnabled() {
		handler = cors.New(cors.Options{
			AllowedOrigins: n.config.P2P.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", mempool.VersionHeader, p2p.NodeIDHeader},
		}).Handler(handler)
	}
	return handler
}

// listen opens the node's HTTP listener, capped at maxOpenConnections when
// it is positive.
func listen(addr string, maxOpenConnections int) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxOpenConnections > 0 {
		listener = netutil.LimitListener(listener, maxOpenConnections)
	}
	return listener, nil
}

func newServer(handler http.Handler, logger log.Logger) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          newStdLogger(logger),
	}
}

// logWriter adapts the node logger for net/http's error log.
type logWriter struct {
	logger log.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Error(strings.TrimSpace(string(p)))
	return len(p), nil
}

func newStdLogger(logger log.Logger) *stdlog.Logger {
	return stdlog.New(logWriter{logger: logger}, "", 0)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// prometheusListenAddr returns the metrics address, or "" when metrics are
// not served.
func prometheusListenAddr(cfg *config.InstrumentationConfig) string {
	if !cfg.Prometheus {
		return ""
	}
	return cfg.PrometheusListenAddr
}
