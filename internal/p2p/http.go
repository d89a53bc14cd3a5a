package p2p

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/tendermint/braid/config"
)

// NodeIDHeader identifies the sending node on every peer request.
const NodeIDHeader = "X-Braid-Node-Id"

var (
	ErrAlreadyRegistered = errors.New("network already registered")
	ErrNotRegistered     = errors.New("network not registered")
)

// HTTPManager owns the HTTP connection pool used to talk to peers and tracks
// which protocol nodes are running on it.
type HTTPManager struct {
	client    *http.Client
	transport *http.Transport

	mtx        sync.Mutex
	registered map[NetworkID]struct{}
}

// NewHTTPManager builds a connection pool from cfg. Every request carries
// self in the NodeIDHeader.
func NewHTTPManager(cfg *config.P2PConfig, self NodeID) *HTTPManager {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.SessionTimeout,
		TLSHandshakeTimeout: cfg.DialTimeout,
	}
	return &HTTPManager{
		transport: transport,
		client: &http.Client{
			Transport: identifyingTransport{self: self, next: transport},
			Timeout:   cfg.RequestTimeout,
		},
		registered: map[NetworkID]struct{}{},
	}
}

// Client returns the shared HTTP client.
func (m *HTTPManager) Client() *http.Client { return m.client }

// Register records that a node runs network. A network can be registered
// once at a time.
func (m *HTTPManager) Register(network NetworkID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.registered[network]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, network)
	}
	m.registered[network] = struct{}{}
	return nil
}

// Deregister releases network.
func (m *HTTPManager) Deregister(network NetworkID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.registered[network]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, network)
	}
	delete(m.registered, network)
	return nil
}

// Close drops idle connections.
func (m *HTTPManager) Close() {
	m.transport.CloseIdleConnections()
}

type identifyingTransport struct {
	self NodeID
	next http.RoundTripper
}

func (t identifyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(NodeIDHeader, string(t.self))
	return t.next.RoundTrip(req)
}
