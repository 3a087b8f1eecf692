package integration

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"classlink/internal/app"
	"classlink/internal/backend"
	"classlink/internal/config"
	"classlink/internal/logging"
	"classlink/internal/peer"
	"classlink/internal/realtime"
	"classlink/pkg/types"
)

const backendUser = "backend"

func tokenFor(userID string) string { return "tok-" + userID }

// harness owns one broker application and one fake REST backend. The broker
// can be restarted on the same address to exercise reconnects.
type harness struct {
	t       *testing.T
	cfg     *config.Config
	app     *app.Application
	backend *restBackend
}

func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Transport.ReconnectDelay = 20 * time.Millisecond
	cfg.Backend.PageSize = 10
	cfg.Broker.Tokens = []string{tokenFor(backendUser)}
	for _, u := range users {
		cfg.Broker.Tokens = append(cfg.Broker.Tokens, tokenFor(u))
	}

	h := &harness{t: t, cfg: cfg}
	h.startBroker()

	_, port, err := net.SplitHostPort(h.app.GetAddr())
	if err != nil {
		t.Fatalf("broker address: %v", err)
	}
	// later restarts must come back on the same address
	h.cfg.Broker.Port, _ = strconv.Atoi(port)
	h.cfg.Transport.Endpoint = fmt.Sprintf("ws://127.0.0.1:%s/ws", port)

	h.backend = newRESTBackend(t, h.cfg.Transport.Endpoint)
	h.cfg.Backend.BaseURL = h.backend.URL()

	t.Cleanup(h.stopBroker)
	return h
}

func (h *harness) startBroker() {
	h.t.Helper()
	a, err := app.NewApplication(h.cfg, logging.Discard())
	if err != nil {
		h.t.Fatalf("new application: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		h.t.Fatalf("start broker: %v", err)
	}
	h.app = a
}

func (h *harness) stopBroker() {
	if h.app == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.app.Stop(ctx); err != nil {
		h.t.Logf("stop broker: %v", err)
	}
	h.app = nil
}

// restartBroker drops every connection and brings the broker back on the
// same port with the same journal.
func (h *harness) restartBroker() {
	h.t.Helper()
	h.stopBroker()
	h.startBroker()
}

func (h *harness) waitSubscribers(topic string, n int) {
	h.t.Helper()
	waitFor(h.t, fmt.Sprintf("%d subscribers on %s", n, topic), func() bool {
		return h.app != nil && len(h.app.Registry().Subscribers(topic)) == n
	})
}

func (h *harness) client(userID, displayName string, role types.Role) *realtime.Client {
	h.t.Helper()
	identity := realtime.Identity{
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		Credential:  tokenFor(userID),
	}
	be, err := backend.New(h.cfg.Backend.BaseURL, identity.Credential, backend.WithTimeout(5*time.Second))
	if err != nil {
		h.t.Fatalf("backend client: %v", err)
	}
	c, err := realtime.New(h.cfg, identity, be,
		realtime.WithLogger(logging.Discard()),
		realtime.WithPeerFactory(func(*types.JoinTicket) peer.Factory { return nopFactory{} }),
	)
	if err != nil {
		h.t.Fatalf("new client %s: %v", userID, err)
	}
	h.t.Cleanup(c.Close)
	return c
}

type nopPeer struct{}

func (nopPeer) CreateOffer() (string, error)                        { return "offer", nil }
func (nopPeer) CreateAnswer() (string, error)                       { return "answer", nil }
func (nopPeer) SetRemoteDescription(types.SignalKind, string) error { return nil }
func (nopPeer) AddICECandidate(types.ICECandidate) error            { return nil }
func (nopPeer) Close() error                                        { return nil }

type nopFactory struct{}

func (nopFactory) NewPeer(string, peer.Callbacks) (peer.PeerConnection, error) { return nopPeer{}, nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
