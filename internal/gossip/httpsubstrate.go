package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"hivemind/internal/clock"
)

// HTTPSubstrate is a Substrate implementation that gossips over plain HTTP
// push to a fixed set of bootstrap peers, in the same request/retry idiom
// the teacher repo used for its own inter-node replication: a short-timeout
// http.Client, exponential backoff across a bounded number of attempts, and
// a background ticker driving outbound pushes. It is a reference transport
// for the opaque KV-gossip substrate contract — production deployments are
// expected to swap in a real anti-entropy gossip library behind the same
// Substrate interface.
type HTTPSubstrate struct {
	selfID       string
	listenAddr   string
	peerAddrs    []string
	gossipPeriod time.Duration
	httpClient   *http.Client
	log          zerolog.Logger

	mu      sync.Mutex
	known   map[string]map[string]Entry // peerID -> key -> Entry
	heartbt atomic.Uint64

	subMu sync.Mutex
	subs  []chan Entry

	server *http.Server
}

// NewHTTPSubstrate creates an HTTP gossip substrate. listenAddr is where
// this node accepts pushes from peers; peerAddrs are the bootstrap peers it
// pushes to.
func NewHTTPSubstrate(selfID, listenAddr string, peerAddrs []string, gossipPeriod time.Duration, log zerolog.Logger) *HTTPSubstrate {
	if gossipPeriod <= 0 {
		gossipPeriod = 200 * time.Millisecond
	}
	return &HTTPSubstrate{
		selfID:       selfID,
		listenAddr:   listenAddr,
		peerAddrs:    peerAddrs,
		gossipPeriod: gossipPeriod,
		httpClient:   &http.Client{Timeout: 3 * time.Second},
		known:        make(map[string]map[string]Entry),
		log:          log,
	}
}

// Run starts the inbound HTTP listener and the outbound push loop; it
// blocks until ctx is canceled.
func (h *HTTPSubstrate) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mesh/push", h.handlePush)
	h.server = &http.Server{Addr: h.listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ticker := time.NewTicker(h.gossipPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), h.gossipPeriod)
			defer cancel()
			_ = h.server.Shutdown(shutdownCtx)
			h.closeSubs()
			return nil
		case err := <-errCh:
			return fmt.Errorf("gossip substrate listen: %w", err)
		case <-ticker.C:
			h.pushToPeers()
			h.prune(time.Now())
		}
	}
}

func (h *HTTPSubstrate) SetLocal(key string, value []byte) error {
	hb := h.heartbt.Add(1)
	e := Entry{PeerID: h.selfID, Key: key, Value: append([]byte(nil), value...), Heartbeat: hb}
	h.ingest(e)
	return nil
}

func (h *HTTPSubstrate) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, 0)
	for _, byKey := range h.known {
		for _, e := range byKey {
			out = append(out, e)
		}
	}
	return out
}

func (h *HTTPSubstrate) Subscribe(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, 256)
	h.subMu.Lock()
	h.subs = append(h.subs, ch)
	h.subMu.Unlock()

	go func() {
		<-ctx.Done()
		h.subMu.Lock()
		defer h.subMu.Unlock()
		for i, c := range h.subs {
			if c == ch {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (h *HTTPSubstrate) closeSubs() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, c := range h.subs {
		close(c)
	}
	h.subs = nil
}

func (h *HTTPSubstrate) ingest(entries ...Entry) {
	h.mu.Lock()
	var changed []Entry
	for _, e := range entries {
		if h.known[e.PeerID] == nil {
			h.known[e.PeerID] = make(map[string]Entry)
		}
		cur, ok := h.known[e.PeerID][e.Key]
		if ok && e.Heartbeat <= cur.Heartbeat {
			continue
		}
		h.known[e.PeerID][e.Key] = e
		changed = append(changed, e)
	}
	h.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	h.subMu.Lock()
	subs := append([]chan Entry(nil), h.subs...)
	h.subMu.Unlock()
	for _, e := range changed {
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// prune drops entries whose window has aged past its grace period, the same
// 2x-grace rule Replicator.applyInbound uses to decide an inbound update is
// too stale to merge. Without this, known grows for the life of the process:
// counter.Store.GC reclaims the corresponding counter keys, but this table
// has no equivalent sweep of its own.
func (h *HTTPSubstrate) prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for peerID, byKey := range h.known {
		for rawKey := range byKey {
			key, ok := decodeKey(rawKey)
			if !ok {
				continue
			}
			grace := 2 * key.Unit.Seconds()
			if clock.WindowEnd(key.Unit, key.WindowID).Add(time.Duration(grace) * time.Second).Before(now) {
				delete(byKey, rawKey)
			}
		}
		if len(byKey) == 0 {
			delete(h.known, peerID)
		}
	}
}

type pushBody struct {
	Entries []Entry `json:"entries"`
}

func (h *HTTPSubstrate) handlePush(w http.ResponseWriter, r *http.Request) {
	var body pushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	accepted := body.Entries[:0]
	for _, e := range body.Entries {
		if e.PeerID == h.selfID {
			// A peer claiming our own identity is forged or misconfigured
			// (duplicate --node-id); accepting it would let a stale or
			// malicious heartbeat clobber our own published state.
			continue
		}
		if _, ok := decodeKey(e.Key); !ok {
			// Not one of our "rule_id:unit:window_id" keys, so nothing in
			// this domain will ever query it and prune can't age it out
			// either — drop it at the door instead of storing it forever.
			continue
		}
		accepted = append(accepted, e)
	}
	h.ingest(accepted...)
	w.WriteHeader(http.StatusNoContent)
}

// pushToPeers sends this node's full known table to every bootstrap peer,
// with bounded retries and exponential backoff per peer — mirroring the
// teacher's sendReplicateRequest, generalized from one key to a full batch.
func (h *HTTPSubstrate) pushToPeers() {
	entries := h.Entries()
	if len(entries) == 0 {
		return
	}
	body, err := json.Marshal(pushBody{Entries: entries})
	if err != nil {
		h.log.Error().Err(err).Msg("gossip: marshal push body")
		return
	}

	for _, addr := range h.peerAddrs {
		go h.pushWithRetry(addr, body)
	}
}

const maxGossipRetries = 3

func (h *HTTPSubstrate) pushWithRetry(addr string, body []byte) {
	for attempt := 0; attempt < maxGossipRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))*50) * time.Millisecond
			time.Sleep(delay)
		}
		if h.doPush(addr, body) {
			return
		}
	}
	h.log.Warn().Str("peer", addr).Msg("gossip: push failed after retries (transient)")
}

func (h *HTTPSubstrate) doPush(addr string, body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/mesh/push", addr), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
