package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hivemind/internal/clock"
	"hivemind/internal/counter"
)

// payload is the value carried by each KV entry this node publishes: its
// own local value for the counter key and the last_updated that produced
// it.
type payload struct {
	Value       uint64 `json:"value"`
	LastUpdated int64  `json:"last_updated"`
}

// Replicator periodically publishes this node's counter state to the
// KV-gossip substrate and ingests peer states from it, applying a
// last-writer-wins-per-peer merge into the Counter Store.
type Replicator struct {
	selfID          string
	counters        *counter.Store
	substrate       Substrate
	publishInterval time.Duration
	now             func() time.Time
	log             zerolog.Logger
}

// New creates a Replicator. publishInterval defaults to 100ms per §4.4 if
// zero.
func New(selfID string, counters *counter.Store, substrate Substrate, publishInterval time.Duration, log zerolog.Logger) *Replicator {
	if publishInterval <= 0 {
		publishInterval = 100 * time.Millisecond
	}
	return &Replicator{
		selfID:          selfID,
		counters:        counters,
		now:             time.Now,
		substrate:       substrate,
		publishInterval: publishInterval,
		log:             log,
	}
}

// Run drives both the outbound publish loop and the inbound ingest loop
// until ctx is canceled. In-flight gossip writes are allowed to drain for
// up to one publish interval after cancellation.
func (r *Replicator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.publishLoop(gctx) })
	g.Go(func() error { return r.ingestLoop(gctx) })
	return g.Wait()
}

func (r *Replicator) publishLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.publishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drain, cancel := context.WithTimeout(context.Background(), r.publishInterval)
			defer cancel()
			r.publishTick(drain)
			return nil
		case <-ticker.C:
			r.publishTick(ctx)
		}
	}
}

// publishTick takes a snapshot of changed local cells and writes one KV
// entry per active counter key to the substrate, batching all writes within
// the tick concurrently.
func (r *Replicator) publishTick(ctx context.Context) {
	changed := r.counters.SnapshotLocal()
	if len(changed) == 0 {
		return
	}

	g, _ := errgroup.WithContext(ctx)
	for _, c := range changed {
		c := c
		g.Go(func() error {
			body, err := json.Marshal(payload{Value: c.Value, LastUpdated: c.LastUpdated})
			if err != nil {
				return nil // malformed payload can't happen; never fatal either way
			}
			if err := r.substrate.SetLocal(encodeKey(c.Key), body); err != nil {
				r.log.Warn().Err(err).Str("key", encodeKey(c.Key)).Msg("gossip: publish failed, not re-sent until the key changes again")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Replicator) ingestLoop(ctx context.Context) error {
	ch := r.substrate.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.applyInbound(e)
		}
	}
}

// applyInbound decodes one substrate entry and merges it into the Counter
// Store, discarding the local peer's own entries and anything whose window
// has already expired by more than the grace period.
func (r *Replicator) applyInbound(e Entry) {
	if e.PeerID == r.selfID {
		return
	}
	key, ok := decodeKey(e.Key)
	if !ok {
		return
	}

	grace := 2 * key.Unit.Seconds()
	if clock.WindowEnd(key.Unit, key.WindowID).Add(time.Duration(grace) * time.Second).Before(r.now()) {
		return
	}

	var p payload
	if err := json.Unmarshal(e.Value, &p); err != nil {
		r.log.Warn().Err(err).Str("peer", e.PeerID).Msg("gossip: malformed payload, dropping")
		return
	}
	r.counters.MergePeerUpdate(key, e.PeerID, p.Value, p.LastUpdated)
}

// encodeKey produces the stable substrate key encoding "${rule_id}:${unit}:${window_id}".
func encodeKey(k counter.Key) string {
	return fmt.Sprintf("%s:%d:%d", k.RuleID, int(k.Unit), k.WindowID)
}

// decodeKey splits "rule_id:unit:window_id" on the last two colons,
// tolerating rule ids that themselves contain colons (rule ids are built
// from descriptor key=value path segments joined by '/', so this is just
// defensive).
func decodeKey(s string) (counter.Key, bool) {
	windowSep := strings.LastIndex(s, ":")
	if windowSep < 0 {
		return counter.Key{}, false
	}
	unitSep := strings.LastIndex(s[:windowSep], ":")
	if unitSep < 0 {
		return counter.Key{}, false
	}

	windowID, err := strconv.ParseInt(s[windowSep+1:], 10, 64)
	if err != nil {
		return counter.Key{}, false
	}
	unit, err := strconv.Atoi(s[unitSep+1 : windowSep])
	if err != nil {
		return counter.Key{}, false
	}
	return counter.Key{RuleID: s[:unitSep], Unit: clock.Unit(unit), WindowID: windowID}, true
}
