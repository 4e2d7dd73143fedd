// Package gossip implements the Replicator and the KV-gossip substrate
// contract it runs against (§4.4). The substrate is modeled as an opaque,
// pre-existing library per the spec: it already handles peer discovery,
// failure detection, anti-entropy, and bounded-size digest exchange. This
// package only depends on the narrow three-operation contract, so any real
// gossip transport can be dropped in behind the Substrate interface.
package gossip

import "context"

// Entry is one (peer, key, value, heartbeat) tuple as seen by the local
// node. Heartbeat is the substrate's own node-local version counter for
// that write — it orders re-publishes of the same key from the same peer,
// independent of any application-level timestamp carried inside Value.
type Entry struct {
	PeerID    string
	Key       string
	Value     []byte
	Heartbeat uint64
}

// Substrate is the narrow KV-gossip contract assumed by §4.4: set a local
// key, iterate every (peer, key, value, heartbeat) tuple known to this
// node, and subscribe to change notifications.
type Substrate interface {
	// SetLocal sets a local key to value, stamped with a fresh node-local
	// heartbeat. Returns GossipTransient-class errors; callers log them
	// rather than treat them as fatal. The Replicator does not re-send a
	// failed entry on the next tick: the key is published again only once
	// its local cell changes.
	SetLocal(key string, value []byte) error

	// Entries returns every tuple currently known to this node, across all
	// peers including self.
	Entries() []Entry

	// Subscribe returns a channel of entries as they change. The channel
	// closes when ctx is done.
	Subscribe(ctx context.Context) <-chan Entry
}
