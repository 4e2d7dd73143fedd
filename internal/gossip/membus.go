package gossip

import (
	"context"
	"sync"
)

// bus is a shared in-process medium connecting every memSubstrate attached
// to it — a stand-in for a real gossip transport, used for deterministic
// tests and single-process multi-node simulations. It reproduces the
// substrate's guarantee ("within bounded time every live peer observes the
// current value of every key set by every other live peer") by fanning out
// every SetLocal synchronously to all attached peers.
type bus struct {
	mu    sync.Mutex
	peers map[string]*memSubstrate
}

// NewBus creates a fresh in-process gossip medium.
func NewBus() *bus {
	return &bus{peers: make(map[string]*memSubstrate)}
}

// memSubstrate is a Substrate backed by bus — every peer attached to the
// same bus sees every other peer's writes.
type memSubstrate struct {
	bus    *bus
	selfID string

	mu      sync.Mutex
	known   map[string]map[string]Entry // peerID -> key -> Entry
	heartbt uint64
	subs    []chan Entry
}

// Join attaches a new peer to the bus and returns its Substrate handle.
func (b *bus) Join(peerID string) Substrate {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &memSubstrate{bus: b, selfID: peerID, known: make(map[string]map[string]Entry)}
	b.peers[peerID] = s
	return s
}

// Partition detaches peerID from the bus — its future writes are not seen
// by anyone else, and it stops seeing anyone else's, simulating a network
// partition.
func (b *bus) Partition(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, peerID)
}

// Heal re-attaches a previously partitioned peer, backfilling it with every
// entry currently known across the bus and vice versa.
func (b *bus) Heal(peerID string, s Substrate) {
	ms, ok := s.(*memSubstrate)
	if !ok {
		return
	}
	b.mu.Lock()
	b.peers[peerID] = ms
	others := make([]*memSubstrate, 0, len(b.peers))
	for id, p := range b.peers {
		if id != peerID {
			others = append(others, p)
		}
	}
	b.mu.Unlock()

	mine := ms.snapshotAll()
	for _, other := range others {
		ms.ingest(other.snapshotAll()...)
		other.ingest(mine...)
	}
}

func (s *memSubstrate) SetLocal(key string, value []byte) error {
	s.mu.Lock()
	s.heartbt++
	e := Entry{PeerID: s.selfID, Key: key, Value: append([]byte(nil), value...), Heartbeat: s.heartbt}
	if s.known[s.selfID] == nil {
		s.known[s.selfID] = make(map[string]Entry)
	}
	s.known[s.selfID][key] = e
	s.mu.Unlock()

	s.ingest(e)

	s.bus.mu.Lock()
	if s.bus.peers[s.selfID] != s {
		// Partitioned: the write stays local until Heal backfills it.
		s.bus.mu.Unlock()
		return nil
	}
	peers := make([]*memSubstrate, 0, len(s.bus.peers))
	for id, p := range s.bus.peers {
		if id != s.selfID {
			peers = append(peers, p)
		}
	}
	s.bus.mu.Unlock()

	for _, p := range peers {
		p.ingest(e)
	}
	return nil
}

// ingest merges entries into this substrate's known table, keeping the
// highest heartbeat per (peer, key), and notifies subscribers.
func (s *memSubstrate) ingest(entries ...Entry) {
	s.mu.Lock()
	var toNotify []Entry
	for _, e := range entries {
		if s.known[e.PeerID] == nil {
			s.known[e.PeerID] = make(map[string]Entry)
		}
		cur, ok := s.known[e.PeerID][e.Key]
		if ok && e.Heartbeat <= cur.Heartbeat {
			continue
		}
		s.known[e.PeerID][e.Key] = e
		toNotify = append(toNotify, e)
	}
	subs := append([]chan Entry(nil), s.subs...)
	s.mu.Unlock()

	for _, e := range toNotify {
		for _, ch := range subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
}

func (s *memSubstrate) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0)
	for _, byKey := range s.known {
		for _, e := range byKey {
			out = append(out, e)
		}
	}
	return out
}

func (s *memSubstrate) snapshotAll() []Entry { return s.Entries() }

func (s *memSubstrate) Subscribe(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, 256)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}
