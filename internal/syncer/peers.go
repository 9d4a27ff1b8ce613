package syncer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

// Directory tracks known peers and their liveness. Entries past the liveness
// timeout are marked offline but never deleted: peer identity must survive
// for later reconciliation and for compaction's retention check.
type Directory struct {
	mu      sync.Mutex
	peers   map[string]*model.PeerInfo
	timeout time.Duration
	// onDiscover fires outside the lock when a previously unknown or offline
	// peer shows up, to trigger an event sync.
	onDiscover []func(model.PeerInfo)
}

func NewDirectory(livenessTimeout time.Duration) *Directory {
	if livenessTimeout <= 0 {
		livenessTimeout = 2 * time.Minute
	}
	return &Directory{peers: map[string]*model.PeerInfo{}, timeout: livenessTimeout}
}

// OnDiscover registers a callback for new/recovered peers.
func (d *Directory) OnDiscover(fn func(model.PeerInfo)) {
	d.mu.Lock()
	d.onDiscover = append(d.onDiscover, fn)
	d.mu.Unlock()
}

// Observe records that a peer was seen now (message received, discovery
// announcement, successful send).
func (d *Directory) Observe(terminalID, address string, isServer bool) {
	now := time.Now().UnixMilli()
	d.mu.Lock()
	p, known := d.peers[terminalID]
	fresh := !known || !p.IsOnline
	if !known {
		p = &model.PeerInfo{TerminalID: terminalID}
		d.peers[terminalID] = p
		log.Info().Str("peer", terminalID).Bool("server", isServer).Msg("peer discovered")
	}
	if address != "" {
		p.Address = address
	}
	p.LastSeen = now
	p.IsOnline = true
	if isServer {
		p.IsServer = true
	}
	snapshot := *p
	callbacks := d.onDiscover
	d.mu.Unlock()

	if fresh {
		for _, fn := range callbacks {
			fn(snapshot)
		}
	}
}

// Sweep marks peers unseen past the timeout as offline.
func (d *Directory) Sweep() {
	cutoff := time.Now().Add(-d.timeout).UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		if p.IsOnline && p.LastSeen < cutoff {
			p.IsOnline = false
			log.Info().Str("peer", p.TerminalID).Msg("peer marked offline")
		}
	}
}

// All returns every known peer, online or not.
func (d *Directory) All() []model.PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.PeerInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

// Alive returns peers currently considered online.
func (d *Directory) Alive() []model.PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.PeerInfo
	for _, p := range d.peers {
		if p.IsOnline {
			out = append(out, *p)
		}
	}
	return out
}

// Get looks up one peer.
func (d *Directory) Get(terminalID string) (model.PeerInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[terminalID]
	if !ok {
		return model.PeerInfo{}, false
	}
	return *p, true
}

// IsServer reports whether the peer is the central reconciliation server.
func (d *Directory) IsServer(terminalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[terminalID]
	return ok && p.IsServer
}
