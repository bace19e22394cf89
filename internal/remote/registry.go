package remote

import (
	"errors"
	"sync"
)

// Token lifecycle errors. Their texts are sent to clients verbatim.
var (
	ErrUnknownTokenNeverSeen  = errors.New("Unknown reconnection token (never seen)")
	ErrUnknownTokenSeenBefore = errors.New("Unknown reconnection token (seen before)")
	ErrDuplicateToken         = errors.New("Duplicate reconnection token")
)

// registry owns the live connections by reconnection token and every token
// ever registered. One mutex guards all three so that lookups and
// registrations observe a consistent view.
type registry struct {
	mu         sync.Mutex
	management map[string]*ManagementConnection
	extHosts   map[string]*ExtensionHostConnection
	seen       map[string]struct{}
}

func newRegistry() *registry {
	return &registry{
		management: make(map[string]*ManagementConnection),
		extHosts:   make(map[string]*ExtensionHostConnection),
		seen:       make(map[string]struct{}),
	}
}

func (r *registry) unknownLocked(token string) error {
	if _, ok := r.seen[token]; ok {
		return ErrUnknownTokenSeenBefore
	}
	return ErrUnknownTokenNeverSeen
}

func (r *registry) lookupManagement(token string) (*ManagementConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.management[token]; ok {
		return c, nil
	}
	return nil, r.unknownLocked(token)
}

func (r *registry) lookupExtHost(token string) (*ExtensionHostConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.extHosts[token]; ok {
		return c, nil
	}
	return nil, r.unknownLocked(token)
}

// hasManagement and hasExtHost answer the duplicate check of a fresh handshake.
func (r *registry) hasManagement(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.management[token]
	return ok
}

func (r *registry) hasExtHost(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.extHosts[token]
	return ok
}

func (r *registry) registerManagement(token string, c *ManagementConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.management[token]; ok {
		return ErrDuplicateToken
	}
	r.management[token] = c
	r.seen[token] = struct{}{}
	return nil
}

func (r *registry) registerExtHost(token string, c *ExtensionHostConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.extHosts[token]; ok {
		return ErrDuplicateToken
	}
	r.extHosts[token] = c
	r.seen[token] = struct{}{}
	return nil
}

// removeManagement frees the slot only if c still owns it.
func (r *registry) removeManagement(token string, c *ManagementConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.management[token] == c {
		delete(r.management, token)
	}
}

// removeExtHost frees the slot only if c still owns it and reports how many
// extension hosts remain.
func (r *registry) removeExtHost(token string, c *ExtensionHostConnection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.extHosts[token] == c {
		delete(r.extHosts, token)
	}
	return len(r.extHosts)
}

func (r *registry) extHostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.extHosts)
}

func (r *registry) managementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.management)
}

func (r *registry) snapshot() ([]*ManagementConnection, []*ExtensionHostConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mgmt := make([]*ManagementConnection, 0, len(r.management))
	for _, c := range r.management {
		mgmt = append(mgmt, c)
	}
	ext := make([]*ExtensionHostConnection, 0, len(r.extHosts))
	for _, c := range r.extHosts {
		ext = append(ext, c)
	}
	return mgmt, ext
}

// shortenGraceTimes tells every live connection that another client just
// completed a handshake.
func (r *registry) shortenGraceTimes() {
	mgmt, ext := r.snapshot()
	for _, c := range mgmt {
		c.ShortenReconnectionGraceTimeIfNecessary()
	}
	for _, c := range ext {
		c.ShortenReconnectionGraceTimeIfNecessary()
	}
}
