// Package registry implements the broker's service registry:
// a concurrent-safe map from serviceId to the Registration it last
// advertised, plus the reverse peerHandle binding the routing engine
// maintains as peers identify themselves.
package registry

import (
	"strings"
	"sync"

	"github.com/kestrelmq/kestrel/internal/message"
)

// Registry is safe for concurrent use by multiple goroutines — the
// routing engine's frontend and backend receive loops both mutate it and
// read it for ServiceDiscovery, and the timer loop's peer liveness sweep
// removes entries from it.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]message.Registration
	peers  map[string]string // peerHandle -> serviceId
	peerOf map[string]string // serviceId -> peerHandle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]message.Registration),
		peers:  make(map[string]string),
		peerOf: make(map[string]string),
	}
}

// Upsert inserts or replaces the registration for reg.ServiceID. A
// re-registration of the same serviceId is idempotent — the new record
// entirely replaces the old one.
func (r *Registry) Upsert(reg message.Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[reg.ServiceID] = reg
}

// BindPeer records that peerHandle now speaks for serviceId. The routing
// engine calls this the moment it accepts a ServiceRegistration from a new
// transport session.
func (r *Registry) BindPeer(peerHandle, serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peerHandle] = serviceID
	r.peerOf[serviceID] = peerHandle
}

// Remove deletes serviceId's registration together with any peer binding
// to it. The routing engine does not call it: a peer's disconnect goes
// through RemovePeer and broker shutdown through Clear.
func (r *Registry) Remove(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, serviceID)
	delete(r.peerOf, serviceID)
	for peer, id := range r.peers {
		if id == serviceID {
			delete(r.peers, peer)
		}
	}
}

// RemovePeer looks up the serviceId bound to peerHandle and removes both
// the binding and the registration, returning the serviceId removed (empty
// if the peer was never bound to one — e.g. a frontend client that never
// registered).
func (r *Registry) RemovePeer(peerHandle string) (serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	serviceID, ok := r.peers[peerHandle]
	if !ok {
		return ""
	}
	delete(r.peers, peerHandle)
	delete(r.byID, serviceID)
	delete(r.peerOf, serviceID)
	return serviceID
}

// Find returns the registration for serviceID and whether it exists.
func (r *Registry) Find(serviceID string) (message.Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[serviceID]
	return reg, ok
}

// ServiceIDForPeer returns the serviceId currently bound to peerHandle.
func (r *Registry) ServiceIDForPeer(peerHandle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.peers[peerHandle]
	return id, ok
}

// PeerForService returns the peerHandle currently bound to serviceID, so
// the routing engine can deliver a point-to-point message to it.
func (r *Registry) PeerForService(serviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peerOf[serviceID]
	return peer, ok
}

// FindByType returns every registration whose ServiceType matches
// typ case-insensitively. An empty typ matches everything.
func (r *Registry) FindByType(typ string) []message.Registration {
	return r.snapshot(func(reg message.Registration) bool {
		return typ == "" || strings.EqualFold(reg.ServiceType, typ)
	})
}

// FindByCapability returns every registration whose Capabilities set
// contains cap, compared case-sensitively. An empty cap
// matches everything.
func (r *Registry) FindByCapability(cap string) []message.Registration {
	return r.snapshot(func(reg message.Registration) bool {
		if cap == "" {
			return true
		}
		for _, c := range reg.Capabilities {
			if c == cap {
				return true
			}
		}
		return false
	})
}

// Discover applies both the ServiceType and Capability criteria in one
// consistent snapshot, which is what the ServiceDiscovery system branch
// uses.
func (r *Registry) Discover(typ, cap string) []message.Registration {
	return r.snapshot(func(reg message.Registration) bool {
		typeOK := typ == "" || strings.EqualFold(reg.ServiceType, typ)
		capOK := cap == ""
		for _, c := range reg.Capabilities {
			if c == cap {
				capOK = true
				break
			}
		}
		return typeOK && capOK
	})
}

// snapshot takes the read lock once and evaluates match against every
// current registration, returning a newly allocated slice so callers never
// observe a registry mutated mid-iteration.
func (r *Registry) snapshot(match func(message.Registration) bool) []message.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]message.Registration, 0, len(r.byID))
	for _, reg := range r.byID {
		if match(reg) {
			out = append(out, reg)
		}
	}
	return out
}

// Count returns the number of currently registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear removes every registration and peer binding, used during broker
// shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]message.Registration)
	r.peers = make(map[string]string)
	r.peerOf = make(map[string]string)
}

