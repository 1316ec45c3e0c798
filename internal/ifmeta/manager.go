package ifmeta

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/jsimonetti/rtnetlink/v2"

	"github.com/mrzor/probestat/internal/counters"
)

// LinkLister lists the links of a network namespace.
// *rtnetlink.LinkService satisfies it.
type LinkLister interface {
	List() ([]rtnetlink.LinkMessage, error)
}

// Manager manages interface metadata.
type Manager struct {
	mu     sync.RWMutex
	byIdx  map[uint32]*Interface
	byName map[string]uint32
}

// NewManager creates an empty interface table.
func NewManager() *Manager {
	return &Manager{
		byIdx:  make(map[uint32]*Interface),
		byName: make(map[string]uint32),
	}
}

// Get retrieves metadata for an interface index (query).
// Returns nil if the index is unknown.
func (m *Manager) Get(index uint32) *Interface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byIdx[index]
}

// Lookup returns the index of the interface called name (query).
func (m *Manager) Lookup(name string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byName[name]
	return idx, ok
}

// Name returns the interface name of a counter entity, or the id in
// decimal when the interface is unknown (query).
func (m *Manager) Name(id counters.EntityID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if iface, ok := m.byIdx[uint32(id)]; ok && uint64(id) <= 0xffffffff {
		return iface.Name
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Len returns the number of known interfaces (query).
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byIdx)
}

// Set stores metadata for an interface (command).
// Existing metadata for the same index is replaced.
func (m *Manager) Set(iface *Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byIdx[iface.Index]; ok {
		delete(m.byName, old.Name)
	}
	m.byIdx[iface.Index] = iface
	m.byName[iface.Name] = iface.Index
}

// Delete removes an interface (command).
func (m *Manager) Delete(index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byIdx[index]; ok {
		delete(m.byName, old.Name)
		delete(m.byIdx, index)
	}
}

// Load replaces the table with the links reported by lister (command).
// Attachment flags of interfaces that survive the reload are kept.
func (m *Manager) Load(lister LinkLister) error {
	links, err := lister.List()
	if err != nil {
		return fmt.Errorf("listing links: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byIdx := make(map[uint32]*Interface, len(links))
	byName := make(map[string]uint32, len(links))
	for _, l := range links {
		if l.Attributes == nil {
			continue
		}
		iface := &Interface{
			Index: l.Index,
			Name:  l.Attributes.Name,
			MAC:   l.Attributes.Address,
			Up:    l.Flags&uint32(net.FlagUp) != 0,
		}
		if old, ok := m.byIdx[l.Index]; ok {
			iface.Ingress, iface.Egress = old.Ingress, old.Egress
		}
		byIdx[iface.Index] = iface
		byName[iface.Name] = iface.Index
	}
	m.byIdx, m.byName = byIdx, byName
	return nil
}

// LoadSystem dials rtnetlink in the current namespace and loads its links.
func (m *Manager) LoadSystem() error {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return fmt.Errorf("dialing rtnetlink: %w", err)
	}
	defer func() {
		_ = conn.Close() //nolint:errcheck // read-only session
	}()
	return m.Load(conn.Link)
}

// MarkAttached records that a traffic site is attached to the interface
// called name (command).
func (m *Manager) MarkAttached(name string, ingress bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("interface %q not found", name)
	}
	if ingress {
		m.byIdx[idx].Ingress = true
	} else {
		m.byIdx[idx].Egress = true
	}
	return nil
}
