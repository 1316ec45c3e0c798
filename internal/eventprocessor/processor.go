package eventprocessor

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/mrzor/probestat/internal/bpf"
	"github.com/mrzor/probestat/internal/probe"
)

// EventHandler is the interface for handling BPF events from the ring buffer.
type EventHandler interface {
	HandleEvent(event *bpf.RawEvent) error
}

type route struct {
	id      uint64
	site    probe.Site
	handler probe.Handler
}

// Processor coordinates event processing.
// It is an in-process probe.Attacher: handlers attached to it run when
// Dispatch or HandleEvent delivers an event for their site.
type Processor struct {
	mu     sync.Mutex
	routes atomic.Pointer[map[uint32]route]
	nextID uint64

	unrouted atomic.Uint64
}

var _ probe.Attacher = (*Processor)(nil)

// NewProcessor creates a new event processor with no routes.
func NewProcessor() *Processor {
	p := &Processor{}
	empty := make(map[uint32]route)
	p.routes.Store(&empty)
	return p
}

// Attach routes events for site to h. A site has at most one handler.
func (p *Processor) Attach(site probe.Site, h probe.Handler) (probe.Handle, error) {
	if h == nil {
		return probe.Handle{}, fmt.Errorf("attaching %s: nil handler", site)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := *p.routes.Load()
	if _, ok := cur[site.ID]; ok {
		return probe.Handle{}, fmt.Errorf("attaching %s: site %d already attached", site, site.ID)
	}

	p.nextID++
	next := maps.Clone(cur)
	next[site.ID] = route{id: p.nextID, site: site, handler: h}
	p.routes.Store(&next)

	return probe.Handle{Site: site.ID, ID: p.nextID}, nil
}

// Detach removes the route for h. Events already being dispatched may
// still reach the old handler; callers that need quiescence track it
// themselves.
func (p *Processor) Detach(h probe.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := *p.routes.Load()
	r, ok := cur[h.Site]
	if !ok || r.id != h.ID {
		return fmt.Errorf("detaching site %d: %w", h.Site, probe.ErrUnknownSite)
	}

	next := maps.Clone(cur)
	delete(next, h.Site)
	p.routes.Store(&next)
	return nil
}

// Site returns the site attached under id.
func (p *Processor) Site(id uint32) (probe.Site, bool) {
	r, ok := (*p.routes.Load())[id]
	return r.site, ok
}

// Len returns the number of attached sites.
func (p *Processor) Len() int {
	return len(*p.routes.Load())
}

// Dispatch delivers ev to the handler of its site. Events for unattached
// sites are counted and dropped.
func (p *Processor) Dispatch(ev probe.Event) {
	r, ok := (*p.routes.Load())[ev.Site]
	if !ok {
		p.unrouted.Add(1)
		return
	}
	r.handler(ev)
}

// HandleEvent decodes a raw ring buffer event and dispatches it.
func (p *Processor) HandleEvent(event *bpf.RawEvent) error {
	p.Dispatch(probe.Event{
		Site:      event.Site,
		CPU:       event.CPU,
		Key:       event.Key,
		Timestamp: event.Timestamp,
		Length:    event.Length,
	})
	return nil
}

// Unrouted returns the number of events dropped for lack of a handler.
func (p *Processor) Unrouted() uint64 {
	return p.unrouted.Load()
}
