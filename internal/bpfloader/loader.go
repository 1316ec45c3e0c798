// Package bpfloader manages the lifecycle of eBPF programs and their kernel attachments.
package bpfloader

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/mrzor/probestat/internal/bpf"
	"github.com/mrzor/probestat/internal/eventprocessor"
	"github.com/mrzor/probestat/internal/probe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// InterfaceResolver resolves interface names to indexes.
type InterfaceResolver interface {
	Lookup(name string) (uint32, bool)
}

type tcKey struct {
	ingress bool
	ifindex uint32
}

// Loader manages the lifecycle of BPF programs and their attachments.
// Kprobe and tracepoint programs receive their site id as the attach
// cookie; tc programs stamp a direction marker that HandleEvent maps back
// to a site.
type Loader struct {
	coll      *ebpf.Collection
	processor *eventprocessor.Processor
	ifaces    InterfaceResolver
	logger    *zap.Logger

	mu    sync.Mutex
	links map[probe.Handle]link.Link
	tc    map[tcKey]uint32
	tcBy  map[probe.Handle]tcKey
}

var (
	_ probe.Attacher              = (*Loader)(nil)
	_ eventprocessor.EventHandler = (*Loader)(nil)
)

// New loads the compiled object at objectPath into the kernel. Handlers of
// attached sites are registered in processor. ifaces may be nil, in which
// case tc interfaces are resolved with net.InterfaceByName.
func New(objectPath string, processor *eventprocessor.Processor, ifaces InterfaceResolver, logger *zap.Logger) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objectPath)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %s: %w", objectPath, err)
	}
	if _, ok := spec.Maps[bpf.EventsMap]; !ok {
		return nil, fmt.Errorf("BPF object %s has no %q map", objectPath, bpf.EventsMap)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading BPF objects: %w", err)
	}

	logger.Info("loaded BPF object",
		zap.String("path", objectPath),
		zap.Int("programs", len(coll.Programs)),
		zap.Int("maps", len(coll.Maps)))

	return newLoader(coll, processor, ifaces, logger), nil
}

func newLoader(coll *ebpf.Collection, processor *eventprocessor.Processor, ifaces InterfaceResolver, logger *zap.Logger) *Loader {
	return &Loader{
		coll:      coll,
		processor: processor,
		ifaces:    ifaces,
		logger:    logger,
		links:     make(map[probe.Handle]link.Link),
		tc:        make(map[tcKey]uint32),
		tcBy:      make(map[probe.Handle]tcKey),
	}
}

func (l *Loader) ifindex(name string) (uint32, error) {
	if l.ifaces != nil {
		if idx, ok := l.ifaces.Lookup(name); ok {
			return idx, nil
		}
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("resolving interface %q: %w", name, err)
	}
	//nolint:gosec // interface indexes are positive and small
	return uint32(iface.Index), nil
}

// attachLink creates the kernel link for site.
func (l *Loader) attachLink(site probe.Site) (link.Link, *tcKey, error) {
	prog := l.coll.Programs[site.Program]
	if prog == nil {
		return nil, nil, fmt.Errorf("program %q not found in BPF object", site.Program)
	}
	cookie := uint64(site.ID)

	switch site.Kind {
	case probe.Kprobe:
		lk, err := link.Kprobe(site.Symbol, prog, &link.KprobeOptions{Cookie: cookie})
		return lk, nil, err
	case probe.Kretprobe:
		lk, err := link.Kretprobe(site.Symbol, prog, &link.KprobeOptions{Cookie: cookie})
		return lk, nil, err
	case probe.Tracepoint:
		lk, err := link.Tracepoint(site.Group, site.Event, prog, &link.TracepointOptions{Cookie: cookie})
		return lk, nil, err
	case probe.TCIngress, probe.TCEgress:
		idx, err := l.ifindex(site.Interface)
		if err != nil {
			return nil, nil, err
		}
		attach := ebpf.AttachTCXEgress
		if site.Kind == probe.TCIngress {
			attach = ebpf.AttachTCXIngress
		}
		lk, err := link.AttachTCX(link.TCXOptions{
			Interface: int(idx),
			Program:   prog,
			Attach:    attach,
		})
		return lk, &tcKey{ingress: site.Kind == probe.TCIngress, ifindex: idx}, err
	}
	return nil, nil, fmt.Errorf("%w: %s", probe.ErrUnsupportedKind, site.Kind)
}

// Attach attaches the site's program and routes its events to h.
func (l *Loader) Attach(site probe.Site, h probe.Handler) (probe.Handle, error) {
	lk, tck, err := l.attachLink(site)
	if err != nil {
		return probe.Handle{}, fmt.Errorf("attaching %s: %w", site, err)
	}

	handle, err := l.processor.Attach(site, h)
	if err != nil {
		_ = lk.Close() //nolint:errcheck // Best-effort cleanup in error path
		return probe.Handle{}, err
	}

	l.mu.Lock()
	l.links[handle] = lk
	if tck != nil {
		l.tc[*tck] = site.ID
		l.tcBy[handle] = *tck
	}
	l.mu.Unlock()

	l.logger.Debug("attached BPF program", zap.Stringer("site", site), zap.String("program", site.Program))
	return handle, nil
}

// Detach closes the kernel link of h and removes its route. The program may
// still be running on another CPU when Detach returns.
func (l *Loader) Detach(h probe.Handle) error {
	l.mu.Lock()
	lk, ok := l.links[h]
	delete(l.links, h)
	if tck, isTC := l.tcBy[h]; isTC {
		delete(l.tc, tck)
		delete(l.tcBy, h)
	}
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("detaching site %d: %w", h.Site, probe.ErrUnknownSite)
	}

	var errs []error
	if err := lk.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing link of site %d: %w", h.Site, err))
	}
	if err := l.processor.Detach(h); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HandleEvent maps tc direction markers to sites and dispatches the event.
func (l *Loader) HandleEvent(event *bpf.RawEvent) error {
	if event.Site == bpf.SiteTCIngress || event.Site == bpf.SiteTCEgress {
		key := tcKey{
			ingress: event.Site == bpf.SiteTCIngress,
			//nolint:gosec // tc programs put the ifindex in Key
			ifindex: uint32(event.Key),
		}
		l.mu.Lock()
		site, ok := l.tc[key]
		l.mu.Unlock()
		if !ok {
			return fmt.Errorf("tc event for unattached interface %d", key.ifindex)
		}
		event.Site = site
	}
	return l.processor.HandleEvent(event)
}

// OpenRingBuffer opens and returns a ring buffer reader for receiving events.
func (l *Loader) OpenRingBuffer() (*ringbuf.Reader, error) {
	m := l.coll.Maps[bpf.EventsMap]
	if m == nil {
		return nil, fmt.Errorf("opening ring buffer: map %q not loaded", bpf.EventsMap)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("opening ring buffer: %w", err)
	}
	return rd, nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	l.mu.Lock()
	for h, lk := range l.links {
		if err := lk.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing link of site %d: %w", h.Site, err))
		}
		_ = l.processor.Detach(h) //nolint:errcheck // route may already be gone
	}
	l.links = make(map[probe.Handle]link.Link)
	l.mu.Unlock()

	if l.coll != nil {
		l.coll.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}
	return nil
}
