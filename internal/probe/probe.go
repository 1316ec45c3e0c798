// Package probe defines the attachment contract between event sites and the
// handlers that run when they fire.
package probe

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSite is returned when detaching a handle that is not attached.
	ErrUnknownSite = errors.New("unknown probe site")
	// ErrUnsupportedKind is returned for a site kind the attacher cannot serve.
	ErrUnsupportedKind = errors.New("unsupported probe kind")
)

// Kind is the type of instrumentation point.
type Kind string

const (
	Kprobe     Kind = "kprobe"
	Kretprobe  Kind = "kretprobe"
	Tracepoint Kind = "tracepoint"
	TCIngress  Kind = "tc_ingress"
	TCEgress   Kind = "tc_egress"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Kprobe, Kretprobe, Tracepoint, TCIngress, TCEgress:
		return true
	}
	return false
}

// Role is what a site's handler does with an event.
type Role string

const (
	RoleStart     Role = "start"
	RoleEnd       Role = "end"
	RoleInterval  Role = "interval"
	RoleCount     Role = "count"
	RoleTrafficTX Role = "traffic_tx"
	RoleTrafficRX Role = "traffic_rx"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleStart, RoleEnd, RoleInterval, RoleCount, RoleTrafficTX, RoleTrafficRX:
		return true
	}
	return false
}

// Site is an event site to attach to.
type Site struct {
	ID   uint32
	Name string
	Kind Kind
	Role Role

	Symbol    string // kprobe / kretprobe
	Group     string // tracepoint group
	Event     string // tracepoint event
	Interface string // tc_ingress / tc_egress
	Program   string // program name in the compiled object
}

func (s Site) String() string {
	switch s.Kind {
	case Tracepoint:
		return fmt.Sprintf("%s(%s:%s:%s)", s.Name, s.Kind, s.Group, s.Event)
	case TCIngress, TCEgress:
		return fmt.Sprintf("%s(%s:%s)", s.Name, s.Kind, s.Interface)
	default:
		return fmt.Sprintf("%s(%s:%s)", s.Name, s.Kind, s.Symbol)
	}
}

// Event is what a site delivers to its handler.
type Event struct {
	Site      uint32
	CPU       uint32 // execution context
	Key       uint64 // correlation key or entity id
	Timestamp uint64 // monotonic ns
	Length    uint64 // bytes, for traffic sites
}

// Handler runs in the producer context of a site. It must not block.
type Handler func(Event)

// Handle identifies an attachment.
type Handle struct {
	Site uint32
	ID   uint64
}

// Attacher attaches handlers to event sites.
type Attacher interface {
	Attach(site Site, h Handler) (Handle, error)
	Detach(h Handle) error
}
