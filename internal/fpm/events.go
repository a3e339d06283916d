// Package fpm implements the forwarding-plane-manager feed: a TCP listener
// the routing stack connects to, streaming framed netlink messages that are
// decoded into route and link events.
package fpm

import (
	"context"
	"fmt"
	"net/netip"
)

// Kind identifies the message kind of a feed event.
type Kind int

const (
	KindRouteAdd Kind = iota
	KindRouteDel
	KindLinkAdd
	KindLinkDel
)

func (k Kind) String() string {
	switch k {
	case KindRouteAdd:
		return "route-add"
	case KindRouteDel:
		return "route-del"
	case KindLinkAdd:
		return "link-add"
	case KindLinkDel:
		return "link-del"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one decoded routing-stack notification. Route fields are set for
// route kinds, link fields for link kinds.
type Event struct {
	Kind Kind

	// Route fields.
	Prefix   netip.Prefix
	NextHops []netip.Addr
	OutIfs   []int32
	Priority uint32
	Protocol string

	// Link fields.
	IfIndex int32
	IfName  string
	Up      bool
}

// Handler receives decoded feed events, one method per message kind.
type Handler interface {
	HandleRouteAdd(ctx context.Context, ev Event) error
	HandleRouteDel(ctx context.Context, ev Event) error
	HandleLinkAdd(ctx context.Context, ev Event) error
	HandleLinkDel(ctx context.Context, ev Event) error
}

// Dispatcher routes events to the handler registered for their kind.
// Registration happens once at startup; dispatch runs on the loop goroutine.
type Dispatcher struct {
	handlers map[Kind]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Kind]Handler)}
}

// Register binds a handler to one message kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.handlers[kind] = h
}

// Dispatch invokes the handler registered for the event's kind. Events with
// no registered handler are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	h, ok := d.handlers[ev.Kind]
	if !ok {
		return nil
	}
	switch ev.Kind {
	case KindRouteAdd:
		return h.HandleRouteAdd(ctx, ev)
	case KindRouteDel:
		return h.HandleRouteDel(ctx, ev)
	case KindLinkAdd:
		return h.HandleLinkAdd(ctx, ev)
	case KindLinkDel:
		return h.HandleLinkDel(ctx, ev)
	default:
		return nil
	}
}
