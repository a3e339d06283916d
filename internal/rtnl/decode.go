// Package rtnl decodes rtnetlink message streams into feed events and
// subscribes to the kernel link multicast group. Only the attributes the
// sync core consumes are parsed; multipath, MPLS and vrf attributes are not
// handled here.
package rtnl

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fibsync/fpmsyncd/internal/fpm"
)

const (
	nlmsgHdrLen = 16
	rtMsgLen    = 12
	ifInfoLen   = 16
)

// Decoder implements fpm.Decoder for rtnetlink payloads.
type Decoder struct{}

func (Decoder) Decode(payload []byte) ([]fpm.Event, error) {
	var events []fpm.Event

	rest := payload
	for len(rest) >= nlmsgHdrLen {
		msgLen := int(binary.NativeEndian.Uint32(rest[0:4]))
		msgType := binary.NativeEndian.Uint16(rest[4:6])
		if msgLen < nlmsgHdrLen || msgLen > len(rest) {
			return events, fmt.Errorf("rtnl: bad message length %d", msgLen)
		}
		body := rest[nlmsgHdrLen:msgLen]
		rest = rest[min(align(msgLen), len(rest)):]

		switch msgType {
		case unix.NLMSG_DONE:
			return events, nil
		case unix.NLMSG_NOOP, unix.NLMSG_ERROR:
			continue
		case unix.RTM_NEWROUTE, unix.RTM_DELROUTE:
			ev, ok, err := decodeRoute(msgType, body)
			if err != nil {
				return events, err
			}
			if ok {
				events = append(events, ev)
			}
		case unix.RTM_NEWLINK, unix.RTM_DELLINK:
			ev, err := decodeLink(msgType, body)
			if err != nil {
				return events, err
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

func decodeRoute(msgType uint16, body []byte) (fpm.Event, bool, error) {
	if len(body) < rtMsgLen {
		return fpm.Event{}, false, fmt.Errorf("rtnl: short rtmsg (%d bytes)", len(body))
	}

	family := body[0]
	dstLen := body[1]
	protocol := body[8]
	routeType := body[10]

	// Only unicast routes are synchronized.
	if routeType != unix.RTN_UNICAST {
		return fpm.Event{}, false, nil
	}

	ev := fpm.Event{
		Kind:     fpm.KindRouteAdd,
		Protocol: protocolName(protocol),
	}
	if msgType == unix.RTM_DELROUTE {
		ev.Kind = fpm.KindRouteDel
	}

	var dst netip.Addr
	err := parseAttrs(body[rtMsgLen:], func(typ uint16, val []byte) error {
		switch typ {
		case unix.RTA_DST:
			addr, ok := netip.AddrFromSlice(val)
			if !ok {
				return fmt.Errorf("rtnl: bad RTA_DST length %d", len(val))
			}
			dst = addr
		case unix.RTA_GATEWAY:
			addr, ok := netip.AddrFromSlice(val)
			if !ok {
				return fmt.Errorf("rtnl: bad RTA_GATEWAY length %d", len(val))
			}
			ev.NextHops = append(ev.NextHops, addr)
		case unix.RTA_OIF:
			if len(val) >= 4 {
				ev.OutIfs = append(ev.OutIfs, int32(binary.NativeEndian.Uint32(val)))
			}
		case unix.RTA_PRIORITY:
			if len(val) >= 4 {
				ev.Priority = binary.NativeEndian.Uint32(val)
			}
		}
		return nil
	})
	if err != nil {
		return fpm.Event{}, false, err
	}

	if !dst.IsValid() {
		// No RTA_DST means the default route for the family.
		if family == unix.AF_INET6 {
			dst = netip.IPv6Unspecified()
		} else {
			dst = netip.IPv4Unspecified()
		}
	}
	ev.Prefix = netip.PrefixFrom(dst, int(dstLen))

	return ev, true, nil
}

func decodeLink(msgType uint16, body []byte) (fpm.Event, error) {
	if len(body) < ifInfoLen {
		return fpm.Event{}, fmt.Errorf("rtnl: short ifinfomsg (%d bytes)", len(body))
	}

	flags := binary.NativeEndian.Uint32(body[8:12])
	ev := fpm.Event{
		Kind:    fpm.KindLinkAdd,
		IfIndex: int32(binary.NativeEndian.Uint32(body[4:8])),
		Up:      flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0,
	}
	if msgType == unix.RTM_DELLINK {
		ev.Kind = fpm.KindLinkDel
	}

	err := parseAttrs(body[ifInfoLen:], func(typ uint16, val []byte) error {
		if typ == unix.IFLA_IFNAME {
			ev.IfName = strings.TrimRight(string(val), "\x00")
		}
		return nil
	})
	if err != nil {
		return fpm.Event{}, err
	}
	return ev, nil
}

func parseAttrs(b []byte, fn func(typ uint16, val []byte) error) error {
	for len(b) >= 4 {
		attrLen := int(binary.NativeEndian.Uint16(b[0:2]))
		attrType := binary.NativeEndian.Uint16(b[2:4])
		if attrLen < 4 || attrLen > len(b) {
			return fmt.Errorf("rtnl: bad attribute length %d", attrLen)
		}
		// Mask off the nested/byte-order flag bits.
		if err := fn(attrType&0x3fff, b[4:attrLen]); err != nil {
			return err
		}
		b = b[min(align(attrLen), len(b)):]
	}
	return nil
}

func align(n int) int {
	return (n + 3) &^ 3
}

func protocolName(p uint8) string {
	switch p {
	case unix.RTPROT_KERNEL:
		return "kernel"
	case unix.RTPROT_BOOT:
		return "boot"
	case unix.RTPROT_STATIC:
		return "static"
	case unix.RTPROT_ZEBRA:
		return "zebra"
	case unix.RTPROT_BGP:
		return "bgp"
	case unix.RTPROT_OSPF:
		return "ospf"
	case unix.RTPROT_ISIS:
		return "isis"
	case unix.RTPROT_RIP:
		return "rip"
	default:
		return strconv.Itoa(int(p))
	}
}
