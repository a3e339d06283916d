package rtnl

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fibsync/fpmsyncd/internal/fpm"
)

// Monitor subscribes to the kernel RTNLGRP_LINK multicast group and delivers
// link up/down events alongside the feed, through the same decoder. It lives
// for the daemon's lifetime, not per feed session.
type Monitor struct {
	fd      int
	decoder Decoder
	events  chan fpm.Event
	closed  atomic.Bool
	logger  *zap.Logger
}

func NewMonitor(logger *zap.Logger) (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1 << (unix.RTNLGRP_LINK - 1),
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}

	m := &Monitor{
		fd:     fd,
		events: make(chan fpm.Event, 64),
		logger: logger,
	}
	go m.run()
	return m, nil
}

// Events delivers decoded kernel link events. The channel is never closed
// while the monitor is open.
func (m *Monitor) Events() <-chan fpm.Event { return m.events }

func (m *Monitor) Close() error {
	m.closed.Store(true)
	return unix.Close(m.fd)
}

func (m *Monitor) run() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(m.fd, buf, 0)
		if err != nil {
			if m.closed.Load() || err == unix.EBADF {
				return
			}
			if err == unix.EINTR || err == unix.ENOBUFS {
				continue
			}
			m.logger.Error("netlink receive failed", zap.Error(err))
			return
		}

		events, err := m.decoder.Decode(buf[:n])
		if err != nil {
			m.logger.Debug("netlink decode failed", zap.Error(err))
			continue
		}
		for _, ev := range events {
			m.events <- ev
		}
	}
}
