//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package poller

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

func newPlatformPoller() (Poller, error) {
	return &genericPoller{masks: make(map[int]Mask)}, nil
}

// genericPoller is the level-triggered poll(2) fallback used on
// platforms without a kernel event queue back-end. Every Poll() call
// re-builds the pollfd slice from the tracked handle set, which is the
// cost poll(2) always pays but keeps this implementation trivially
// correct for the handful of descriptors the supervisor ever watches
// (one FileWatcher handle, one self-pipe, one handle per HTTP listener).
type genericPoller struct {
	mu     sync.Mutex
	masks  map[int]Mask
	closed bool
}

func toPollEvents(m Mask) int16 {
	var ev int16
	if m&Readable != 0 {
		ev |= unix.POLLIN
	}
	if m&Writable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (p *genericPoller) Register(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.masks[handle] = mask
	return nil
}

func (p *genericPoller) Modify(handle int, mask Mask) error {
	return p.Register(handle, mask)
}

func (p *genericPoller) Unregister(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	delete(p.masks, handle)
	return nil
}

func (p *genericPoller) Poll(timeoutMs int) ([]Event, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	handles := make([]int, 0, len(p.masks))
	for h := range p.masks {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	fds := make([]unix.PollFd, len(handles))
	for i, h := range handles {
		fds[i] = unix.PollFd{Fd: int32(h), Events: toPollEvents(p.masks[h])}
	}
	p.mu.Unlock()

	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]Event, 0, n)
	for _, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		var m Mask
		if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			m |= Readable
		}
		if fd.Revents&unix.POLLOUT != 0 {
			m |= Writable
		}
		out = append(out, Event{Handle: int(fd.Fd), Events: m})
	}
	return out, nil
}

func (p *genericPoller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.masks)
}

func (p *genericPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
