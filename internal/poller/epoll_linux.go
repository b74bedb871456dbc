//go:build linux

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

func newPlatformPoller() (Poller, error) {
	return newEpollPoller()
}

// epollPoller implements Poller on Linux using epoll. Registered handles
// are tracked so Len() and re-registration can be validated without a
// round-trip through the kernel.
type epollPoller struct {
	mu      sync.Mutex
	epfd    int
	masks   map[int]Mask
	events  []unix.EpollEvent
	closed  bool
}

func newEpollPoller() (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		epfd:   fd,
		masks:  make(map[int]Mask),
		events: make([]unix.EpollEvent, 64),
	}, nil
}

func toEpollEvents(m Mask) uint32 {
	var ev uint32
	if m&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpollEvents(ev uint32) Mask {
	var m Mask
	if ev&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		m |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	return m
}

func (p *epollPoller) Register(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	event := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(handle)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, handle, &event); err != nil {
		return err
	}
	p.masks[handle] = mask
	return nil
}

func (p *epollPoller) Modify(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	event := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(handle)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, handle, &event); err != nil {
		return err
	}
	p.masks[handle] = mask
	return nil
}

func (p *epollPoller) Unregister(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.masks[handle]; !ok {
		return nil
	}
	delete(p.masks, handle)
	// EPOLL_CTL_DEL ignores the event argument but older kernels require
	// a non-nil pointer.
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, handle, &unix.EpollEvent{})
}

func (p *epollPoller) Poll(timeoutMs int) ([]Event, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	buf := p.events
	epfd := p.epfd
	p.mu.Unlock()

	n, err := unix.EpollWait(epfd, buf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Event{Handle: int(buf[i].Fd), Events: fromEpollEvents(buf[i].Events)})
	}
	return out, nil
}

func (p *epollPoller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.masks)
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}
