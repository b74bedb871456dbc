//go:build darwin || freebsd || netbsd || openbsd

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

func newPlatformPoller() (Poller, error) {
	return newKqueuePoller()
}

// kqueuePoller implements Poller on BSD/macOS using kqueue.
type kqueuePoller struct {
	mu     sync.Mutex
	kq     int
	masks  map[int]Mask
	closed bool
}

func newKqueuePoller() (*kqueuePoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{kq: kq, masks: make(map[int]Mask)}, nil
}

func (p *kqueuePoller) changesFor(handle int, mask Mask, delete bool) []unix.Kevent_t {
	var changes []unix.Kevent_t
	flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
	if delete {
		flags = unix.EV_DELETE
	}
	if mask&Readable != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(handle),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if mask&Writable != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(handle),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return changes
}

func (p *kqueuePoller) Register(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	changes := p.changesFor(handle, mask, false)
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return err
	}
	p.masks[handle] = mask
	return nil
}

func (p *kqueuePoller) Modify(handle int, mask Mask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	// Remove the old interest set, then add the new one; kqueue has no
	// atomic "replace" operation.
	if old, ok := p.masks[handle]; ok {
		if del := p.changesFor(handle, old, true); len(del) > 0 {
			_, _ = unix.Kevent(p.kq, del, nil, nil)
		}
	}
	changes := p.changesFor(handle, mask, false)
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		return err
	}
	p.masks[handle] = mask
	return nil
}

func (p *kqueuePoller) Unregister(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	old, ok := p.masks[handle]
	if !ok {
		return nil
	}
	delete(p.masks, handle)
	changes := p.changesFor(handle, old, true)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Poll(timeoutMs int) ([]Event, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	kq := p.kq
	p.mu.Unlock()

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1e6))
		ts = &t
	}

	out := make([]unix.Kevent_t, 64)
	n, err := unix.Kevent(kq, nil, out, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	byHandle := make(map[int]Mask, n)
	for i := 0; i < n; i++ {
		h := int(out[i].Ident)
		var m Mask
		switch out[i].Filter {
		case unix.EVFILT_READ:
			m = Readable
		case unix.EVFILT_WRITE:
			m = Writable
		}
		byHandle[h] |= m
	}
	events := make([]Event, 0, len(byHandle))
	for h, m := range byHandle {
		events = append(events, Event{Handle: h, Events: m})
	}
	return events, nil
}

func (p *kqueuePoller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.masks)
}

func (p *kqueuePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}
