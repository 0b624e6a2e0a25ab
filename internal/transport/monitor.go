package transport

import "sync"

// Monitor is a settable domain.NetworkMonitor. The CLI flips it from OS
// signals; tests flip it directly. Waiters registered through Notify get
// exactly one signal on the next change, then the channel is closed.
type Monitor struct {
	mu         sync.Mutex
	online     bool
	foreground bool
	waiters    []chan struct{}
}

// NewMonitor starts online and foregrounded.
func NewMonitor() *Monitor {
	return &Monitor{online: true, foreground: true}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) Foreground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

func (m *Monitor) Notify() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{}, 1)
	m.waiters = append(m.waiters, ch)
	return ch
}

// SetOnline updates reachability and wakes waiters when it changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	waiters := m.takeWaitersLocked(changed)
	m.mu.Unlock()
	signal(waiters)
}

// SetForeground updates visibility and wakes waiters when it changed.
func (m *Monitor) SetForeground(foreground bool) {
	m.mu.Lock()
	changed := m.foreground != foreground
	m.foreground = foreground
	waiters := m.takeWaitersLocked(changed)
	m.mu.Unlock()
	signal(waiters)
}

func (m *Monitor) takeWaitersLocked(changed bool) []chan struct{} {
	if !changed {
		return nil
	}
	waiters := m.waiters
	m.waiters = nil
	return waiters
}

func signal(waiters []chan struct{}) {
	for _, ch := range waiters {
		ch <- struct{}{}
		close(ch)
	}
}
