package auth

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Monitor re-checks the token on an interval and reports once when it is
// gone or expired. A token replaced by a different valid one is accepted; the
// live connection keeps the one it was opened with.
type Monitor struct {
	source   Source
	interval time.Duration
	now      func() time.Time

	expired  chan error
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMonitor(source Source, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		source:   source,
		interval: interval,
		now:      time.Now,
		expired:  make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

// Expired receives a single error wrapping ErrTokenExpired.
func (m *Monitor) Expired() <-chan error {
	return m.expired
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	log.Printf("auth: monitor started (interval=%s)", m.interval)
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.check(); err != nil {
				log.Printf("auth: %v", err)
				m.expired <- err
				return
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) check() error {
	tok, err := m.source.Resolve()
	if errors.Is(err, ErrNoToken) {
		return fmt.Errorf("%w: token removed", ErrTokenExpired)
	}
	if err != nil {
		// Unreadable file: keep the current session, try again next tick.
		log.Printf("auth: %v", err)
		return nil
	}
	if err := Check(tok, m.now()); err != nil {
		return err
	}
	return nil
}
