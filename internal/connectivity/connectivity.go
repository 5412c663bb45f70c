// Package connectivity turns host network signals into online/offline
// reports for the sync driver.
package connectivity

import (
	"context"
	"sync"
)

// Source reports connectivity until ctx is cancelled. report may be
// called with the same value repeatedly; consumers de-duplicate.
type Source interface {
	Run(ctx context.Context, report func(online bool)) error
}

// Manual is a Source driven by explicit Set calls.
type Manual struct {
	mu      sync.Mutex
	online  bool
	changed chan struct{}
}

// NewManual creates a manual source starting at online.
func NewManual(online bool) *Manual {
	return &Manual{online: online, changed: make(chan struct{}, 1)}
}

// Set records the new state.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *Manual) current() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run implements Source.
func (m *Manual) Run(ctx context.Context, report func(bool)) error {
	report(m.current())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.changed:
			report(m.current())
		}
	}
}

// All combines sources: the result is online only while every source
// last reported online. Sources that have not reported yet count as
// online.
func All(sources ...Source) Source {
	return allSources(sources)
}

type allSources []Source

func (a allSources) Run(ctx context.Context, report func(bool)) error {
	if len(a) == 0 {
		report(true)
		<-ctx.Done()
		return nil
	}

	var mu sync.Mutex
	offline := make([]bool, len(a))
	emit := func(i int, online bool) {
		mu.Lock()
		defer mu.Unlock()
		offline[i] = !online
		for _, off := range offline {
			if off {
				report(false)
				return
			}
		}
		report(true)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, len(a))
	for i, src := range a {
		go func() {
			errs <- src.Run(ctx, func(online bool) { emit(i, online) })
		}()
	}

	var first error
	for range a {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}
