package panels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/feed"
)

// Set owns every enabled panel.
type Set struct {
	panels []Panel
	byName map[string]Panel

	closeOnce sync.Once
}

// NewSet builds the enabled panels of cfg in order. If any panel fails to
// build, the ones already built are closed.
func NewSet(deps feed.Deps, src Fetcher, cfg config.FeedsConfig, st Settings) (*Set, error) {
	s := &Set{byName: make(map[string]Panel)}

	for _, pc := range cfg.Panels {
		if pc.Disabled {
			continue
		}
		ctor, ok := constructors[pc.Name]
		if !ok {
			s.Close()
			return nil, fmt.Errorf("unknown panel %q", pc.Name)
		}
		if _, dup := s.byName[pc.Name]; dup {
			s.Close()
			return nil, fmt.Errorf("duplicate panel %q", pc.Name)
		}
		p, err := ctor(deps, src, pc, st)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.panels = append(s.panels, p)
		s.byName[pc.Name] = p
	}

	return s, nil
}

// Panels returns the panels in config order.
func (s *Set) Panels() []Panel {
	return append([]Panel(nil), s.panels...)
}

// Names returns the panel names in config order.
func (s *Set) Names() []string {
	names := make([]string, len(s.panels))
	for i, p := range s.panels {
		names[i] = p.Name()
	}
	return names
}

// Get returns the panel with the given name.
func (s *Set) Get(name string) (Panel, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Rows returns every panel's current row.
func (s *Set) Rows() []Row {
	rows := make([]Row, len(s.panels))
	for i, p := range s.panels {
		rows[i] = p.Row()
	}
	return rows
}

// RefreshAll refreshes every panel concurrently and joins the errors.
func (s *Set) RefreshAll(ctx context.Context) error {
	errs := make([]error, len(s.panels))
	var wg sync.WaitGroup
	for i, p := range s.panels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Refresh(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", p.Name(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close closes every panel. Idempotent.
func (s *Set) Close() {
	s.closeOnce.Do(func() {
		for _, p := range s.panels {
			p.Close()
		}
	})
}
