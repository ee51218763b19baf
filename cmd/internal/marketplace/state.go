// Package marketplace holds the per-viewer browse state of the rental marketplace:
// search query, category, location and price range.
//
// State is passed explicitly to whoever needs it; there is no process-wide filter state.
package marketplace

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"
)

const maxQueryChars = 200

// Location selects listings in one city of one state.
type Location struct {
	City  string `json:"city"`
	State string `json:"state"`
}

// PriceRange bounds the daily price, inclusive.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Filters is an immutable copy of a State.
type Filters struct {
	Query      string      `json:"query"`
	CategoryID string      `json:"category_id,omitempty"`
	Location   *Location   `json:"location,omitempty"`
	PriceRange *PriceRange `json:"price_range,omitempty"`
}

// Validate checks Filters before they are applied.
func (f Filters) Validate() error {
	if utf8.RuneCountInString(f.Query) > maxQueryChars {
		return fmt.Errorf("query exceeds %d characters", maxQueryChars)
	}
	if f.Location != nil {
		if strings.TrimSpace(f.Location.City) == "" || strings.TrimSpace(f.Location.State) == "" {
			return errors.New("location requires city and state")
		}
	}
	if r := f.PriceRange; r != nil {
		switch {
		case math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0):
			return errors.New("price range must be finite")
		case r.Min < 0:
			return errors.New("price range min must be >= 0")
		case r.Max < r.Min:
			return errors.New("price range max must be >= min")
		}
	}
	return nil
}

// State is one viewer's browse state. It is safe for concurrent use.
type State struct {
	mu      sync.RWMutex
	f       Filters
	version uint64
}

// NewState returns an empty State.
func NewState() *State { return &State{} }

// Filters returns a copy of the current filters.
func (s *State) Filters() Filters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFilters(s.f)
}

// Version increases with every change.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *State) SearchQuery() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.f.Query
}

func (s *State) SetSearchQuery(q string) error {
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) > maxQueryChars {
		return fmt.Errorf("query exceeds %d characters", maxQueryChars)
	}
	s.update(func(f *Filters) { f.Query = q })
	return nil
}

// SelectedCategory returns "" when no category is selected.
func (s *State) SelectedCategory() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.f.CategoryID
}

// SetSelectedCategory selects a category; "" clears it.
func (s *State) SetSelectedCategory(id string) {
	id = strings.TrimSpace(id)
	s.update(func(f *Filters) { f.CategoryID = id })
}

// SelectedLocation returns nil when no location is selected.
func (s *State) SelectedLocation() *Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFilters(s.f).Location
}

// SetSelectedLocation selects a location; nil clears it.
func (s *State) SetSelectedLocation(loc *Location) error {
	if loc != nil {
		l := Location{City: strings.TrimSpace(loc.City), State: strings.TrimSpace(loc.State)}
		if err := (Filters{Location: &l}).Validate(); err != nil {
			return err
		}
		loc = &l
	}
	s.update(func(f *Filters) { f.Location = loc })
	return nil
}

// PriceRange returns nil when no range is set.
func (s *State) PriceRange() *PriceRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneFilters(s.f).PriceRange
}

// SetPriceRange sets the price range; nil clears it.
func (s *State) SetPriceRange(r *PriceRange) error {
	if r != nil {
		c := *r
		if err := (Filters{PriceRange: &c}).Validate(); err != nil {
			return err
		}
		r = &c
	}
	s.update(func(f *Filters) { f.PriceRange = r })
	return nil
}

// Replace validates and swaps in all filters at once.
func (s *State) Replace(f Filters) error {
	f.Query = strings.TrimSpace(f.Query)
	f.CategoryID = strings.TrimSpace(f.CategoryID)
	if f.Location != nil {
		f.Location = &Location{City: strings.TrimSpace(f.Location.City), State: strings.TrimSpace(f.Location.State)}
	}
	if err := f.Validate(); err != nil {
		return err
	}
	f = cloneFilters(f)
	s.update(func(cur *Filters) { *cur = f })
	return nil
}

// Reset clears every filter.
func (s *State) Reset() {
	s.update(func(f *Filters) { *f = Filters{} })
}

func (s *State) update(fn func(*Filters)) {
	s.mu.Lock()
	fn(&s.f)
	s.version++
	s.mu.Unlock()
}

func cloneFilters(f Filters) Filters {
	if f.Location != nil {
		l := *f.Location
		f.Location = &l
	}
	if f.PriceRange != nil {
		r := *f.PriceRange
		f.PriceRange = &r
	}
	return f
}
