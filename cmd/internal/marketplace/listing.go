package marketplace

import "strings"

// Listing is the subset of a rental listing the filters look at.
type Listing struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	CategoryID  string  `json:"category_id"`
	City        string  `json:"city"`
	State       string  `json:"state"`
	PricePerDay float64 `json:"price_per_day"`
}

// Match reports whether l passes every set filter.
// Text and location comparisons are case-insensitive.
func (f Filters) Match(l Listing) bool {
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		if !strings.Contains(strings.ToLower(l.Title), q) && !strings.Contains(strings.ToLower(l.Description), q) {
			return false
		}
	}
	if f.CategoryID != "" && l.CategoryID != f.CategoryID {
		return false
	}
	if loc := f.Location; loc != nil {
		if !strings.EqualFold(l.City, loc.City) || !strings.EqualFold(l.State, loc.State) {
			return false
		}
	}
	if r := f.PriceRange; r != nil {
		if l.PricePerDay < r.Min || l.PricePerDay > r.Max {
			return false
		}
	}
	return true
}

// Filter returns the listings that match, preserving order.
func (f Filters) Filter(ls []Listing) []Listing {
	out := make([]Listing, 0, len(ls))
	for _, l := range ls {
		if f.Match(l) {
			out = append(out, l)
		}
	}
	return out
}
