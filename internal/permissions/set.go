package permissions

import "sort"

// Set is an unordered collection of unique permissions.
type Set map[Permission]struct{}

func NewSet(ps ...Permission) Set {
	s := make(Set, len(ps))
	for _, p := range ps {
		s[p] = struct{}{}
	}
	return s
}

// FullSet returns the whole catalog.
func FullSet() Set { return NewSet(All...) }

func (s Set) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Allows reports whether p is granted directly or through ADMINISTRATOR.
func (s Set) Allows(p Permission) bool {
	return s.Contains(p) || s.Contains(Administrator)
}

// AllowsAny reports whether at least one of ps is allowed.
func (s Set) AllowsAny(ps ...Permission) bool {
	for _, p := range ps {
		if s.Allows(p) {
			return true
		}
	}
	return false
}

// List returns the members in catalog order. Never nil.
func (s Set) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	Sort(out)
	return out
}

// Sort orders ps by catalog position; unknown values sort last.
func Sort(ps []Permission) {
	sort.SliceStable(ps, func(i, j int) bool {
		return position(ps[i]) < position(ps[j])
	})
}

func position(p Permission) int {
	if i, ok := index[p]; ok {
		return i
	}
	return len(All)
}

// Dedupe removes repeated entries, keeping first occurrences.
func Dedupe(ps []Permission) []Permission {
	seen := make(map[Permission]bool, len(ps))
	out := make([]Permission, 0, len(ps))
	for _, p := range ps {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
