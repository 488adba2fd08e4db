// Package mapping holds the static association between channels on different
// networks. A Mapping is built once at startup and only read afterwards, so it
// needs no locking.
package mapping

import (
	"sort"
	"strings"
)

// Endpoint is one channel on one pier.
type Endpoint struct {
	Pier    string `yaml:"pier" json:"pier"`
	Channel string `yaml:"channel" json:"channel"`
}

func (e Endpoint) String() string {
	return e.Pier + ":" + e.Channel
}

// Route relays messages seen on From to To.
type Route struct {
	From Endpoint
	To   Endpoint
}

func (r Route) String() string {
	return r.From.String() + " -> " + r.To.String()
}

// Bidirectional returns the two routes linking a and b.
func Bidirectional(a, b Endpoint) []Route {
	return []Route{{From: a, To: b}, {From: b, To: a}}
}

// Mapping is an immutable set of routes indexed by source endpoint.
type Mapping struct {
	routes []Route
	bySrc  map[Endpoint][]Endpoint
}

// New indexes routes after structural validation. Exact duplicates collapse,
// so declaring A->B and B->A next to a bidirectional A<->B is harmless.
func New(routes []Route) (*Mapping, error) {
	m := &Mapping{bySrc: make(map[Endpoint][]Endpoint)}
	seen := make(map[Route]bool, len(routes))

	for _, r := range routes {
		if err := checkRoute(r); err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true

		for _, dst := range m.bySrc[r.From] {
			if dst.Pier == r.To.Pier {
				return nil, invalid("%s maps to both %s and %s", r.From, dst, r.To)
			}
		}
		m.bySrc[r.From] = append(m.bySrc[r.From], r.To)
		m.routes = append(m.routes, r)
	}
	return m, nil
}

func checkRoute(r Route) error {
	for _, e := range []Endpoint{r.From, r.To} {
		if strings.TrimSpace(e.Pier) == "" || strings.TrimSpace(e.Channel) == "" {
			return invalid("route %s has an empty pier or channel", r)
		}
	}
	if r.From == r.To {
		return cyclic("%s routes to itself", r.From)
	}
	if r.From.Pier == r.To.Pier {
		return invalid("route %s links two channels of the same pier", r)
	}
	return nil
}

// DestinationsFor returns every counterpart of (pierID, channelID) in
// declaration order, or nil when the channel is not bridged.
func (m *Mapping) DestinationsFor(pierID, channelID string) []Endpoint {
	return m.bySrc[Endpoint{Pier: pierID, Channel: channelID}]
}

// Routes returns a copy of the routes in declaration order.
func (m *Mapping) Routes() []Route {
	out := make([]Route, len(m.routes))
	copy(out, m.routes)
	return out
}

// Piers returns the sorted ids of every pier named by a route.
func (m *Mapping) Piers() []string {
	set := make(map[string]bool)
	for _, r := range m.routes {
		set[r.From.Pier] = true
		set[r.To.Pier] = true
	}
	return sortedKeys(set)
}

// ChannelsFor returns the sorted channels of pierID that appear in any route.
func (m *Mapping) ChannelsFor(pierID string) []string {
	set := make(map[string]bool)
	for _, r := range m.routes {
		for _, e := range []Endpoint{r.From, r.To} {
			if e.Pier == pierID {
				set[e.Channel] = true
			}
		}
	}
	return sortedKeys(set)
}

// Len returns the number of distinct routes.
func (m *Mapping) Len() int {
	return len(m.routes)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
