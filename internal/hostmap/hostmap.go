// Package hostmap resolves ranks to network endpoints and receiver-set
// membership, per spec §6 ("a hostname/interface address per rank may be
// supplied as a host map").
package hostmap

import (
	"fmt"
	"net"
	"sort"

	"github.com/gobwas/glob"
)

// Entry is one rank's resolved network identity.
type Entry struct {
	Rank int32  `yaml:"rank"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port pair suitable for net.Dial/net.Listen.
func (e Entry) Addr() string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}

// Config is the YAML-loadable host map: a flat rank list plus named
// receiver sets expressed as glob patterns over host names, mirroring how
// the fabric's configured receivers are usually expressed operationally
// (by hostname class rather than by explicit rank list).
type Config struct {
	Ranks        []Entry             `yaml:"ranks"`
	ReceiverSets map[string][]string `yaml:"receiver_sets"`
}

// Map is the resolved, queryable form of Config.
type Map struct {
	byRank map[int32]Entry
	sets   map[string][]int32
}

// Build resolves a Config into a Map, matching each rank's host against
// every configured receiver-set glob.
func Build(cfg Config) (*Map, error) {
	m := &Map{
		byRank: make(map[int32]Entry, len(cfg.Ranks)),
		sets:   make(map[string][]int32, len(cfg.ReceiverSets)),
	}

	for _, e := range cfg.Ranks {
		if _, dup := m.byRank[e.Rank]; dup {
			return nil, fmt.Errorf("hostmap: duplicate rank %d", e.Rank)
		}
		m.byRank[e.Rank] = e
	}

	for name, patterns := range cfg.ReceiverSets {
		globs := make([]glob.Glob, 0, len(patterns))
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("hostmap: receiver set %q: bad pattern %q: %w", name, p, err)
			}
			globs = append(globs, g)
		}

		var ranks []int32
		for _, e := range cfg.Ranks {
			for _, g := range globs {
				if g.Match(e.Host) {
					ranks = append(ranks, e.Rank)
					break
				}
			}
		}
		sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
		m.sets[name] = ranks
	}

	return m, nil
}

// Resolve returns the network endpoint for a rank.
func (m *Map) Resolve(rank int32) (Entry, bool) {
	e, ok := m.byRank[rank]
	return e, ok
}

// Set returns the ranks belonging to a named receiver set.
func (m *Map) Set(name string) ([]int32, bool) {
	ranks, ok := m.sets[name]
	return ranks, ok
}

// Ranks returns every configured rank, ascending.
func (m *Map) Ranks() []int32 {
	ranks := make([]int32, 0, len(m.byRank))
	for r := range m.byRank {
		ranks = append(ranks, r)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
	return ranks
}
