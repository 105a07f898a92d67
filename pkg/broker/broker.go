// Package broker models the ordered set of brokers a rolling operation walks.
package broker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clusterrebootd/kafka-rolling/pkg/config"
)

// Broker identifies a single cluster member. Identity is the ID.
type Broker struct {
	ID   int
	Host string
}

func (b Broker) String() string {
	return fmt.Sprintf("%d (%s)", b.ID, b.Host)
}

// List is a sequence of brokers in ascending ID order. It is never mutated
// once built, only sliced.
type List []Broker

// NewList sorts brokers by ID and rejects duplicate IDs and empty hosts.
func NewList(brokers []Broker) (List, error) {
	sorted := make(List, len(brokers))
	copy(sorted, brokers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	problems := make([]string, 0)
	for i, b := range sorted {
		if strings.TrimSpace(b.Host) == "" {
			problems = append(problems, fmt.Sprintf("broker %d has no host", b.ID))
		}
		if i > 0 && sorted[i-1].ID == b.ID {
			problems = append(problems, fmt.Sprintf("broker id %d is listed more than once", b.ID))
		}
	}
	if len(problems) > 0 {
		return nil, &config.ValidationError{Problems: problems}
	}
	return sorted, nil
}

// IDs returns the broker IDs in list order.
func (l List) IDs() []int {
	ids := make([]int, len(l))
	for i, b := range l {
		ids[i] = b.ID
	}
	return ids
}

// Hosts returns the broker hosts in list order.
func (l List) Hosts() []string {
	hosts := make([]string, len(l))
	for i, b := range l {
		hosts[i] = b.Host
	}
	return hosts
}

// Index returns the position of the broker with the given ID, or -1.
func (l List) Index(id int) int {
	for i, b := range l {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// Filter keeps the brokers whose IDs appear in ids, preserving list order.
// Every requested ID must exist in the list.
func Filter(l List, ids []int) (List, error) {
	if len(ids) == 0 {
		return l, nil
	}
	wanted := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	problems := make([]string, 0)
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if l.Index(id) < 0 {
			problems = append(problems, fmt.Sprintf("broker id %d does not exist in cluster", id))
		}
	}
	if len(problems) > 0 {
		return nil, &config.ValidationError{Problems: problems}
	}

	filtered := make(List, 0, len(wanted))
	for _, b := range l {
		if _, ok := wanted[b.ID]; ok {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}
