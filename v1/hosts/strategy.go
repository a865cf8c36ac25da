package hosts

import (
	"math/rand"
	"sync"
	"time"
)

// Strategy iterates over candidate broker hosts during a connection attempt cycle.
//
// A cycle starts with Reset and visits every candidate exactly once. Next advances
// to the following untried candidate and reports false once the cycle is exhausted.
// Success marks the cycle as successful and stops any further advancement until
// the next Reset.
//
// Implementations are safe for concurrent use.
type Strategy interface {
	// Add appends a candidate host. It takes part in cycles started after the call.
	Add(host Host)

	// Current returns the candidate of the current position in the cycle.
	Current() Host

	// Next moves to the next untried candidate and reports whether one was left.
	Next() bool

	// Success marks the current candidate as the one that worked.
	Success()

	// Succeeded reports whether Success was called since the last Reset.
	Succeeded() bool

	// Reset starts a new cycle.
	Reset()

	// Len returns the number of candidates.
	Len() int
}

// strategy implements all policies; they differ only in the visiting order
// computed on Reset.
type strategy struct {
	mu sync.Mutex

	policy Policy
	hosts  []Host

	// order is the permutation of host indexes visited in the current cycle
	order []int
	pos   int

	succeeded   bool
	lastSuccess int

	rnd *rand.Rand
}

// New creates a strategy for the given policy. An empty policy means Ordered.
//
// Example:
//
//	s, err := hosts.New(hosts.RoundRobin,
//		hosts.Host{Name: "rabbit-0", Port: 5672},
//		hosts.Host{Name: "rabbit-1", Port: 5672},
//	)
func New(policy Policy, candidates ...Host) (Strategy, error) {
	if policy == "" {
		policy = Ordered
	}
	switch policy {
	case Ordered, Random, RoundRobin:
	default:
		return nil, ErrUnknownPolicy
	}
	if len(candidates) == 0 {
		return nil, ErrNoHosts
	}

	s := &strategy{
		policy:      policy,
		hosts:       append([]Host(nil), candidates...),
		lastSuccess: -1,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.resetLocked()
	return s, nil
}

func (s *strategy) Add(host Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = append(s.hosts, host)
}

func (s *strategy) Current() Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hosts[s.order[s.pos]]
}

func (s *strategy) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.succeeded || s.pos+1 >= len(s.order) {
		return false
	}
	s.pos++
	return true
}

func (s *strategy) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded = true
	s.lastSuccess = s.order[s.pos]
}

func (s *strategy) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded
}

func (s *strategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *strategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hosts)
}

func (s *strategy) resetLocked() {
	n := len(s.hosts)
	s.pos = 0
	s.succeeded = false

	switch s.policy {
	case Random:
		s.order = s.rnd.Perm(n)
	case RoundRobin:
		start := (s.lastSuccess + 1) % n
		s.order = make([]int, n)
		for i := range s.order {
			s.order[i] = (start + i) % n
		}
	default:
		s.order = make([]int, n)
		for i := range s.order {
			s.order[i] = i
		}
	}
}
