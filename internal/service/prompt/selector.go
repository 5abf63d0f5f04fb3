package prompt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Selector picks the template for the next turn.
type Selector interface {
	Select() Template
}

type randomSelector struct {
	mu        sync.Mutex
	rng       *rand.Rand
	templates []Template
}

func (s *randomSelector) Select() Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[s.rng.IntN(len(s.templates))]
}

type roundRobinSelector struct {
	next      atomic.Uint64
	templates []Template
}

func (s *roundRobinSelector) Select() Template {
	n := s.next.Add(1) - 1
	return s.templates[n%uint64(len(s.templates))]
}

type fixedSelector struct {
	tmpl Template
}

func (s fixedSelector) Select() Template { return s.tmpl }

// NewSelector builds a selector from a policy string:
// "random", "round_robin" or "fixed:<index|name>". A zero seed seeds
// the random policy from the clock.
func NewSelector(policy string, seed int64, templates []Template) (Selector, error) {
	if len(templates) == 0 {
		return nil, errors.New("no templates configured")
	}
	for _, t := range templates {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	policy = strings.TrimSpace(policy)
	switch {
	case policy == "" || policy == "random":
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return &randomSelector{
			rng:       rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
			templates: templates,
		}, nil
	case policy == "round_robin":
		return &roundRobinSelector{templates: templates}, nil
	case strings.HasPrefix(policy, "fixed:"):
		key := strings.TrimPrefix(policy, "fixed:")
		if idx, err := strconv.Atoi(key); err == nil {
			if idx < 0 || idx >= len(templates) {
				return nil, fmt.Errorf("template index %d out of range", idx)
			}
			return fixedSelector{tmpl: templates[idx]}, nil
		}
		for _, t := range templates {
			if t.Name == key {
				return fixedSelector{tmpl: t}, nil
			}
		}
		return nil, fmt.Errorf("unknown template %q", key)
	default:
		return nil, fmt.Errorf("unknown template policy %q", policy)
	}
}
