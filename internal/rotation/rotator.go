// Package rotation provides round-robin selection over a pool of
// interchangeable resources, typically API keys for rate-limited providers.
package rotation

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrEmptyPool is returned when a rotator is created without any resources.
var ErrEmptyPool = errors.New("resource pool is empty")

const (
	defaultCooldown         = 5 * time.Minute
	defaultFailureThreshold = 3
)

// Rotator hands out resources in round-robin order. Callers that hit a
// rate limit or auth failure on the current resource call Rotate to advance;
// repeated failures put a resource into a cooldown during which it is
// skipped. A single mutex guards the index, so rotation is safe under
// concurrent callers from different queues sharing the pool.
type Rotator struct {
	name             string
	resources        []string
	index            int
	failCounts       map[string]int
	coolingUntil     map[string]time.Time
	cooldown         time.Duration
	failureThreshold int
	mu               sync.Mutex
	log              zerolog.Logger
}

// New creates a rotator over the given resource pool.
func New(name string, resources []string, log zerolog.Logger) (*Rotator, error) {
	if len(resources) == 0 {
		return nil, ErrEmptyPool
	}

	pool := make([]string, len(resources))
	copy(pool, resources)

	return &Rotator{
		name:             name,
		resources:        pool,
		failCounts:       make(map[string]int),
		coolingUntil:     make(map[string]time.Time),
		cooldown:         defaultCooldown,
		failureThreshold: defaultFailureThreshold,
		log:              log.With().Str("component", "rotator").Str("pool", name).Logger(),
	}, nil
}

// Current returns the resource callers should use right now. Resources in
// cooldown are skipped; if the whole pool is cooling down the current one is
// returned anyway so callers can keep trying.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.resources[r.healthyIndexFrom(r.index, time.Now())]
}

// Rotate advances to the next resource and returns it.
func (r *Rotator) Rotate() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.index = r.healthyIndexFrom((r.index+1)%len(r.resources), time.Now())
	r.log.Debug().Str("resource", mask(r.resources[r.index])).Msg("Rotated to next resource")
	return r.resources[r.index]
}

// MarkFailure records a failure against a resource. Once a resource fails
// repeatedly it enters a cooldown and is skipped until the cooldown passes.
func (r *Rotator) MarkFailure(resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failCounts[resource]++
	if r.failCounts[resource] < r.failureThreshold {
		return
	}

	r.failCounts[resource] = 0
	r.coolingUntil[resource] = time.Now().Add(r.cooldown)
	r.log.Warn().
		Str("resource", mask(resource)).
		Dur("cooldown", r.cooldown).
		Msg("Resource cooling down after repeated failures")
}

// MarkSuccess clears the failure streak for a resource.
func (r *Rotator) MarkSuccess(resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.failCounts, resource)
}

// Size returns the number of resources in the pool.
func (r *Rotator) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.resources)
}

// healthyIndexFrom returns the first index at or after start whose resource
// is not cooling down, wrapping around the pool. Must be called with the
// lock held.
func (r *Rotator) healthyIndexFrom(start int, now time.Time) int {
	for offset := 0; offset < len(r.resources); offset++ {
		idx := (start + offset) % len(r.resources)
		until, cooling := r.coolingUntil[r.resources[idx]]
		if !cooling {
			return idx
		}
		if now.After(until) {
			delete(r.coolingUntil, r.resources[idx])
			return idx
		}
	}
	return start
}

// mask hides all but the tail of a resource so keys never land in logs.
func mask(resource string) string {
	if len(resource) <= 4 {
		return "****"
	}
	return "****" + resource[len(resource)-4:]
}
