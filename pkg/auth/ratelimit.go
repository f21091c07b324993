package auth

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gwi-platform/governance/pkg/api"
)

// ActorLimiter enforces per-actor request rates. Authenticated actors
// are keyed tenant/subject; anonymous requests fall back to remote IP.
type ActorLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*actorEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time

	// OnExceeded fires once per rejected request, after the 429 has been
	// decided. Wired to violation detection at composition time.
	OnExceeded func(ctx context.Context, tenantID, actorID, path string, limit float64)
}

type actorEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewActorLimiter creates a limiter allowing rps requests per second
// with the given burst per actor.
func NewActorLimiter(rps float64, burst int) *ActorLimiter {
	return &ActorLimiter{
		limiters:  make(map[string]*actorEntry),
		limit:     rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

const (
	sweepInterval = time.Minute
	entryIdleMax  = 3 * time.Minute
)

func (al *ActorLimiter) get(key string) *rate.Limiter {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := time.Now()
	al.sweepLocked(now)

	e, ok := al.limiters[key]
	if !ok {
		e = &actorEntry{limiter: rate.NewLimiter(al.limit, al.burst)}
		al.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// sweepLocked drops stale actor entries to bound map growth. Runs at
// most once per sweep interval, piggybacking on request traffic so no
// background goroutine is needed.
func (al *ActorLimiter) sweepLocked(now time.Time) {
	if now.Sub(al.lastSweep) < sweepInterval {
		return
	}
	al.lastSweep = now
	for key, e := range al.limiters {
		if now.Sub(e.lastSeen) > entryIdleMax {
			delete(al.limiters, key)
		}
	}
}

// Middleware returns a handler that enforces the per-actor limit.
func (al *ActorLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := ""
		actorID := ""
		if p, err := GetPrincipal(r.Context()); err == nil {
			tenantID = p.GetTenantID()
			actorID = p.GetID()
		}

		key := tenantID + "/" + actorID
		if actorID == "" {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			key = "ip/" + ip
			actorID = ip
		}

		if !al.get(key).Allow() {
			if al.OnExceeded != nil {
				al.OnExceeded(r.Context(), tenantID, actorID, r.URL.Path, float64(al.limit))
			}
			api.WriteTooManyRequests(w, 5)
			return
		}

		next.ServeHTTP(w, r)
	})
}
