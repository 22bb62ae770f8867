package exchange

import (
	"context"
	"sync"

	"github.com/ai-icarus/icarus/internal/identity"
	"github.com/ai-icarus/icarus/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Broker sits between the gateway and the engine. It serves tokens from the
// cache when it can and guarantees at most one live exchange per caller and
// audience: concurrent requests for the same pair attach to the exchange
// already in flight instead of starting their own.
type Broker struct {
	engine Exchanger
	cache  *TokenCache

	mu       sync.Mutex
	inflight map[cacheKey]*flight
}

// flight is one in-progress exchange shared by every caller waiting on the
// same subject and audience. The result fields are written once, before done
// is closed.
type flight struct {
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int

	tok ScopedToken
	err error
}

// NewBroker wires a cache in front of an exchanger.
func NewBroker(engine Exchanger, cache *TokenCache) *Broker {
	return &Broker{
		engine:   engine,
		cache:    cache,
		inflight: make(map[cacheKey]*flight),
	}
}

// Token returns a scoped token for the caller and audience, from cache when
// a usable one exists. A cache miss joins the in-flight exchange for the same
// pair or starts one. The underlying round trip survives individual callers
// dropping off and is aborted only when the last waiting caller cancels.
func (b *Broker) Token(ctx context.Context, caller identity.CallerIdentity, audience string) (ScopedToken, error) {
	if tok, ok := b.cache.Get(caller.Subject, audience); ok {
		return tok, nil
	}

	key := cacheKey{subject: caller.Subject, audience: audience}

	b.mu.Lock()
	fl, ok := b.inflight[key]
	if !ok {
		// The exchange context is detached from the first caller so that one
		// caller hanging up cannot kill a round trip others are waiting on.
		exCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{cancel: cancel, done: make(chan struct{})}
		b.inflight[key] = fl
		go b.run(exCtx, key, fl, caller.Token(), audience)
	} else {
		metrics.RecordExchangeCoalesced()
	}
	fl.waiters++
	b.mu.Unlock()

	select {
	case <-fl.done:
		b.mu.Lock()
		fl.waiters--
		b.mu.Unlock()
		return fl.tok, fl.err
	case <-ctx.Done():
		b.abandon(key, fl)
		return ScopedToken{}, ctx.Err()
	}
}

// Invalidate drops the cached token for one caller and audience, forcing the
// next request to exchange again.
func (b *Broker) Invalidate(subject, audience string) {
	b.cache.Invalidate(subject, audience)
}

func (b *Broker) run(ctx context.Context, key cacheKey, fl *flight, callerToken, audience string) {
	tok, err := b.engine.Exchange(ctx, callerToken, audience)
	if err == nil {
		b.cache.Put(tok)
	}

	b.mu.Lock()
	fl.tok, fl.err = tok, err
	delete(b.inflight, key)
	b.mu.Unlock()

	close(fl.done)
	fl.cancel()
}

// abandon withdraws one caller's interest in a shared exchange. The exchange
// itself is cancelled only when nobody is left waiting on it.
func (b *Broker) abandon(key cacheKey, fl *flight) {
	b.mu.Lock()
	fl.waiters--
	last := fl.waiters == 0
	b.mu.Unlock()

	if !last {
		return
	}
	select {
	case <-fl.done:
	default:
		log.Debug().
			Str("caller", identity.HashSubject(key.subject)).
			Str("audience", key.audience).
			Msg("Last waiting caller cancelled; aborting in-flight exchange")
		fl.cancel()
	}
}
