package sandbox

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/opensandbox/runbox/pkg/types"
)

// Factory creates sandboxes; the Manager is the production factory.
type Factory interface {
	Create(lang *LanguageConfig) (*Sandbox, error)
}

// PoolConfig carries the pool sizing knobs.
type PoolConfig struct {
	// Targets is the number of pre-warmed sandboxes to keep per
	// language. Languages without an entry are created on demand.
	Targets        map[types.Language]int
	ParallelBatch  int           // max concurrent warmups
	AcquireTimeout time.Duration // wait budget before ErrPoolExhausted
	SandboxTTL     time.Duration // max idle age before eviction
	HealthTimeout  time.Duration // probe budget on acquire
	ScanInterval   time.Duration // eviction/replenish cadence
}

// LangStats is a per-language snapshot of pool counters.
type LangStats struct {
	Ready       int   `json:"ready"`
	Warming     int   `json:"warming"`
	Created     int64 `json:"created"`
	Destroyed   int64 `json:"destroyed"`
	Exhaustions int64 `json:"exhaustions"`
}

// Pool keeps pre-warmed sandboxes per language. Acquire hands out the
// oldest ready sandbox; sandboxes are single use and never come back.
// Exhaustion blocks the caller in FIFO order until a warmup completes
// or the acquire timeout fires.
type Pool struct {
	factory Factory
	cfg     PoolConfig

	mu          sync.Mutex
	ready       map[types.Language][]*Sandbox
	warming     map[types.Language]int
	waiters     map[types.Language][]chan *Sandbox
	stats       map[types.Language]*LangStats
	backoff     map[types.Language]time.Duration
	maintaining bool
	stopped     bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPool(factory Factory, cfg PoolConfig) *Pool {
	if cfg.ParallelBatch <= 0 {
		cfg.ParallelBatch = 4
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	return &Pool{
		factory: factory,
		cfg:     cfg,
		ready:   make(map[types.Language][]*Sandbox),
		warming: make(map[types.Language]int),
		waiters: make(map[types.Language][]chan *Sandbox),
		stats:   make(map[types.Language]*LangStats),
		backoff: make(map[types.Language]time.Duration),
		stop:    make(chan struct{}),
	}
}

// Warmup fills every language pool to its target, at most ParallelBatch
// creations in flight. Individual failures are logged and retried by the
// maintenance loop; Warmup only fails when the context is cancelled.
// The maintenance loop starts before filling, so a cancelled warmup
// still leaves a pool that evicts and tops up on its own.
func (p *Pool) Warmup(ctx context.Context) error {
	p.startMaintain()

	sem := semaphore.NewWeighted(int64(p.cfg.ParallelBatch))
	g, ctx := errgroup.WithContext(ctx)

	for lang, target := range p.cfg.Targets {
		for i := 0; i < target; i++ {
			lang := lang
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				if err := p.warmOne(lang); err != nil {
					log.Printf("pool: warmup %s: %v", lang, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// startMaintain launches the eviction/top-up loop exactly once.
func (p *Pool) startMaintain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maintaining || p.stopped {
		return
	}
	p.maintaining = true
	p.wg.Add(1)
	go p.maintain()
}

// Acquire returns a ready sandbox for lang, waiting up to the acquire
// timeout when the pool is empty. Unpooled languages are created
// synchronously. The caller owns the sandbox and must Destroy it.
func (p *Pool) Acquire(ctx context.Context, lang *LanguageConfig) (*Sandbox, error) {
	if lang == nil {
		return nil, types.ErrBadRequest
	}
	if p.cfg.Targets[lang.Code] == 0 {
		return p.factory.Create(lang)
	}

	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, types.ErrPoolExhausted
		}
		if q := p.ready[lang.Code]; len(q) > 0 {
			sb := q[0]
			p.ready[lang.Code] = q[1:]
			p.mu.Unlock()
			if p.usable(sb) {
				p.kick(lang.Code)
				return sb, nil
			}
			p.discard(sb)
			continue
		}

		// Empty pool: queue up in FIFO order and nudge a warmup.
		ch := make(chan *Sandbox, 1)
		p.waiters[lang.Code] = append(p.waiters[lang.Code], ch)
		p.langStats(lang.Code).Exhaustions++
		p.mu.Unlock()
		p.kick(lang.Code)

		timer := time.NewTimer(p.cfg.AcquireTimeout)
		select {
		case sb := <-ch:
			timer.Stop()
			if p.usable(sb) {
				return sb, nil
			}
			p.discard(sb)
			continue
		case <-ctx.Done():
			timer.Stop()
			p.dropWaiter(lang.Code, ch)
			return nil, ctx.Err()
		case <-timer.C:
			p.dropWaiter(lang.Code, ch)
			return nil, types.ErrPoolExhausted
		}
	}
}

// Release destroys a sandbox after use and nudges replenishment.
// Sandboxes never re-enter the ready queue.
func (p *Pool) Release(sb *Sandbox) {
	if sb == nil {
		return
	}
	p.mu.Lock()
	p.langStats(sb.Lang.Code).Destroyed++
	p.mu.Unlock()
	go func() {
		sb.Destroy()
		p.kick(sb.Lang.Code)
	}()
}

// usable runs the acquire-time checks: not past TTL and, for REPL
// sandboxes, answering health probes.
func (p *Pool) usable(sb *Sandbox) bool {
	if sb.Expired(p.cfg.SandboxTTL) {
		return false
	}
	if sb.Healthy(p.cfg.HealthTimeout) {
		return true
	}
	// One retry covers a probe lost to scheduler hiccups.
	return sb.Healthy(p.cfg.HealthTimeout)
}

func (p *Pool) discard(sb *Sandbox) {
	p.mu.Lock()
	p.langStats(sb.Lang.Code).Destroyed++
	p.mu.Unlock()
	sb.Destroy()
	p.kick(sb.Lang.Code)
}

// kick asynchronously tops up one language pool toward its target.
func (p *Pool) kick(lang types.Language) {
	p.mu.Lock()
	deficit := p.deficitLocked(lang)
	if deficit <= 0 || p.stopped {
		p.mu.Unlock()
		return
	}
	p.warming[lang]++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.create(lang); err != nil {
			log.Printf("pool: replenish %s: %v", lang, err)
		}
	}()
}

// warmOne creates one sandbox with the warming counter held. Deficit is
// rechecked under the lock so a concurrent maintenance kick cannot push
// the pool past its target.
func (p *Pool) warmOne(lang types.Language) error {
	p.mu.Lock()
	if p.deficitLocked(lang) <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.warming[lang]++
	p.mu.Unlock()
	return p.create(lang)
}

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// create builds a sandbox and hands it to the oldest waiter, or parks it
// in the ready queue. Decrements the warming counter. Failed launches
// schedule a delayed retry with exponential backoff so a broken runtime
// cannot spin the launcher.
func (p *Pool) create(lang types.Language) error {
	sb, err := p.factory.Create(GetLanguage(lang))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warming[lang] > 0 {
		p.warming[lang]--
	}
	if err != nil {
		delay := p.backoff[lang]
		if delay == 0 {
			delay = backoffBase
		} else if delay < backoffCap {
			delay *= 2
		}
		p.backoff[lang] = delay
		if !p.stopped {
			time.AfterFunc(delay, func() { p.kick(lang) })
		}
		return err
	}
	p.backoff[lang] = 0
	st := p.langStats(lang)
	st.Created++
	if p.stopped {
		st.Destroyed++
		go sb.Destroy()
		return nil
	}
	if ws := p.waiters[lang]; len(ws) > 0 {
		ch := ws[0]
		p.waiters[lang] = ws[1:]
		ch <- sb
		return nil
	}
	p.ready[lang] = append(p.ready[lang], sb)
	return nil
}

// maintain evicts sandboxes past their TTL and keeps every pool at its
// target between requests.
func (p *Pool) maintain() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		var expired []*Sandbox
		p.mu.Lock()
		for lang, q := range p.ready {
			kept := q[:0]
			for _, sb := range q {
				if sb.Expired(p.cfg.SandboxTTL) {
					expired = append(expired, sb)
					p.langStats(lang).Destroyed++
				} else {
					kept = append(kept, sb)
				}
			}
			p.ready[lang] = kept
		}
		var deficits []types.Language
		for lang := range p.cfg.Targets {
			for i := p.deficitLocked(lang); i > 0; i-- {
				deficits = append(deficits, lang)
			}
		}
		p.mu.Unlock()

		for _, sb := range expired {
			sb.Destroy()
		}
		for _, lang := range deficits {
			p.kick(lang)
		}
	}
}

func (p *Pool) deficitLocked(lang types.Language) int {
	return p.cfg.Targets[lang] - len(p.ready[lang]) - p.warming[lang]
}

func (p *Pool) dropWaiter(lang types.Language, ch chan *Sandbox) {
	p.mu.Lock()
	ws := p.waiters[lang]
	for i, w := range ws {
		if w == ch {
			p.waiters[lang] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	// A warmup may have raced the timeout and already handed us a
	// sandbox; put it back in rotation.
	select {
	case sb := <-ch:
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			sb.Destroy()
			return
		}
		p.ready[lang] = append(p.ready[lang], sb)
		p.mu.Unlock()
	default:
	}
}

// Stats returns a per-language snapshot of pool counters.
func (p *Pool) Stats() map[types.Language]LangStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[types.Language]LangStats, len(p.stats))
	for lang, st := range p.stats {
		snapshot := *st
		snapshot.Ready = len(p.ready[lang])
		snapshot.Warming = p.warming[lang]
		out[lang] = snapshot
	}
	for lang := range p.cfg.Targets {
		if _, ok := out[lang]; !ok {
			out[lang] = LangStats{Ready: len(p.ready[lang]), Warming: p.warming[lang]}
		}
	}
	return out
}

// Shutdown stops the maintenance loop and destroys every pooled sandbox.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	var all []*Sandbox
	for lang, q := range p.ready {
		all = append(all, q...)
		p.ready[lang] = nil
	}
	for lang := range p.waiters {
		p.waiters[lang] = nil
	}
	p.mu.Unlock()

	for _, sb := range all {
		sb.Destroy()
	}
	p.wg.Wait()
}

func (p *Pool) langStats(lang types.Language) *LangStats {
	st, ok := p.stats[lang]
	if !ok {
		st = &LangStats{}
		p.stats[lang] = st
	}
	return st
}
