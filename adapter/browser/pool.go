// Package browser implements the last-resort adapter: full browser
// automation against airline sites that defeat every HTTP-level strategy.
// A fixed-size pool of headless browser instances bounds memory; searches
// lease an instance for their whole run and return it on every exit path.
package browser

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/chromedp"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/pkg/logger"
)

// recycleAfter bounds how many searches one browser serves before it is
// torn down; long-lived instances accumulate detectable state.
const recycleAfter = 25

// Instance is one pooled headless browser.
type Instance struct {
	ctx    context.Context
	cancel context.CancelFunc
	uses   int
}

// Ctx returns the chromedp context tabs are derived from.
func (i *Instance) Ctx() context.Context { return i.ctx }

// Pool is a fixed-size browser pool. Lease blocks until an instance is
// free or ctx is done.
type Pool struct {
	cfg  config.BrowserPoolConfig
	log  *logger.Logger
	opts []chromedp.ExecAllocatorOption

	mu        sync.Mutex
	idle      chan *Instance
	allocated int
	closed    bool
}

// ErrPoolClosed is returned from Lease after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// NewPool builds the pool. Instances are launched lazily on first lease so
// a binary with the browser adapter disabled never spawns a process.
func NewPool(cfg config.BrowserPoolConfig, log *logger.Logger) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 768),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return &Pool{
		cfg:  cfg,
		log:  log,
		opts: opts,
		idle: make(chan *Instance, cfg.Size),
	}
}

func (p *Pool) launch() (*Instance, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), p.opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}
	cancel := func() {
		browserCancel()
		allocCancel()
	}
	return &Instance{ctx: browserCtx, cancel: cancel}, nil
}

// Lease acquires an instance. The release function must be called exactly
// once; it is idempotent and decides internally whether the instance is
// recycled or returned to the pool.
func (p *Pool) Lease(ctx context.Context) (*Instance, func(failed bool), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}
	if p.allocated < p.cfg.Size {
		p.allocated++
		p.mu.Unlock()
		inst, err := p.launch()
		if err != nil {
			p.mu.Lock()
			p.allocated--
			p.mu.Unlock()
			return nil, nil, err
		}
		return inst, p.releaser(inst), nil
	}
	p.mu.Unlock()

	select {
	case inst := <-p.idle:
		return inst, p.releaser(inst), nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *Pool) releaser(inst *Instance) func(failed bool) {
	var once sync.Once
	return func(failed bool) {
		once.Do(func() {
			inst.uses++
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed || failed || inst.uses >= recycleAfter {
				inst.cancel()
				p.mu.Lock()
				p.allocated--
				p.mu.Unlock()
				if failed {
					p.log.Debug("recycled failed browser instance", "uses", inst.uses)
				}
				return
			}
			p.idle <- inst
		})
	}
}

// Close tears down idle instances; leased instances die on release.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case inst := <-p.idle:
			inst.cancel()
			p.mu.Lock()
			p.allocated--
			p.mu.Unlock()
		default:
			return
		}
	}
}
