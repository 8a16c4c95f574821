package offgate

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Probe backoff bounds.
const (
	DefaultProbeFloor   = 5 * time.Second
	DefaultProbeCeiling = 60 * time.Second
)

// Prober pings the backend origin while tasks wait in a queue. Each failed
// ping doubles the delay up to the ceiling; a successful ping resets it,
// announces connectivity, and drains both queues. With nothing queued the
// prober goes idle until the next Ensure.
type Prober struct {
	store      Store
	engine     *Engine
	notify     Broadcaster
	httpClient *http.Client
	floor      time.Duration
	ceiling    time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	stopped bool
}

// NewProber creates a connectivity prober. Zero floor or ceiling pick the
// defaults.
func NewProber(store Store, engine *Engine, notify Broadcaster, client *http.Client, floor, ceiling time.Duration, log *slog.Logger) *Prober {
	if floor <= 0 {
		floor = DefaultProbeFloor
	}
	if ceiling <= 0 {
		ceiling = DefaultProbeCeiling
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		store:      store,
		engine:     engine,
		notify:     notify,
		httpClient: client,
		floor:      floor,
		ceiling:    ceiling,
		delay:      floor,
		log:        log,
	}
}

// Ensure arms the probe timer when at least one queue has work and no timer
// is already pending.
func (p *Prober) Ensure() {
	regs, imgs, err := p.engine.Pending()
	if err != nil {
		p.log.Error("probe pending check", "error", err)
		return
	}
	if regs == 0 && imgs == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.timer != nil {
		return
	}
	p.scheduleLocked()
}

// Delay returns the current backoff delay.
func (p *Prober) Delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delay
}

// Stop cancels any pending probe. An in-flight probe runs out.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Prober) scheduleLocked() {
	d := p.delay
	p.timer = time.AfterFunc(d, func() {
		p.mu.Lock()
		p.timer = nil
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return
		}
		p.fire()
	})
	p.log.Debug("probe scheduled", "delay", d)
}

// fire runs one probe cycle.
func (p *Prober) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	regs, err := p.store.Tasks(CollectionRegistrations)
	if err != nil {
		p.log.Error("probe read registrations", "error", err)
		p.backoffAndReschedule()
		return
	}
	imgs, err := p.store.Tasks(CollectionImages)
	if err != nil {
		p.log.Error("probe read images", "error", err)
		p.backoffAndReschedule()
		return
	}

	if len(regs) == 0 && len(imgs) == 0 {
		p.mu.Lock()
		p.delay = p.floor
		p.mu.Unlock()
		p.log.Debug("probe idle, queues empty")
		return
	}

	if !p.ping(ctx, p.target(regs, imgs)) {
		p.backoffAndReschedule()
		return
	}

	p.log.Info("connectivity restored")
	p.mu.Lock()
	p.delay = p.floor
	p.mu.Unlock()
	if p.notify != nil {
		p.notify.Broadcast(ClientMessage{Type: MsgConnectivityOK, Message: "Connectivity restored."})
	}

	if err := p.engine.ProcessRegistrations(ctx); err != nil {
		p.log.Error("probe process registrations", "error", err)
	}
	if err := p.engine.ProcessImages(ctx); err != nil {
		p.log.Error("probe process images", "error", err)
	}

	remainingRegs, remainingImgs, err := p.engine.Pending()
	if err != nil {
		p.log.Error("probe pending recheck", "error", err)
		return
	}
	if remainingRegs > 0 || remainingImgs > 0 {
		p.mu.Lock()
		if !p.stopped && p.timer == nil {
			p.scheduleLocked()
		}
		p.mu.Unlock()
	}
}

// target picks the origin to ping, preferring the registration queue.
func (p *Prober) target(regs, imgs []*PendingTask) string {
	first := ""
	if len(regs) > 0 {
		first = regs[0].URL
	} else if len(imgs) > 0 {
		first = imgs[0].URL
	}
	if u, err := url.Parse(first); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host + "/"
	}
	return p.engine.fetch.Base() + "/"
}

// ping issues a lightweight GET against the origin root.
func (p *Prober) ping(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Debug("probe ping failed", "target", target, "error", err)
		return false
	}
	resp.Body.Close()
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		p.log.Debug("probe ping rejected", "target", target, "status", resp.StatusCode)
	}
	return ok
}

func (p *Prober) backoffAndReschedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay *= 2
	if p.delay > p.ceiling {
		p.delay = p.ceiling
	}
	if !p.stopped && p.timer == nil {
		p.scheduleLocked()
	}
}
