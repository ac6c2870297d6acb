package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// browser runs periodic and manual mDNS browses of one service type and
// diffs each scan against the previous state.
type browser[T any] struct {
	service         string
	domain          string
	refreshInterval time.Duration
	scanTimeout     time.Duration
	staleAfter      time.Duration
	log             zerolog.Logger

	browse browseFunc
	parse  func(*zeroconf.ServiceEntry) (string, T, bool)
	// replaced reports whether next supersedes prev and should be re-announced.
	replaced func(prev, next T) bool

	onUp    func(T)
	onDown  func(key string, item T)
	onError func(error)

	mu       sync.RWMutex
	items    map[string]T
	lastSeen map[string]time.Time

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

func (b *browser[T]) init() {
	b.items = make(map[string]T)
	b.lastSeen = make(map[string]time.Time)
	b.refreshRequests = make(chan refreshRequest)
	b.ctx, b.cancel = context.WithCancel(context.Background())
}

func (b *browser[T]) start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.loop()
	})
}

func (b *browser[T]) stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

func (b *browser[T]) refresh(ctx context.Context) error {
	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case b.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("discovery browser is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return errors.New("discovery browser is stopped")
	}
}

func (b *browser[T]) snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, 0, len(b.items))
	for _, item := range b.items {
		out = append(out, item)
	}
	return out
}

func (b *browser[T]) loop() {
	defer b.wg.Done()

	b.scanAndReport(context.Background())

	ticker := time.NewTicker(b.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.scanAndReport(context.Background())
		case req := <-b.refreshRequests:
			req.done <- b.scanAndReport(req.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

// scanAndReport runs one scan; browse failures surface as errors and the loop keeps going.
func (b *browser[T]) scanAndReport(requestCtx context.Context) error {
	err := b.runScan(requestCtx)
	if err != nil && b.ctx.Err() == nil {
		b.log.Warn().Err(err).Str("service", b.service).Msg("mDNS browse failed")
		if b.onError != nil {
			b.onError(err)
		}
	}
	return err
}

func (b *browser[T]) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.scanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]T)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				key, item, ok := b.parse(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[key] = item
				collectedMu.Unlock()
			}
		}
	}()

	if err := b.browse(scanCtx, b.service, b.domain, entries); err != nil && scanCtx.Err() == nil {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone
	if b.ctx.Err() != nil {
		return nil
	}

	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()
	b.apply(next, time.Now())

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (b *browser[T]) apply(next map[string]T, now time.Time) {
	var ups []T
	type down struct {
		key  string
		item T
	}
	var downs []down

	b.mu.Lock()
	for key, item := range next {
		prev, exists := b.items[key]
		b.lastSeen[key] = now
		b.items[key] = item
		if !exists || b.replaced(prev, item) {
			ups = append(ups, item)
		}
	}
	for key, item := range b.items {
		if _, seen := next[key]; seen {
			continue
		}
		if now.Sub(b.lastSeen[key]) < b.staleAfter {
			continue
		}
		delete(b.items, key)
		delete(b.lastSeen, key)
		downs = append(downs, down{key: key, item: item})
	}
	b.mu.Unlock()

	for _, item := range ups {
		if b.onUp != nil {
			b.onUp(item)
		}
	}
	for _, d := range downs {
		if b.onDown != nil {
			b.onDown(d.key, d.item)
		}
	}
}
