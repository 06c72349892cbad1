package script

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/fsnotify/fsnotify"

	"ggg/pkg/models"
)

// DefaultHandlerTimeout is used when New is given a non-positive timeout.
const DefaultHandlerTimeout = 30 * time.Second

// reloadDebounce coalesces bursts of filesystem events (editors often
// write-then-rename) into one reload.
const reloadDebounce = 250 * time.Millisecond

// Broker owns a single goja.Runtime and executes every script call on one
// goroutine, matching the spec's actor-model requirement that JS execution
// never run concurrently with itself. All public methods send a request
// value over reqCh and, for sync hooks, block on a per-call reply channel.
type Broker struct {
	dir     string
	timeout time.Duration
	logger  *slog.Logger

	reqCh  chan request
	doneCh chan struct{}

	watcher *fsnotify.Watcher
}

// New starts a Broker watching dir for *.js files. The initial load runs on
// the executor goroutine before it serves any queued request; load errors
// are logged, not returned. timeout bounds every handler
// invocation (spec §4.4); a non-positive value falls back to
// DefaultHandlerTimeout.
func New(dir string, timeout time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	b := &Broker{
		dir:     dir,
		timeout: timeout,
		logger:  logger,
		reqCh:   make(chan request, 256),
		doneCh:  make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("script directory watch unavailable", "error", err)
	} else if err := watcher.Add(dir); err != nil {
		logger.Warn("script directory watch unavailable", "dir", dir, "error", err)
		_ = watcher.Close()
		watcher = nil
	}
	b.watcher = watcher

	go b.run()
	if watcher != nil {
		go b.watchLoop()
	}
	return b
}

// Close stops the executor goroutine and the filesystem watcher.
func (b *Broker) Close() {
	close(b.doneCh)
	if b.watcher != nil {
		_ = b.watcher.Close()
	}
}

func (b *Broker) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case <-b.doneCh:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := b.Reload(context.Background()); err != nil {
					b.logger.Warn("auto-reload failed", "error", err)
				}
			})
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("script watcher error", "error", err)
		}
	}
}

// run is the single executor goroutine: every goja call in the process
// happens here, so the runtime never sees concurrent access.
func (b *Broker) run() {
	rt, reg, loaded, err := load(b.dir, b.logFromScript)
	if err != nil {
		b.logger.Warn("initial script load failed", "error", err)
		reg = newRegistry()
	}
	b.logger.Info("scripts loaded", "count", len(loaded))

	for {
		select {
		case <-b.doneCh:
			return
		case req := <-b.reqCh:
			switch r := req.(type) {
			case beforeRequestReq:
				ctx, err := b.dispatchBeforeRequest(rt, reg, r.ctx, r.files)
				r.reply <- beforeRequestReply{ctx: ctx, err: err}
			case headersReceivedReq:
				err := b.dispatchReadOnly(rt, reg, HeadersReceived, r.files, func(stop *bool) *goja.Object {
					return buildHeadersReceivedObject(rt, &r.ctx, stop)
				})
				r.reply <- err
			case authRequiredReq:
				ctx, err := b.dispatchAuthRequired(rt, reg, r.ctx, r.files)
				r.reply <- authRequiredReply{ctx: ctx, err: err}
			case completedReq:
				ctx, err := b.dispatchCompleted(rt, reg, r.ctx, r.files)
				r.reply <- completedReply{ctx: ctx, err: err}
			case progressReq:
				_ = b.dispatchReadOnly(rt, reg, Progress, r.files, func(stop *bool) *goja.Object {
					return buildProgressObject(rt, &r.ctx, stop)
				})
			case errorReq:
				_ = b.dispatchReadOnly(rt, reg, ErrorOccurred, r.files, func(stop *bool) *goja.Object {
					return buildErrorObject(rt, &r.ctx, stop)
				})
			case reloadReq:
				newRT, newReg, newLoaded, err := load(b.dir, b.logFromScript)
				if err != nil {
					r.reply <- err
					continue
				}
				rt, reg = newRT, newReg
				loaded = newLoaded
				b.logger.Info("scripts reloaded", "count", len(newLoaded))
				r.reply <- nil
			case listFilesReq:
				out := make([]string, len(loaded))
				copy(out, loaded)
				r.reply <- out
			}
		}
	}
}

func (b *Broker) logFromScript(file, msg string) {
	b.logger.Info("script log", "file", file, "message", msg)
}

// callWithTimeout invokes fn with h's runtime-bound Interrupt guard so a
// runaway handler cannot stall the whole broker.
func (b *Broker) callWithTimeout(rt *goja.Runtime, h *handler, args ...goja.Value) (goja.Value, error) {
	timer := time.AfterFunc(b.timeout, func() {
		rt.Interrupt(fmt.Sprintf("handler %s timed out", h.file))
	})
	defer timer.Stop()

	ret, err := h.fn(goja.Undefined(), args...)
	if err != nil {
		b.logger.Warn("script handler error", "file", h.file, "event", h.event.Name(), "error", err)
	}
	return ret, err
}

// falsy mirrors JS truthiness for a handler's return value: false or
// explicit null/undefined stops propagation to later handlers, matching
// spec §4.4's "returning false stops the chain" rule.
func falsy(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return true
	}
	return !v.ToBoolean()
}

func (b *Broker) dispatchBeforeRequest(rt *goja.Runtime, reg *registry, ctx models.BeforeRequestContext, files map[string]bool) (models.BeforeRequestContext, error) {
	stop := false
	for _, h := range reg.forEvent(BeforeRequest, files) {
		if stop || !h.filt.Matches(ctx.URL) {
			continue
		}
		obj := buildBeforeRequestObject(rt, &ctx, &stop)
		ret, err := b.callWithTimeout(rt, h, obj)
		if err != nil {
			continue
		}
		if falsy(ret) {
			break
		}
	}
	if err := validateBeforeRequestMutation(ctx.URL, ctx.Headers); err != nil {
		return ctx, err
	}
	return ctx, nil
}

func (b *Broker) dispatchAuthRequired(rt *goja.Runtime, reg *registry, ctx models.AuthRequiredContext, files map[string]bool) (models.AuthRequiredContext, error) {
	stop := false
	for _, h := range reg.forEvent(AuthRequired, files) {
		if stop || !h.filt.Matches(ctx.URL) {
			continue
		}
		obj := buildAuthRequiredObject(rt, &ctx, &stop)
		ret, err := b.callWithTimeout(rt, h, obj)
		if err != nil {
			continue
		}
		if falsy(ret) {
			break
		}
	}
	return ctx, nil
}

func (b *Broker) dispatchCompleted(rt *goja.Runtime, reg *registry, ctx models.CompletedContext, files map[string]bool) (models.CompletedContext, error) {
	stop := false
	for _, h := range reg.forEvent(Completed, files) {
		if stop || !h.filt.Matches(ctx.URL) {
			continue
		}
		obj := buildCompletedObject(rt, &ctx, &stop)
		ret, err := b.callWithTimeout(rt, h, obj)
		if err != nil {
			continue
		}
		if falsy(ret) {
			break
		}
	}
	if err := validateFilename(ctx.NewFilename); err != nil {
		return ctx, err
	}
	return ctx, nil
}

// dispatchReadOnly drives the three hooks (headersReceived, progress,
// error) whose context scripts may inspect but whose mutations (if any)
// the caller chooses not to apply — stopPropagation is still honored.
func (b *Broker) dispatchReadOnly(rt *goja.Runtime, reg *registry, ev HookEvent, files map[string]bool, build func(stop *bool) *goja.Object) error {
	stop := false
	var url string
	for _, h := range reg.forEvent(ev, files) {
		if stop {
			continue
		}
		obj := build(&stop)
		if urlVal := obj.Get("url"); urlVal != nil {
			url = urlVal.String()
		}
		if !h.filt.Matches(url) {
			continue
		}
		ret, err := b.callWithTimeout(rt, h, obj)
		if err != nil {
			continue
		}
		if falsy(ret) {
			break
		}
	}
	return nil
}

// BeforeRequest runs the beforeRequest hook chain and returns the
// (possibly mutated) context.
func (b *Broker) BeforeRequest(ctx context.Context, c models.BeforeRequestContext, enabledFiles map[string]bool) (models.BeforeRequestContext, error) {
	reply := make(chan beforeRequestReply, 1)
	select {
	case b.reqCh <- beforeRequestReq{ctx: c, files: enabledFiles, reply: reply}:
	case <-ctx.Done():
		return c, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.ctx, r.err
	case <-ctx.Done():
		return c, ctx.Err()
	}
}

// HeadersReceived runs the headersReceived hook chain.
func (b *Broker) HeadersReceived(ctx context.Context, c models.HeadersReceivedContext, enabledFiles map[string]bool) error {
	reply := make(chan error, 1)
	select {
	case b.reqCh <- headersReceivedReq{ctx: c, files: enabledFiles, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AuthRequired runs the authRequired hook chain and returns the
// (possibly mutated) context.
func (b *Broker) AuthRequired(ctx context.Context, c models.AuthRequiredContext, enabledFiles map[string]bool) (models.AuthRequiredContext, error) {
	reply := make(chan authRequiredReply, 1)
	select {
	case b.reqCh <- authRequiredReq{ctx: c, files: enabledFiles, reply: reply}:
	case <-ctx.Done():
		return c, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.ctx, r.err
	case <-ctx.Done():
		return c, ctx.Err()
	}
}

// Completed runs the completed hook chain and returns the (possibly
// mutated) context.
func (b *Broker) Completed(ctx context.Context, c models.CompletedContext, enabledFiles map[string]bool) (models.CompletedContext, error) {
	reply := make(chan completedReply, 1)
	select {
	case b.reqCh <- completedReq{ctx: c, files: enabledFiles, reply: reply}:
	case <-ctx.Done():
		return c, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.ctx, r.err
	case <-ctx.Done():
		return c, ctx.Err()
	}
}

// Progress fires the progress hook without waiting for a reply. The send
// drops (rather than blocks) if the broker's queue is full, matching the
// async hook's documented drop-oldest backpressure behavior.
func (b *Broker) Progress(c models.ProgressContext, enabledFiles map[string]bool) {
	select {
	case b.reqCh <- progressReq{ctx: c, files: enabledFiles}:
	default:
		select {
		case <-b.reqCh:
		default:
		}
		select {
		case b.reqCh <- progressReq{ctx: c, files: enabledFiles}:
		default:
		}
	}
}

// Error fires the error hook without waiting for a reply.
func (b *Broker) Error(c models.ErrorContext, enabledFiles map[string]bool) {
	select {
	case b.reqCh <- errorReq{ctx: c, files: enabledFiles}:
	default:
	}
}

// Reload re-scans the script directory and rebuilds the runtime and
// handler registry from scratch.
func (b *Broker) Reload(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.reqCh <- reloadReq{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListFiles returns the script filenames currently loaded, in load order.
// Callers use this to build a folder's effective enable/disable map
// (config.Snapshot.EffectiveScriptFiles) without duplicating the broker's
// own view of what is on disk.
func (b *Broker) ListFiles(ctx context.Context) []string {
	reply := make(chan []string, 1)
	select {
	case b.reqCh <- listFilesReq{reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case files := <-reply:
		return files
	case <-ctx.Done():
		return nil
	}
}
