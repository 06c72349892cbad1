// Package fetcher implements HttpFetcher: a single download attempt that
// streams bytes, honors Range resumption, brokers the script hooks bound to
// a request's lifecycle, and raises categorized errors the scheduler's
// retry policy consults. Generalized from the teacher's Worker.downloadFile
// / copyWithProgress into a single-attempt, hook-integrated fetch.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"ggg/internal/eventbus"
	"ggg/internal/script"
	"ggg/pkg/models"
)

// OutcomeKind classifies how a fetch attempt ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeCanceled
	OutcomeRetriable
	OutcomeFatal
)

// Outcome is the result of one fetch attempt, per spec §4.3.
type Outcome struct {
	Kind OutcomeKind

	Size     int64
	Duration time.Duration

	// BytesDownloaded/Validator/ResumeSupported are persisted back onto the
	// task regardless of outcome, so a later retry or resume can pick up
	// where this attempt left off.
	BytesDownloaded int64
	Validator       string
	ResumeSupported bool

	ErrorKind    models.ErrorKind
	ErrorMessage string
	StatusCode   int
	RetryAfter   time.Duration

	// NewFilename/MoveToPath carry a completed hook's requested rename or
	// move for the caller (the scheduler) to realize.
	NewFilename string
	MoveToPath  string
}

const progressChunkSize = 32 * 1024

// progressMinInterval/progressMinDelta implement spec §4.3's "≥500ms OR
// ≥1% delta, whichever first" progress throttle.
const progressMinInterval = 500 * time.Millisecond

const progressMinDelta = 0.01

// Config parameterizes a Fetcher for every attempt it runs; MaxRedirects
// and UserAgent are application-wide values, and a task's own UserAgent
// takes precedence over the latter.
type Config struct {
	Client       *http.Client
	Broker       *script.Broker
	Bus          *eventbus.Bus
	MaxRedirects int
	UserAgent    string
}

// Fetcher executes single download attempts.
type Fetcher struct {
	cfg Config
}

// New creates a Fetcher. cfg.Client defaults to a client with no overall
// timeout (download duration is bounded by the caller's ctx, not a fixed
// deadline) but a redirect policy installed per attempt.
func New(cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Fetcher{cfg: cfg}
}

// Fetch runs one attempt for task, writing to a ".partial" sibling of its
// final path and invoking the script broker's hooks at each lifecycle
// point. enabledFiles is the caller-resolved, per-folder effective script
// map (spec §4.4's two-level enable matrix) for this attempt. The caller
// (the scheduler) owns retry/backoff decisions based on the returned
// Outcome.
func (f *Fetcher) Fetch(ctx context.Context, task *models.Task, enabledFiles map[string]bool) Outcome {
	started := time.Now()

	finalPath := filepath.Join(task.Directory, task.Filename)
	partialPath := finalPath + ".partial"

	var resumeFrom int64
	if task.Resumption.Supported {
		if st, err := os.Stat(partialPath); err == nil {
			resumeFrom = st.Size()
		}
	} else {
		_ = os.Remove(partialPath)
	}

	preamble := models.BeforeRequestContext{
		URL:        task.URL,
		Headers:    cloneHeaders(task.Headers),
		UserAgent:  firstNonEmpty(task.UserAgent, f.cfg.UserAgent),
		DownloadID: task.ID.String(),
	}
	if f.cfg.Broker != nil {
		mutated, err := f.cfg.Broker.BeforeRequest(ctx, preamble, enabledFiles)
		if err != nil {
			return fatal(models.ErrScript, err.Error())
		}
		preamble = mutated
	}

	client := f.clientWithRedirectPolicy()

	resp, err := f.doRequest(ctx, client, preamble, resumeFrom, task.Resumption.Validator)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusProxyAuthRequired {
		resp.Body.Close()
		resp, err = f.retryWithAuth(ctx, client, preamble, resp, resumeFrom, task.Resumption.Validator, enabledFiles)
		if err != nil {
			return classifyTransportError(err)
		}
		defer resp.Body.Close()
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return classifyStatus(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	resuming := resp.StatusCode == http.StatusPartialContent
	if !resuming {
		resumeFrom = 0
	}

	hctx := models.HeadersReceivedContext{
		URL:           task.URL,
		Status:        resp.StatusCode,
		Headers:       flattenHeaders(resp.Header),
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if f.cfg.Broker != nil {
		if err := f.cfg.Broker.HeadersReceived(ctx, hctx, enabledFiles); err != nil {
			return fatal(models.ErrScript, err.Error())
		}
	}

	validator := resp.Header.Get("ETag")
	if validator == "" {
		validator = resp.Header.Get("Last-Modified")
	}
	resumeSupported := resp.Header.Get("Accept-Ranges") == "bytes" || resuming

	if err := os.MkdirAll(task.Directory, 0o755); err != nil {
		return fatal(models.ErrStoragePermanent, err.Error())
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resuming {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return fatal(storageErrorKind(err), err.Error())
	}
	defer file.Close()

	total := resp.ContentLength
	if total > 0 && resuming {
		total += resumeFrom
	}

	written, copyErr := f.copyWithProgress(ctx, file, resp.Body, task, resumeFrom, total, enabledFiles)
	bytesDownloaded := resumeFrom + written

	if copyErr != nil {
		_ = file.Sync()
		if errors.Is(copyErr, context.Canceled) {
			return Outcome{
				Kind:            OutcomeCanceled,
				BytesDownloaded: bytesDownloaded,
				Validator:       validator,
				ResumeSupported: resumeSupported,
			}
		}
		return Outcome{
			Kind:            OutcomeRetriable,
			BytesDownloaded: bytesDownloaded,
			Validator:       validator,
			ResumeSupported: resumeSupported,
			ErrorKind:       models.ErrNetworkTransient,
			ErrorMessage:    copyErr.Error(),
		}
	}

	if err := file.Sync(); err != nil {
		return fatal(storageErrorKind(err), err.Error())
	}
	if err := file.Close(); err != nil {
		return fatal(storageErrorKind(err), err.Error())
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		return fatal(storageErrorKind(err), err.Error())
	}

	duration := time.Since(started)
	cctx := models.CompletedContext{
		URL:         task.URL,
		Filename:    task.Filename,
		SavePath:    finalPath,
		Size:        bytesDownloaded,
		DurationSec: duration.Seconds(),
	}
	if f.cfg.Broker != nil {
		mutated, err := f.cfg.Broker.Completed(ctx, cctx, enabledFiles)
		if err != nil {
			return fatal(models.ErrScript, err.Error())
		}
		cctx = mutated
	}

	return Outcome{
		Kind:            OutcomeCompleted,
		Size:            bytesDownloaded,
		Duration:        duration,
		BytesDownloaded: bytesDownloaded,
		Validator:       validator,
		ResumeSupported: resumeSupported,
		NewFilename:     cctx.NewFilename,
		MoveToPath:      cctx.MoveToPath,
	}
}

func (f *Fetcher) doRequest(ctx context.Context, client *http.Client, preamble models.BeforeRequestContext, resumeFrom int64, validator string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, preamble.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range preamble.Headers {
		req.Header.Set(k, v)
	}
	if preamble.UserAgent != "" {
		req.Header.Set("User-Agent", preamble.UserAgent)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		if validator != "" {
			req.Header.Set("If-Range", validator)
		}
	}
	return client.Do(req)
}

func (f *Fetcher) retryWithAuth(ctx context.Context, client *http.Client, preamble models.BeforeRequestContext, resp *http.Response, resumeFrom int64, validator string, enabledFiles map[string]bool) (*http.Response, error) {
	actx := models.AuthRequiredContext{
		URL:    preamble.URL,
		Scheme: authScheme(resp.Header.Get("WWW-Authenticate")),
		Realm:  authRealm(resp.Header.Get("WWW-Authenticate")),
	}
	if f.cfg.Broker == nil {
		return resp, nil
	}
	mutated, err := f.cfg.Broker.AuthRequired(ctx, actx, enabledFiles)
	if err != nil || (mutated.Username == "" && mutated.Password == "") {
		return resp, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, preamble.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range preamble.Headers {
		req.Header.Set(k, v)
	}
	req.SetBasicAuth(mutated.Username, mutated.Password)
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		if validator != "" {
			req.Header.Set("If-Range", validator)
		}
	}
	return client.Do(req)
}

// clientWithRedirectPolicy returns f.cfg.Client configured to cap redirects
// at MaxRedirects and strip Authorization when the redirect crosses
// origins, per spec §4.3 step 2.
func (f *Fetcher) clientWithRedirectPolicy() *http.Client {
	c := *f.cfg.Client
	maxRedirects := f.cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if len(via) > 0 && req.URL.Host != via[0].URL.Host {
			req.Header.Del("Authorization")
		}
		return nil
	}
	return &c
}

// copyWithProgress streams src to dst in fixed-size chunks, tracking a
// wget-style smoothed speed and emitting throttled progress hooks/events.
func (f *Fetcher) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, task *models.Task, resumeFrom, total int64, enabledFiles map[string]bool) (int64, error) {
	buf := make([]byte, progressChunkSize)
	var written int64

	history := newSpeedHistory()
	limiter := rate.NewLimiter(rate.Every(progressMinInterval), 1)
	lastReportedPct := -1.0
	lastSampleTime := time.Now()
	lastSampleBytes := resumeFrom

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)

			now := time.Now()
			downloaded := resumeFrom + written
			pct := -1.0
			if total > 0 {
				pct = float64(downloaded) / float64(total) * 100
			}

			deltaOK := pct >= 0 && (lastReportedPct < 0 || pct-lastReportedPct >= progressMinDelta*100)
			if deltaOK || limiter.Allow() {
				elapsed := now.Sub(lastSampleTime).Seconds()
				history.addSample(downloaded-lastSampleBytes, elapsed)
				speed := history.speed(downloaded-lastSampleBytes, elapsed)
				lastSampleTime = now
				lastSampleBytes = downloaded
				lastReportedPct = pct

				f.emitProgress(task, downloaded, total, speed, pct, enabledFiles)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

func (f *Fetcher) emitProgress(task *models.Task, downloaded, total int64, speed, pct float64, enabledFiles map[string]bool) {
	task.BytesDownloaded = downloaded
	task.Speed = speed
	if total > 0 {
		task.TotalBytes = total
	}

	if f.cfg.Bus != nil {
		snap := *task
		f.cfg.Bus.Publish(eventbus.Event{TaskID: task.ID, Mask: eventbus.FieldProgress, Snapshot: snap})
	}
	if f.cfg.Broker != nil {
		pctPtr := pct
		if pctPtr < 0 {
			pctPtr = 0
		}
		f.cfg.Broker.Progress(models.ProgressContext{
			URL:        task.URL,
			Filename:   task.Filename,
			Downloaded: downloaded,
			Total:      total,
			Speed:      speed,
			Percentage: pctPtr,
		}, enabledFiles)
	}
}

// EmitError fires the error hook and a bus event for a terminal or
// retriable failure, independent of the fetch path (the scheduler calls
// this after deciding retry vs. fail).
func (f *Fetcher) EmitError(task *models.Task, info models.ErrorInfo, enabledFiles map[string]bool) {
	if f.cfg.Bus != nil {
		snap := *task
		f.cfg.Bus.Publish(eventbus.Event{TaskID: task.ID, Mask: eventbus.FieldError, Snapshot: snap})
	}
	if f.cfg.Broker != nil {
		f.cfg.Broker.Error(models.ErrorContext{
			URL:        task.URL,
			Filename:   task.Filename,
			Error:      info.Message,
			RetryCount: task.RetryCount,
			StatusCode: info.StatusCode,
		}, enabledFiles)
	}
}

func fatal(kind models.ErrorKind, msg string) Outcome {
	return Outcome{Kind: OutcomeFatal, ErrorKind: kind, ErrorMessage: msg}
}

func classifyTransportError(err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return Outcome{Kind: OutcomeCanceled}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return Outcome{Kind: OutcomeRetriable, ErrorKind: models.ErrNetworkTransient, ErrorMessage: err.Error()}
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return Outcome{Kind: OutcomeRetriable, ErrorKind: models.ErrNetworkTransient, ErrorMessage: err.Error()}
		}
		if strings.Contains(urlErr.Err.Error(), "stopped after") {
			return Outcome{Kind: OutcomeFatal, ErrorKind: models.ErrClientPermanent, ErrorMessage: err.Error()}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Outcome{Kind: OutcomeRetriable, ErrorKind: models.ErrNetworkTransient, ErrorMessage: err.Error()}
	}
	return Outcome{Kind: OutcomeRetriable, ErrorKind: models.ErrNetworkTransient, ErrorMessage: err.Error()}
}

// classifyStatus implements spec §4.1's retriable/non-retriable HTTP
// status taxonomy. retryAfter is honored for 429/503-style responses per
// spec §6's "respects ... Retry-After" requirement.
func classifyStatus(status int, retryAfter time.Duration) Outcome {
	msg := fmt.Sprintf("server returned status %d", status)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Outcome{Kind: OutcomeRetriable, ErrorKind: models.ErrServerTransient, ErrorMessage: msg, StatusCode: status, RetryAfter: retryAfter}
	case status >= 500:
		return Outcome{Kind: OutcomeRetriable, ErrorKind: models.ErrServerTransient, ErrorMessage: msg, StatusCode: status, RetryAfter: retryAfter}
	case status >= 400:
		return Outcome{Kind: OutcomeFatal, ErrorKind: models.ErrClientPermanent, ErrorMessage: msg, StatusCode: status}
	default:
		return Outcome{Kind: OutcomeFatal, ErrorKind: models.ErrClientPermanent, ErrorMessage: msg, StatusCode: status}
	}
}

// parseRetryAfter parses an HTTP Retry-After header value expressed as a
// delay in seconds (the numeric form; the HTTP-date form is uncommon enough
// among download origins that implementations may ignore it).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// storageErrorKind classifies a local filesystem failure (ENOSPC, EACCES,
// and friends) as a non-retriable storage error per spec §4.1.
func storageErrorKind(_ error) models.ErrorKind {
	return models.ErrStoragePermanent
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func authScheme(header string) string {
	if i := strings.IndexByte(header, ' '); i > 0 {
		return header[:i]
	}
	return header
}

func authRealm(header string) string {
	const key = `realm="`
	idx := strings.Index(header, key)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(key):]
	if end := strings.IndexByte(rest, '"'); end >= 0 {
		return rest[:end]
	}
	return ""
}

// HumanizeSpeed formats a bytes/sec rate for log lines.
func HumanizeSpeed(bytesPerSec float64) string {
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}
