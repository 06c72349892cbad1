package script

// HookEvent identifies one of the six hook points scripts may register
// against, per spec §3/§4.4.
type HookEvent int

const (
	BeforeRequest HookEvent = iota
	HeadersReceived
	AuthRequired
	Completed
	Progress
	ErrorOccurred
)

// eventNames are the canonical, and alternate, JavaScript-facing names for
// each HookEvent, mirroring the original Rust HookEvent::from_str/name.
var eventNames = map[HookEvent]string{
	BeforeRequest:    "beforeRequest",
	HeadersReceived:  "headersReceived",
	AuthRequired:     "authRequired",
	Completed:        "completed",
	Progress:         "progress",
	ErrorOccurred:    "error",
}

var eventAliases = map[string]HookEvent{
	"beforeRequest":     BeforeRequest,
	"onBeforeRequest":   BeforeRequest,
	"headersReceived":   HeadersReceived,
	"onHeadersReceived": HeadersReceived,
	"authRequired":      AuthRequired,
	"onAuthRequired":    AuthRequired,
	"completed":         Completed,
	"complete":          Completed,
	"onCompleted":       Completed,
	"progress":          Progress,
	"onProgress":        Progress,
	"error":             ErrorOccurred,
	"errorOccurred":     ErrorOccurred,
	"onErrorOccurred":   ErrorOccurred,
}

// ParseEventName resolves a script-supplied event name to a HookEvent.
func ParseEventName(name string) (HookEvent, bool) {
	ev, ok := eventAliases[name]
	return ev, ok
}

// Name returns the canonical JavaScript-facing event name.
func (e HookEvent) Name() string { return eventNames[e] }

// IsSync reports whether e carries a reply channel the caller awaits.
func (e HookEvent) IsSync() bool {
	switch e {
	case BeforeRequest, HeadersReceived, AuthRequired, Completed:
		return true
	default:
		return false
	}
}
