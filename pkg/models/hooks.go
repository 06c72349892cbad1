package models

// BeforeRequestContext is passed to the beforeRequest hook. URL, Headers,
// and UserAgent are modifiable by script handlers.
type BeforeRequestContext struct {
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	UserAgent  string            `json:"userAgent"`
	DownloadID string            `json:"downloadId"`
}

// HeadersReceivedContext is passed to the headersReceived hook. Read-only.
type HeadersReceivedContext struct {
	URL           string            `json:"url"`
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers"`
	ContentLength int64             `json:"contentLength,omitempty"`
	ETag          string            `json:"etag,omitempty"`
	LastModified  string            `json:"lastModified,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
}

// AuthRequiredContext is passed to the authRequired hook. Username and
// Password are modifiable (via setCredentials); the context has no field
// through which a script can inject a header.
type AuthRequiredContext struct {
	URL      string `json:"url"`
	Scheme   string `json:"scheme"`
	Realm    string `json:"realm,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// CompletedContext is passed to the completed hook. NewFilename and
// MoveToPath are modifiable.
type CompletedContext struct {
	URL         string  `json:"url"`
	Filename    string  `json:"filename"`
	SavePath    string  `json:"savePath"`
	Size        int64   `json:"size"`
	DurationSec float64 `json:"duration"`
	NewFilename string  `json:"newFilename,omitempty"`
	MoveToPath  string  `json:"moveToPath,omitempty"`
}

// ProgressContext is passed to the fire-and-forget progress hook.
type ProgressContext struct {
	URL        string  `json:"url"`
	Filename   string  `json:"filename"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total,omitempty"`
	Speed      float64 `json:"speed"`
	Percentage float64 `json:"percentage,omitempty"`
}

// ErrorContext is passed to the fire-and-forget error hook.
type ErrorContext struct {
	URL        string `json:"url"`
	Filename   string `json:"filename,omitempty"`
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
	StatusCode int    `json:"statusCode,omitempty"`
}
