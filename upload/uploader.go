// Package upload implements the FileUploader: a multipart HTTP client that
// ships files to the agent service's upload endpoint out-of-band from the
// WebSocket, with progress, cancellation, and batching.
//
// The bearer-token-authenticated net/http POST with JSON request/response
// bodies in the teacher's internal/registration/registration.go is the direct
// grounding for this component's HTTP handling; it is generalized here from
// a JSON body to a streamed multipart/form-data body.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Progress reports how much of a transfer has completed.
type Progress struct {
	Loaded     int64
	Total      int64
	Percentage float64
}

// File is what the caller hands the uploader; Content is read once.
type File struct {
	Filename string
	MimeType string
	Size     int64
	Content  io.Reader
}

// Result is the server's response to a single successful upload.
type Result struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Limits bounds what the uploader will attempt before making a network call.
type Limits struct {
	MaxUploadSize      int64
	AllowedMimeTypes    []string // empty means unrestricted
	MaxFilesPerMessage int
}

// DefaultLimits returns the SDK's baseline upload limits.
func DefaultLimits() Limits {
	return Limits{
		MaxUploadSize:      50 * 1024 * 1024,
		MaxFilesPerMessage: 10,
	}
}

const perFileTimeout = 5 * time.Minute

// Uploader performs multipart uploads against a derived HTTP(S) endpoint.
type Uploader struct {
	httpClient *http.Client
	limits     Limits

	mu          sync.Mutex
	authToken   string
	uiSessionID string
}

// New returns an Uploader using limits for pre-flight validation.
func New(limits Limits) *Uploader {
	return &Uploader{httpClient: &http.Client{}, limits: limits}
}

// SetAuthToken updates the bearer token used by the next call to UploadFile
// or UploadFiles. In-flight uploads are unaffected.
func (u *Uploader) SetAuthToken(token string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.authToken = token
}

// SetUISessionID updates the session id attached to the next upload. An
// empty value is ignored, matching the connection core's fan-out contract.
func (u *Uploader) SetUISessionID(id string) {
	if id == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uiSessionID = id
}

func (u *Uploader) snapshot() (token, sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.authToken, u.uiSessionID
}

// EndpointFromSocketURL derives the HTTP(S) upload endpoint from the
// WebSocket URL the connection core is using, coercing ws->http and
// wss->https and always replacing the path.
func EndpointFromSocketURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("upload: parsing socket URL: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("upload: unsupported scheme %q", parsed.Scheme)
	}
	parsed.Path = "/api/rt/upload_file"
	parsed.RawQuery = ""
	return parsed.String(), nil
}

// UploadFile uploads a single file, invoking onProgress (if non-nil) as the
// body is streamed. Validation failures return before any network I/O.
func (u *Uploader) UploadFile(ctx context.Context, endpoint string, f File, onProgress func(Progress)) (*Result, error) {
	token, sessionID := u.snapshot()
	if token == "" {
		return nil, fmt.Errorf("upload: auth token is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("upload: ui session id is required")
	}
	if u.limits.MaxUploadSize > 0 && f.Size > u.limits.MaxUploadSize {
		return nil, fmt.Errorf("upload: file %q (%d bytes) exceeds maximum of %d bytes", f.Filename, f.Size, u.limits.MaxUploadSize)
	}
	if len(u.limits.AllowedMimeTypes) > 0 && !mimeAllowed(f.MimeType, u.limits.AllowedMimeTypes) {
		return nil, fmt.Errorf("upload: mime type %q is not permitted", f.MimeType)
	}

	ctx, cancel := context.WithTimeout(ctx, perFileTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go streamMultipartBody(pw, mw, sessionID, f)

	var reader io.Reader = pr
	if onProgress != nil {
		reader = &progressReader{r: pr, total: f.Size, report: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("upload: creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upload: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upload: %s", describeError(resp.StatusCode, respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("upload: unmarshalling response: %w", err)
	}
	return &result, nil
}

// UploadFiles uploads files sequentially, reporting aggregated progress
// across the whole batch. If file k fails, successfully uploaded
// predecessors are not rolled back.
func (u *Uploader) UploadFiles(ctx context.Context, endpoint string, files []File, onProgress func(Progress)) ([]*Result, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if u.limits.MaxFilesPerMessage > 0 && len(files) > u.limits.MaxFilesPerMessage {
		return nil, fmt.Errorf("upload: cannot upload %d files, maximum is %d", len(files), u.limits.MaxFilesPerMessage)
	}

	results := make([]*Result, 0, len(files))
	total := len(files)

	for i, f := range files {
		idx := i
		fileProgress := func(p Progress) {
			if onProgress == nil {
				return
			}
			overall := (float64(idx) + p.Percentage/100) / float64(total)
			onProgress(Progress{Loaded: int64(overall * 100), Total: 100, Percentage: overall * 100})
		}

		result, err := u.UploadFile(ctx, endpoint, f, fileProgress)
		if err != nil {
			return results, fmt.Errorf("upload: file %d/%d (%q) failed after %d successful upload(s): %w", idx+1, total, f.Filename, len(results), err)
		}
		results = append(results, result)
	}
	return results, nil
}

func mimeAllowed(mimeType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, mimeType) {
			return true
		}
	}
	return false
}

func describeError(status int, body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return fmt.Sprintf("server returned status %d", status)
}

// streamMultipartBody writes the multipart form directly into the pipe so
// UploadFile never has to buffer the whole file in memory; pw is always
// closed, carrying the first error encountered (if any) to the pipe reader.
func streamMultipartBody(pw *io.PipeWriter, mw *multipart.Writer, sessionID string, f File) {
	err := func() error {
		if err := mw.WriteField("ui_session_id", sessionID); err != nil {
			return fmt.Errorf("upload: writing ui_session_id field: %w", err)
		}
		part, err := mw.CreateFormFile("file", f.Filename)
		if err != nil {
			return fmt.Errorf("upload: creating form file part: %w", err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return fmt.Errorf("upload: copying file content: %w", err)
		}
		return mw.Close()
	}()
	_ = pw.CloseWithError(err)
}

type progressReader struct {
	r      io.Reader
	total  int64
	loaded int64
	report func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.loaded += int64(n)
	if n > 0 {
		pct := 0.0
		if p.total > 0 {
			pct = float64(p.loaded) / float64(p.total) * 100
		}
		// loaded counts multipart framing as well as file bytes, so it can
		// pass total; cap the percentage so aggregated progress never drops.
		if pct > 100 {
			pct = 100
		}
		p.report(Progress{Loaded: p.loaded, Total: p.total, Percentage: pct})
	}
	return n, err
}
