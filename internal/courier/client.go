package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// maxResponseBytes caps response body reads. Upload replies and
	// file listings are modest JSON payloads.
	maxResponseBytes = 8 * 1024 * 1024

	// uploadRoute and filesRoute are the two logical server operations,
	// both addressed under the API namespace.
	uploadRoute = apiNamespace + "/upload"
	filesRoute  = apiNamespace + "/files"
)

// Result is the typed outcome of one upload exchange. Transport-level
// failures (network, timeout, abort, rejection) resolve into a Result
// rather than an error, so callers detect them without error handling;
// only client-side preparation failures surface as errors.
type Result struct {
	OK     bool
	Status int

	// Payload is the raw response body, when one was received. Probe it
	// with gjson; servers in restrictive environments sometimes answer
	// with non-JSON bodies.
	Payload []byte

	// ErrorMessage is empty on success. On failure it prefers the
	// server's own message|error field, then a transport description.
	ErrorMessage string

	// Aborted marks an exchange canceled by the caller.
	Aborted bool
}

// PayloadSource describes one upload payload. Open is called once per
// attempt: a request body, once transmitted, cannot be reused, so the
// fallback attempt rebuilds it from scratch. The returned size is -1
// when unknown, which suppresses progress reporting.
type PayloadSource struct {
	Name     string
	MimeType string
	Open     func() (io.ReadCloser, int64, error)
}

// FilePayload builds a PayloadSource backed by a local file.
func FilePayload(path, name, mimeType string) PayloadSource {
	return PayloadSource{
		Name:     name,
		MimeType: mimeType,
		Open: func() (io.ReadCloser, int64, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, 0, fmt.Errorf("opening payload %s: %w", filepath.Base(path), err)
			}

			info, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, 0, fmt.Errorf("stating payload %s: %w", filepath.Base(path), err)
			}

			return f, info.Size(), nil
		},
	}
}

// Client talks to the file API.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the credential
// header from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client. If httpClient is nil, a client with
// a same-host redirect policy and no global timeout is created; large
// uploads take as long as they take, and callers bound individual calls
// through their context.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// progressReader counts payload bytes handed to the transport and maps
// them onto a 0-100 scale. Reads fail once the context is canceled, so
// an aborted exchange stops consuming the source file.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	sent  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := p.r.Read(b)
	p.sent += int64(n)

	if p.fn != nil && p.total > 0 {
		pct := float64(p.sent) / float64(p.total) * 100
		if pct < 0 {
			pct = 0
		} else if pct > 100 {
			pct = 100
		}

		p.fn(pct)
	}

	return n, err
}

// Upload performs one progress-instrumented multipart upload against
// the two-route API surface. The primary route is always attempted
// first; a primary 404 triggers exactly one fallback attempt with a
// freshly built body. Any other failure is returned as-is.
func (c *Client) Upload(ctx context.Context, ep Endpoint, payload PayloadSource, onProgress ProgressFunc) (Result, error) {
	primary, fallback := ep.Routes(uploadRoute, nil)
	auth := ep.AuthHeader()

	c.logger.Debug("upload starting",
		slog.String("file", payload.Name),
		slog.String("mime", payload.MimeType),
		slog.String("auth", maskAuth(auth)),
	)

	res, err := c.attempt(ctx, primary, auth, payload, onProgress)
	if err != nil {
		return Result{}, fmt.Errorf("preparing upload request: %w", err)
	}

	if !res.OK && !res.Aborted && res.Status == http.StatusNotFound {
		c.logger.Warn("primary route returned 404, retrying via fallback",
			slog.String("primary", primary),
			slog.String("fallback", fallback),
		)

		fbRes, fbErr := c.attempt(ctx, fallback, auth, payload, onProgress)
		if fbErr != nil {
			// Keep the primary result so the caller still sees the 404.
			c.logger.Error("rebuilding request body for fallback failed", slog.Any("error", fbErr))
		} else {
			res = fbRes
		}
	}

	if res.OK && onProgress != nil {
		// Terminal signal: the server has acknowledged the full payload.
		onProgress(100)
	}

	c.logger.Debug("upload finished",
		slog.Bool("ok", res.OK),
		slog.Int("status", res.Status),
		slog.Bool("aborted", res.Aborted),
	)

	return res, nil
}

// attempt runs a single multipart POST. A non-nil error means the
// request body could not even be constructed; everything after the
// request leaves the client resolves into a Result.
func (c *Client) attempt(ctx context.Context, target, auth string, payload PayloadSource, onProgress ProgressFunc) (Result, error) {
	src, size, err := payload.Open()
	if err != nil {
		return Result{}, err
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		defer src.Close()

		part, err := createFilePart(form, payload.Name, payload.MimeType)
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		counted := &progressReader{ctx: ctx, r: src, total: size, fn: onProgress}
		if _, err := io.Copy(part, counted); err != nil {
			pw.CloseWithError(err)
			return
		}

		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.Close()
		return Result{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", form.FormDataContentType())

	t0 := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classifyTransportError(ctx, target, err, t0), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{Status: resp.StatusCode, ErrorMessage: "Network error"}, nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{OK: true, Status: resp.StatusCode, Payload: body}, nil
	}

	msg := serverMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	c.logger.Warn("upload rejected",
		slog.String("url", target),
		slog.Int("status", resp.StatusCode),
		slog.String("error", msg),
		slog.String("body", sanitizeResponseBody(body)),
		slog.Duration("elapsed", time.Since(t0)),
	)

	return Result{Status: resp.StatusCode, Payload: body, ErrorMessage: msg}, nil
}

// classifyTransportError turns an http.Client.Do error into the
// explicit aborted/timeout/unreachable taxonomy.
func (c *Client) classifyTransportError(ctx context.Context, target string, err error, t0 time.Time) Result {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		c.logger.Warn("upload aborted by caller", slog.String("url", target), slog.Duration("elapsed", time.Since(t0)))
		return Result{Aborted: true, ErrorMessage: "Aborted"}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		c.logger.Error("upload timed out", slog.String("url", target), slog.Duration("elapsed", time.Since(t0)))
		return Result{ErrorMessage: "Timeout"}
	}

	c.logger.Error("upload network error",
		slog.String("url", target),
		slog.Duration("elapsed", time.Since(t0)),
		slog.Any("error", err),
	)

	return Result{ErrorMessage: "Network error"}
}

// createFilePart adds the binary form field carrying the payload, with
// its filename and declared mime type.
func createFilePart(form *multipart.Writer, name, mimeType string) (io.Writer, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", mimeType)

	part, err := form.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("creating form part: %w", err)
	}

	return part, nil
}

// serverMessage extracts the server's own human-readable message from a
// response body, preferring "message" over "error".
func serverMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}

	if msg := gjson.GetBytes(body, "error"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}

	return ""
}

// ListFiles fetches the authoritative server listing and maps it into
// server-confirmed FileItems. The fallback route is used when the
// primary is unreachable or answers 404.
func (c *Client) ListFiles(ctx context.Context, ep Endpoint, page, perPage int, order string) ([]FileItem, error) {
	query := url.Values{
		"page":     []string{strconv.Itoa(page)},
		"per_page": []string{strconv.Itoa(perPage)},
		"order":    []string{order},
	}

	primary, fallback := ep.Routes(filesRoute, query)
	auth := ep.AuthHeader()

	resp, err := c.get(ctx, primary, auth)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}

		c.logger.Warn("primary files route unreachable, trying fallback", slog.Any("error", err))

		resp, err = c.get(ctx, fallback, auth)
		if err != nil {
			return nil, fmt.Errorf("fetching files list: %w", err)
		}
	} else if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()

		c.logger.Warn("primary files route returned 404, trying fallback")

		resp, err = c.get(ctx, fallback, auth)
		if err != nil {
			return nil, fmt.Errorf("fetching files list: %w", err)
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading files list: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("files list failed",
			slog.Int("status", resp.StatusCode),
			slog.String("body", sanitizeResponseBody(body)),
		)

		return nil, fmt.Errorf("files list failed: HTTP %d", resp.StatusCode)
	}

	return mapServerItems(body), nil
}

func (c *Client) get(ctx context.Context, target, auth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")

	return c.httpClient.Do(req)
}

// mapServerItems converts the listing payload into FileItems. Ids are
// deterministic so repeated listings reconcile onto the same entries.
func mapServerItems(body []byte) []FileItem {
	var items []FileItem

	gjson.GetBytes(body, "items").ForEach(func(_, it gjson.Result) bool {
		name := it.Get("name").String()
		if name == "" {
			name = "Unnamed"
		}

		mimeType := it.Get("mime").String()
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		items = append(items, FileItem{
			ID:          ServerID(name),
			Name:        name,
			MimeType:    mimeType,
			SizeBytes:   it.Get("size").Int(),
			LocationRef: it.Get("url").String(),
			Status:      StatusUploaded,
			Progress:    100,
			CreatedAt:   parseModified(it.Get("modified").String()),
			Kind:        KindServer,
		})

		return true
	})

	return items
}

// parseModified parses the server's modification timestamp, falling
// back to "now" when absent or unparseable.
func parseModified(modified string) int64 {
	if modified == "" {
		return time.Now().UnixMilli()
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, modified); err == nil {
			return t.UnixMilli()
		}
	}

	return time.Now().UnixMilli()
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in log records. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
