package vfs

import (
	"bytes"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// DefaultCSP is the content security policy sent with every virtual file.
// romsound: is the scheme of receiver built-in sounds.
const DefaultCSP = "default-src 'self' 'unsafe-eval' 'unsafe-inline' blob: data: romsound:"

// Handler serves the files of an FS. The request path, after any prefix
// stripping, is the virtual path.
type Handler struct {
	fs     *FS
	log    *slog.Logger
	csp    string
	script string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCSP overrides the content security policy. An empty policy sends no
// header.
func WithCSP(csp string) HandlerOption {
	return func(h *Handler) { h.csp = csp }
}

// WithScript injects <script src="src"></script> at the start of the head
// of every HTML document.
func WithScript(src string) HandlerOption {
	return func(h *Handler) { h.script = src }
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// NewHandler creates a Handler serving fs.
func NewHandler(fs *FS, opts ...HandlerOption) *Handler {
	h := &Handler{fs: fs, csp: DefaultCSP}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "vfs-http")
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	f, ok := h.fs.Lookup(path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", f.Entry.ContentType)
	if h.csp != "" {
		hdr.Set("Content-Security-Policy", h.csp)
	}
	hdr.Set("Vary", "Accept-Encoding")

	body := f.Body
	switch {
	case isHTML(f.Entry.ContentType):
		plain, err := f.Inflate()
		if err != nil {
			h.log.Warn("inflate failed", "path", path, "error", err)
			http.Error(w, "corrupt file", http.StatusBadGateway)
			return
		}
		body = injectScript(plain, h.script)
		// The served bytes differ from the stored ones.
		hdr.Set("ETag", etag(body))
	case f.Compressed() && acceptsDeflate(r.Header.Get("Accept-Encoding")):
		hdr.Set("Content-Encoding", "deflate")
		hdr.Set("ETag", f.ETag)
	case f.Compressed():
		plain, err := f.Inflate()
		if err != nil {
			h.log.Warn("inflate failed", "path", path, "error", err)
			http.Error(w, "corrupt file", http.StatusBadGateway)
			return
		}
		body = plain
		hdr.Set("ETag", etag(body))
	default:
		hdr.Set("ETag", f.ETag)
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == hdr.Get("ETag") {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(strings.ToLower(contentType), ";")
		mt = strings.TrimSpace(mt)
	}
	return mt == "text/html"
}

func acceptsDeflate(accept string) bool {
	for part := range strings.SplitSeq(accept, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "deflate") {
			continue
		}
		if q := strings.TrimSpace(params); q == "q=0" || q == "q=0.0" {
			return false
		}
		return true
	}
	return false
}

var headTag = []byte("<head>")

// injectScript inserts a script element right after the first <head>,
// matched case-insensitively. Documents without one are returned as is.
func injectScript(html []byte, src string) []byte {
	if src == "" {
		return html
	}
	i := indexASCIIFold(html, headTag)
	if i < 0 {
		return html
	}
	i += len(headTag)
	tag := `<script src="` + src + `"></script>`
	out := make([]byte, 0, len(html)+len(tag))
	out = append(out, html[:i]...)
	out = append(out, tag...)
	return append(out, html[i:]...)
}

// indexASCIIFold is bytes.Index ignoring ASCII case. Offsets stay valid for
// documents in any encoding.
func indexASCIIFold(s, sep []byte) int {
	for i := 0; i+len(sep) <= len(s); i++ {
		if bytes.EqualFold(s[i:i+len(sep)], sep) {
			return i
		}
	}
	return -1
}
