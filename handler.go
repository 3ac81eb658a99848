package bingest

import (
	"context"
	"log"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultBodyLimit imposes no limit on payload size.
	DefaultBodyLimit = -1
	// DefaultUploadsDirectory is where upload parts land unless
	// configured otherwise.
	DefaultUploadsDirectory = "file-uploads"
)

// Handler ingests request payloads: it enforces the size limit while
// streaming, accumulates non-multipart bodies, streams multipart file
// parts into durable storage concurrently with continued body reception,
// and invokes downstream exactly once, after every sub-stream reached a
// terminal state. A Handler is immutable and safe for concurrent use
// across requests.
type Handler struct {
	bodyLimit                int64
	handleFileUploads        bool
	uploadsDir               string
	mergeFormAttributes      bool
	deleteUploadedFilesOnEnd bool
	preallocateBodyBuffer    bool

	store Store
	logs  Logger
}

// Option configures a [Handler].
type Option func(*Handler)

// WithBodyLimit caps the payload size in bytes, counting body bytes and
// upload bytes together. -1 means unlimited.
func WithBodyLimit(limit int64) Option {
	return func(h *Handler) { h.bodyLimit = limit }
}

// WithFileUploads toggles writing multipart file parts to storage. When
// disabled, parts are consumed and discarded.
func WithFileUploads(enabled bool) Option {
	return func(h *Handler) { h.handleFileUploads = enabled }
}

// WithUploadsDirectory sets the directory upload parts are written to. It
// is created lazily, once a multipart request arrives.
func WithUploadsDirectory(dir string) Option {
	return func(h *Handler) { h.uploadsDir = dir }
}

// WithMergeFormAttributes toggles merging decoded form attributes into
// the request parameters on continuation.
func WithMergeFormAttributes(enabled bool) Option {
	return func(h *Handler) { h.mergeFormAttributes = enabled }
}

// WithDeleteUploadedFilesOnEnd toggles disposing uploaded files after
// downstream fully processed the request.
func WithDeleteUploadedFilesOnEnd(enabled bool) Option {
	return func(h *Handler) { h.deleteUploadedFilesOnEnd = enabled }
}

// WithPreallocateBodyBuffer toggles pre-sizing the body buffer from the
// declared length instead of growing it on demand.
func WithPreallocateBodyBuffer(enabled bool) Option {
	return func(h *Handler) { h.preallocateBodyBuffer = enabled }
}

// WithStore sets the durable storage that upload parts stream into.
func WithStore(store Store) Option {
	return func(h *Handler) { h.store = store }
}

// WithLogger sets the logger for conditions that cannot be propagated,
// such as deletion failures during cleanup.
func WithLogger(logs Logger) Option {
	return func(h *Handler) { h.logs = logs }
}

// New inits a handler. Without options it handles file uploads into
// [DefaultUploadsDirectory] on local disk, merges form attributes and
// imposes no body limit.
func New(opts ...Option) *Handler {
	h := &Handler{
		bodyLimit:           DefaultBodyLimit,
		handleFileUploads:   true,
		uploadsDir:          DefaultUploadsDirectory,
		mergeFormAttributes: true,
		store:               NewDiskStore(),
		logs:                NewStdLogger(log.Default()),
	}
	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Head describes the inbound request head as far as ingestion cares about
// it, decoupled from any particular transport.
type Head struct {
	// ContentLength is the raw content-length header value, empty when
	// absent. Malformed values are treated as unknown, never as an error.
	ContentLength string

	// ContentType is the raw content-type header value.
	ContentType string

	// Framed reports chunked or frame-based delivery: a transfer-encoding
	// header, or HTTP/2 where frames are chunks and no transfer-encoding
	// is ever transmitted.
	Framed bool

	// Expect is the raw expect header value.
	Expect string

	// LegacyHTTP10 marks an HTTP/1.0 request, on which a 100-continue
	// expectation must be ignored rather than answered.
	LegacyHTTP10 bool

	// WriteContinue sends an interim 100 Continue response. Leave nil for
	// transports that answer expectations themselves.
	WriteContinue func() error
}

// Ingest runs the pipeline for one request. Exactly one [Downstream]
// method is invoked, possibly before Ingest returns (when the request is
// rejected or carries no body) and possibly after (once the source
// delivered all events and every upload write reached a terminal state).
// Cancelling ctx aborts in-flight upload writes.
func (h *Handler) Ingest(ctx context.Context, head Head, src Source, dst Downstream) {
	// a request with a body must have either a transfer-encoding or a
	// content-length header; without both the pipeline is skipped
	declared := parseDeclaredLength(head.ContentLength)
	if !head.Framed && declared == -1 {
		dst.Continue(&Result{})
		return
	}

	// discarding a bad request just by inspecting the declared length
	// skips parsing a body that is guaranteed to overflow
	if h.bodyLimit != -1 && declared != -1 && declared > h.bodyLimit {
		dst.Fail(CodeRequestEntityTooLarge, errors.Newf(
			"declared length %d exceeds the %d byte limit", declared, h.bodyLimit))
		return
	}

	if head.Expect != "" {
		if !strings.EqualFold(head.Expect, "100-continue") {
			// 100-continue is the only expectation we can meet
			dst.Fail(CodeExpectationFailed, errors.Newf("unsupported expectation %q", head.Expect))
			return
		}
		if !head.LegacyHTTP10 && head.WriteContinue != nil {
			if err := head.WriteContinue(); err != nil {
				h.logs.LogInterimWriteError(err)
			}
		}
	}

	if src.Ended() {
		// the payload was already consumed before we attached
		dst.Continue(&Result{})
		return
	}

	mode := classify(head.ContentType)
	if mode.ExpectsForm() && h.handleFileUploads {
		if err := h.store.EnsureDir(ctx, h.uploadsDir); err != nil {
			dst.Fail(CodeInternalServerError, err)
			return
		}
	}

	src.Resume(newPipeline(ctx, h, mode, declared, src, dst))
}
