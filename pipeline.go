package bingest

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	defaultInitialBodyBufferSize   = 1024
	maxPreallocatedBodyBufferBytes = 65535
)

// Result is what a successful ingestion hands to downstream processing.
type Result struct {
	// Body holds the accumulated payload bytes. It is nil for multipart
	// payloads and for requests that carried no body at all.
	Body []byte

	// Uploads lists every tracked upload part. All of them are in a
	// terminal state by the time the result is delivered.
	Uploads []*Upload

	// Form holds the decoded form attributes for requests classified as a
	// form, nil otherwise.
	Form url.Values

	// Received is the total number of payload bytes observed.
	Received int64

	p *pipeline
}

// CompletedUploads returns the uploads that were fully written.
func (r *Result) CompletedUploads() []*Upload {
	return lo.Filter(r.Uploads, func(u *Upload, _ int) bool {
		return u.State() == UploadCompleted
	})
}

// Finish releases the result after downstream fully processed the
// request. When the handler is configured to delete uploaded files after
// use this is what disposes them; it does so at most once.
func (r *Result) Finish() {
	if r.p == nil {
		return
	}

	if r.p.h.deleteUploadedFilesOnEnd {
		r.p.cleanup()
	}
}

// pipeline carries the mutable per-request ingestion state. Chunk and
// part events arrive serialized on the source goroutine; part write
// completions arrive on independent goroutines. The ended/failed/
// delivered/cleaned latches and the outstanding counter are therefore
// atomic: the completion gate is a join barrier, not a lock.
type pipeline struct {
	h    *Handler
	src  Source
	dst  Downstream
	mode Mode

	// sizeHint is the declared length when buffer preallocation is
	// enabled, -1 otherwise.
	sizeHint int64

	writeCtx    context.Context
	abortWrites context.CancelFunc

	// body and received are mutated only on the source goroutine.
	body     *bytes.Buffer
	received int64

	mu      sync.Mutex
	uploads []*Upload

	outstanding atomic.Int32
	ended       atomic.Bool
	failed      atomic.Bool
	delivered   atomic.Bool
	cleaned     atomic.Bool
}

func newPipeline(ctx context.Context, h *Handler, mode Mode, declared int64, src Source, dst Downstream) *pipeline {
	p := &pipeline{
		h:        h,
		src:      src,
		dst:      dst,
		mode:     mode,
		sizeHint: -1,
	}
	p.writeCtx, p.abortWrites = context.WithCancel(ctx)

	if h.preallocateBodyBuffer {
		p.sizeHint = declared
	}
	// the request clearly states there should be a body, so respect the
	// client and make sure the buffer is not nil
	if p.sizeHint != -1 {
		p.initBody()
	}

	return p
}

// initBody sizes the buffer from the declared length, clipped to a fixed
// upper bound so a hostile declared length cannot trigger a pathological
// allocation, and further clipped to the configured body limit.
func (p *pipeline) initBody() {
	size := int64(defaultInitialBodyBufferSize)
	if p.sizeHint >= 0 {
		size = min(p.sizeHint, maxPreallocatedBodyBufferBytes)
	}

	if p.h.bodyLimit != -1 {
		size = min(size, p.h.bodyLimit)
	}

	p.body = bytes.NewBuffer(make([]byte, 0, size))
}

// Chunk implements [SourceHandler].
func (p *pipeline) Chunk(chunk []byte) {
	if p.failed.Load() {
		return
	}

	p.received += int64(len(chunk))
	if p.h.bodyLimit != -1 && p.received > p.h.bodyLimit {
		p.failWith(CodeRequestEntityTooLarge, errors.Newf(
			"payload reached %d bytes, exceeding the %d byte limit", p.received, p.h.bodyLimit))
		return
	}

	// multipart payloads never end up in the body buffer. Url-encoded
	// payloads do: clients routinely post other content under that
	// content type, so the raw bytes stay available.
	if p.mode != ModeMultipart {
		if p.body == nil {
			p.initBody()
		}
		p.body.Write(chunk)
	}
}

// PartBegin implements [SourceHandler]. The part's bytes are pulled
// through a pipe on the calling goroutine while a dedicated goroutine
// streams them into the store, so write completion is decoupled from
// continued body reception.
func (p *pipeline) PartBegin(part Part) {
	if p.failed.Load() {
		p.drain(part)
		return
	}

	if p.h.bodyLimit != -1 {
		// an advertised size permits aborting before the part streams
		if size, ok := part.Size(); ok && p.received+size > p.h.bodyLimit {
			p.failWith(CodeRequestEntityTooLarge, errors.Newf(
				"upload %q advertises %d bytes, which exceeds the %d byte limit with %d bytes already received",
				part.Name(), size, p.h.bodyLimit, p.received))
			p.drain(part)
			return
		}
	}

	if !p.h.handleFileUploads {
		p.drain(part)
		return
	}

	upload := newUpload(part, uploadPath(p.h.uploadsDir))
	p.mu.Lock()
	p.uploads = append(p.uploads, upload)
	p.mu.Unlock()

	p.outstanding.Add(1)

	pr, pw := io.Pipe()
	go p.storePart(upload, pr)

	_, err := io.Copy(pw, part.Open())
	pw.CloseWithError(err)
}

// storePart runs on its own goroutine per part: it streams the piped part
// bytes into the store and records the terminal outcome. It always
// decrements the outstanding counter, whatever the outcome.
func (p *pipeline) storePart(upload *Upload, pr *io.PipeReader) {
	written, err := p.h.store.Write(p.writeCtx, upload.path, pr)
	pr.CloseWithError(err) // unblock the producer if bytes remain
	upload.size.Store(written)

	switch {
	case err == nil:
		if !upload.transition(UploadPending, UploadCompleted) {
			// cleanup cancelled this upload but the write raced to
			// completion anyway; the artifact must not outlive the request
			p.remove(upload)
		}
	case upload.State() == UploadCancelled || errors.Is(err, context.Canceled):
		// cleanup aborted the write; the store discarded the partial
		// artifact already
		upload.transition(UploadPending, UploadCancelled)
	default:
		upload.transition(UploadPending, UploadFailed)
		code := CodeOf(err)
		if code == CodeUnknown {
			code = CodeInternalServerError
		}
		p.failWith(code, errors.Wrapf(err, "store upload %q", upload.FieldName()))
	}

	p.uploadEnded()
}

// uploadEnded decrements the outstanding-upload counter and evaluates the
// completion gate. The decrement and the gate check tolerate racing with
// the end-of-stream event and with other completions: whichever caller
// observes both conditions fires the gate, which is itself one-shot.
func (p *pipeline) uploadEnded() {
	if n := p.outstanding.Add(-1); n == 0 && p.ended.Load() {
		p.finish()
	}
}

// End implements [SourceHandler]. It marks end-of-body; completion is
// only possible from this moment onwards.
func (p *pipeline) End() {
	p.ended.Store(true)

	if p.outstanding.Load() == 0 {
		p.finish()
	}
}

// Abort implements [SourceHandler].
func (p *pipeline) Abort(err error) {
	code := CodeOf(err)
	switch {
	case errors.Is(err, ErrMalformedPayload):
		code = CodeBadRequest
	case code == CodeUnknown:
		code = CodeInternalServerError
	}

	p.failWith(code, err)
}

// failWith latches the first fatal condition. The latch winner cleans up
// and delivers the single fail outcome; later failures are ignored.
func (p *pipeline) failWith(code Code, cause error) {
	if !p.failed.CompareAndSwap(false, true) {
		return
	}

	if p.delivered.CompareAndSwap(false, true) {
		p.cleanup()
		p.dst.Fail(code, cause)
	}
}

// finish fires the completion gate. It runs when the stream has ended and
// no uploads are outstanding; the delivered latch makes it fire at most
// once even when an upload completion and the end event race to be the
// one that crosses zero.
func (p *pipeline) finish() {
	if p.failed.Load() {
		// the failure path delivered (or is delivering) the outcome; all
		// that remains here is making sure cleanup ran
		p.cleanup()
		return
	}

	if !p.delivered.CompareAndSwap(false, true) {
		return
	}

	res := &Result{Received: p.received, p: p}

	p.mu.Lock()
	res.Uploads = slices.Clone(p.uploads)
	p.mu.Unlock()

	if p.body != nil {
		res.Body = p.body.Bytes()
		// release the buffer reference, it may hold a lot of memory
		p.body = nil
	}

	if p.mode.ExpectsForm() {
		res.Form = p.src.FormAttributes()
	}

	p.dst.Continue(res)
}

// cleanup cancels all unfinished upload writes and deletes the files of
// finished ones. It runs at most once per request, from whichever failure
// path (or post-use disposal) gets there first.
func (p *pipeline) cleanup() {
	if !p.cleaned.CompareAndSwap(false, true) {
		return
	}

	if !p.h.handleFileUploads {
		return
	}

	p.abortWrites()

	p.mu.Lock()
	uploads := slices.Clone(p.uploads)
	p.mu.Unlock()

	for _, upload := range uploads {
		if upload.transition(UploadPending, UploadCancelled) {
			// the in-flight write observes the cancelled context and
			// discards its own partial artifact
			continue
		}

		go p.remove(upload)
	}
}

// remove deletes an upload's artifact. Deletion failures are logged, not
// propagated: the request outcome is already determined by the time any
// deletion happens.
func (p *pipeline) remove(upload *Upload) {
	if err := p.h.store.Remove(context.Background(), upload.Path()); err != nil {
		p.h.logs.LogUploadDeleteError(upload.Path(), err)
	}
}

// drain consumes a part that is not being stored so the transport can
// proceed to the next event.
func (p *pipeline) drain(part Part) {
	_, _ = io.Copy(io.Discard, part.Open())
}

var _ SourceHandler = (*pipeline)(nil)
