package bingest

import (
	"io"
	"net/url"
)

// Source is the inbound side of the pipeline: one request payload,
// decomposed by the transport into a stream of chunk and upload-part
// events. Implementations deliver events only after [Source.Resume] armed
// a handler. Chunk, part-begin, end and abort events must arrive on a
// single goroutine; only the completion of part writes may happen
// elsewhere.
type Source interface {
	// Ended reports whether the payload was already fully consumed before
	// the pipeline attached, in which case there is nothing to ingest.
	Ended() bool

	// Resume arms the handler and starts (or restarts) event delivery.
	Resume(h SourceHandler)

	// FormAttributes returns the decoded form fields of the payload. Only
	// valid after the end event, and only for requests classified as a
	// form.
	FormAttributes() url.Values
}

// SourceHandler receives the payload events of a single request. The
// pipeline implements this interface.
type SourceHandler interface {
	// Chunk is called for every slice of payload bytes as it arrives. The
	// slice is only valid for the duration of the call.
	Chunk(chunk []byte)

	// PartBegin is called when a file part of a multipart payload begins.
	// The handler must consume the part's byte stream before returning.
	PartBegin(part Part)

	// End signals that the inbound stream reached end-of-input. It is
	// delivered exactly once, after the last chunk.
	End()

	// Abort signals a fatal transport error. Decode failures must be
	// marked with [ErrMalformedPayload].
	Abort(err error)
}

// Part is one file sub-stream within a multipart payload.
type Part interface {
	// Name is the form field name the part was posted under.
	Name() string

	// Filename is the client-provided file name.
	Filename() string

	// ContentType is the part's declared media type.
	ContentType() string

	// Size returns the part's advertised size and whether one is
	// available. An advertised size permits rejecting an oversized part
	// before streaming it.
	Size() (int64, bool)

	// Open returns the part's byte stream for exactly one consumer.
	Open() io.Reader
}

// Downstream receives the single terminal outcome of a request's
// ingestion: exactly one Continue or exactly one Fail call, never both,
// never zero.
type Downstream interface {
	// Continue hands the ingested payload to the next processing stage.
	Continue(res *Result)

	// Fail reports that ingestion failed with a response code and cause.
	Fail(code Code, cause error)
}
