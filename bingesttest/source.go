// Package bingesttest provides test doubles for driving the bingest
// pipeline without a real transport or filesystem: a scripted event
// source, an in-memory store with injectable failures and write gates,
// and a downstream recorder to assert on the single terminal outcome.
package bingesttest

import (
	"bytes"
	"io"
	"net/url"

	"github.com/advdv/bingest"
)

// Source is a scripted [bingest.Source]: tests deliver events explicitly
// through the Send methods after the pipeline resumed the source. Send
// methods may be called from any single goroutine; part write completions
// still happen on the pipeline's own goroutines, which is what makes the
// gate's interleavings testable.
type Source struct {
	preEnded bool
	form     url.Values
	handler  bingest.SourceHandler
	resumed  chan struct{}
}

// NewSource inits a scripted source.
func NewSource() *Source {
	return &Source{resumed: make(chan struct{})}
}

// NewConsumedSource inits a source that reports its payload as already
// consumed before the pipeline attached.
func NewConsumedSource() *Source {
	src := NewSource()
	src.preEnded = true

	return src
}

// SetFormAttributes scripts the decoded form fields the source reports
// after its end event.
func (s *Source) SetFormAttributes(form url.Values) { s.form = form }

// Ended implements [bingest.Source].
func (s *Source) Ended() bool { return s.preEnded }

// FormAttributes implements [bingest.Source].
func (s *Source) FormAttributes() url.Values { return s.form }

// Resume implements [bingest.Source].
func (s *Source) Resume(h bingest.SourceHandler) {
	s.handler = h
	close(s.resumed)
}

// Resumed reports whether the pipeline armed the source. Sources of
// skipped requests (no body indication) are never resumed.
func (s *Source) Resumed() bool {
	select {
	case <-s.resumed:
		return true
	default:
		return false
	}
}

// SendChunk delivers a slice of payload bytes.
func (s *Source) SendChunk(chunk []byte) { s.must().Chunk(chunk) }

// SendPart delivers a file-part begin event. It returns once the part's
// bytes were consumed; whether the part's write completed depends on the
// store.
func (s *Source) SendPart(part *Part) { s.must().PartBegin(part) }

// SendEnd delivers the end-of-stream event.
func (s *Source) SendEnd() { s.must().End() }

// SendAbort delivers a fatal transport error.
func (s *Source) SendAbort(err error) { s.must().Abort(err) }

func (s *Source) must() bingest.SourceHandler {
	select {
	case <-s.resumed:
		return s.handler
	default:
		panic("bingesttest: source was not resumed, cannot deliver events")
	}
}

// Part is a scripted file part.
type Part struct {
	field    string
	filename string
	ctype    string
	data     []byte
	size     int64
	hasSize  bool
}

// NewPart inits a part posted under a form field with the given file
// name and contents. The part advertises no size unless
// [Part.AdvertiseSize] is called.
func NewPart(field, filename string, data []byte) *Part {
	return &Part{field: field, filename: filename, ctype: "application/octet-stream", data: data}
}

// AdvertiseSize makes the part advertise a size before streaming, which
// need not match the actual data.
func (p *Part) AdvertiseSize(n int64) *Part {
	p.size, p.hasSize = n, true

	return p
}

// WithContentType overrides the part's declared media type.
func (p *Part) WithContentType(ct string) *Part {
	p.ctype = ct

	return p
}

// Name implements [bingest.Part].
func (p *Part) Name() string { return p.field }

// Filename implements [bingest.Part].
func (p *Part) Filename() string { return p.filename }

// ContentType implements [bingest.Part].
func (p *Part) ContentType() string { return p.ctype }

// Size implements [bingest.Part].
func (p *Part) Size() (int64, bool) { return p.size, p.hasSize }

// Open implements [bingest.Part].
func (p *Part) Open() io.Reader { return bytes.NewReader(p.data) }

var (
	_ bingest.Source = (*Source)(nil)
	_ bingest.Part   = (*Part)(nil)
)
