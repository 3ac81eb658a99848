package bingest

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
)

// httpSource adapts an *http.Request into the pipeline's event stream:
// body bytes are read on a dedicated goroutine and surfaced as chunk
// events; multipart payloads are demultiplexed into file-part events and
// form attributes. Part reads pull through the same counting reader, so
// the chunk accounting covers multipart framing bytes too.
type httpSource struct {
	req  *http.Request
	mode Mode
	form url.Values
}

func newHTTPSource(req *http.Request) *httpSource {
	return &httpSource{req: req, mode: classify(req.Header.Get("Content-Type"))}
}

// Ended implements [Source].
func (s *httpSource) Ended() bool {
	return s.req.Body == nil || s.req.Body == http.NoBody
}

// FormAttributes implements [Source].
func (s *httpSource) FormAttributes() url.Values { return s.form }

// Resume implements [Source].
func (s *httpSource) Resume(h SourceHandler) {
	go s.run(h)
}

func (s *httpSource) run(h SourceHandler) {
	src := &chunkReader{r: s.req.Body, h: h}

	switch s.mode {
	case ModeMultipart:
		s.runMultipart(src, h)
	case ModeURLEncoded:
		raw, err := io.ReadAll(src)
		if err != nil {
			h.Abort(classifyTransportErr(err))
			return
		}
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			h.Abort(errors.Mark(err, ErrMalformedPayload))
			return
		}
		s.form = form
		h.End()
	default:
		if _, err := io.Copy(io.Discard, src); err != nil {
			h.Abort(classifyTransportErr(err))
			return
		}
		h.End()
	}
}

func (s *httpSource) runMultipart(src io.Reader, h SourceHandler) {
	_, params, err := mime.ParseMediaType(s.req.Header.Get("Content-Type"))
	boundary := params["boundary"]
	if err != nil || boundary == "" {
		h.Abort(errors.Mark(errors.New("missing or invalid multipart boundary"), ErrMalformedPayload))
		return
	}

	form := url.Values{}
	reader := multipart.NewReader(src, boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.Abort(errors.Mark(err, ErrMalformedPayload))
			return
		}

		if part.FileName() == "" {
			// a field part: its value becomes a form attribute
			value, err := io.ReadAll(part)
			if err != nil {
				h.Abort(classifyTransportErr(err))
				return
			}
			form.Add(part.FormName(), string(value))
		} else {
			h.PartBegin(&httpPart{part: part})
		}

		_ = part.Close()
	}

	// count any epilogue bytes after the closing boundary
	if _, err := io.Copy(io.Discard, src); err != nil {
		h.Abort(classifyTransportErr(err))
		return
	}

	s.form = form
	h.End()
}

// classifyTransportErr marks truncation as a malformed payload; other
// read errors (such as a cancelled request) pass through untouched.
func classifyTransportErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Mark(err, ErrMalformedPayload)
	}

	return err
}

// chunkReader surfaces every read as a chunk event before passing the
// bytes on.
type chunkReader struct {
	r io.Reader
	h SourceHandler
}

func (c *chunkReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.h.Chunk(p[:n])
	}

	return n, err
}

// httpPart adapts a *multipart.Part to the [Part] interface.
type httpPart struct{ part *multipart.Part }

func (p *httpPart) Name() string        { return p.part.FormName() }
func (p *httpPart) Filename() string    { return p.part.FileName() }
func (p *httpPart) ContentType() string { return p.part.Header.Get("Content-Type") }
func (p *httpPart) Open() io.Reader     { return p.part }

// Size reports the part's own content-length header when the client sent
// one. Browsers usually don't, in which case the size stays unknown until
// streamed.
func (p *httpPart) Size() (int64, bool) {
	value := p.part.Header.Get("Content-Length")
	if value == "" {
		return 0, false
	}

	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return 0, false
	}

	return parsed, true
}

var (
	_ Source = (*httpSource)(nil)
	_ Part   = (*httpPart)(nil)
)
