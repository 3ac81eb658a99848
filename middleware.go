package bingest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/advdv/bingest"

// Middleware returns net/http middleware that ingests the request payload
// before invoking next. On success the result is reachable through the
// request context via [BodyBytes], [Uploads] and [ResultFrom]; on failure
// the middleware responds with the failure's status and next is never
// invoked.
//
// A request that passes through the middleware a second time, for example
// after an internal redirect, is detected through its context: ingestion
// is skipped and only the form-attribute merge is re-applied when
// configured.
func (h *Handler) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if res, ok := resultFrom(r.Context()); ok {
				// already ingested for this request: re-apply the merge only
				if h.mergeFormAttributes {
					mergeFormParams(r, res)
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := otel.Tracer(tracerName).Start(r.Context(), "bingest.ingest",
				trace.WithAttributes(
					attribute.String("bingest.mode", classify(r.Header.Get("Content-Type")).String()),
				))

			outcomes := make(chan outcome, 1)
			h.Ingest(ctx, headFromRequest(r), newHTTPSource(r), outcomeChan(outcomes))
			out := <-outcomes

			if out.err != nil {
				span.RecordError(out.err)
				span.SetStatus(codes.Error, out.err.Error())
				span.End()

				status := out.code.Status()
				http.Error(w, http.StatusText(status), status)
				return
			}

			res := out.res
			span.SetAttributes(
				attribute.Int64("bingest.received_bytes", res.Received),
				attribute.Int("bingest.uploads", len(res.Uploads)),
			)
			span.End()

			defer res.Finish()

			r = r.WithContext(withResult(ctx, res))
			if h.mergeFormAttributes {
				mergeFormParams(r, res)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// headFromRequest maps the request head onto the transport-agnostic
// [Head]. WriteContinue stays nil: the net/http server answers 100-continue
// expectations itself when the body is first read.
func headFromRequest(r *http.Request) Head {
	length := r.Header.Get("Content-Length")
	if length == "" && r.ContentLength > 0 {
		// requests built programmatically often carry the length on the
		// struct without a header
		length = strconv.FormatInt(r.ContentLength, 10)
	}

	return Head{
		ContentLength: length,
		ContentType:   r.Header.Get("Content-Type"),
		Framed:        r.ProtoMajor == 2 || len(r.TransferEncoding) > 0,
		Expect:        r.Header.Get("Expect"),
		LegacyHTTP10:  r.ProtoMajor == 1 && r.ProtoMinor == 0,
	}
}

// mergeFormParams merges the decoded form attributes into the request's
// parameters, next to the query parameters.
func mergeFormParams(r *http.Request, res *Result) {
	if len(res.Form) == 0 {
		return
	}

	if r.Form == nil {
		r.Form = r.URL.Query()
	}
	for key, values := range res.Form {
		r.Form[key] = append(r.Form[key], values...)
	}
}

// outcome is the single terminal outcome of an ingestion.
type outcome struct {
	res  *Result
	code Code
	err  error
}

// outcomeChan adapts a channel to the [Downstream] contract so the
// middleware goroutine can join on the pipeline's completion gate.
type outcomeChan chan outcome

func (c outcomeChan) Continue(res *Result) { c <- outcome{res: res} }

func (c outcomeChan) Fail(code Code, cause error) {
	if cause == nil {
		cause = NewError(code, errors.New("ingestion failed"))
	}
	c <- outcome{code: code, err: cause}
}

type resultKey struct{}

func withResult(ctx context.Context, res *Result) context.Context {
	return context.WithValue(ctx, resultKey{}, res)
}

func resultFrom(ctx context.Context) (*Result, bool) {
	res, ok := ctx.Value(resultKey{}).(*Result)
	return res, ok
}

// ResultFrom returns the ingestion result for a request that passed
// through the middleware, or nil.
func ResultFrom(r *http.Request) *Result {
	res, _ := resultFrom(r.Context())
	return res
}

// Processed reports whether the pipeline already ran for this request.
func Processed(r *http.Request) bool {
	_, ok := resultFrom(r.Context())
	return ok
}

// BodyBytes returns the accumulated payload bytes, nil for multipart
// payloads or when no body was ingested.
func BodyBytes(r *http.Request) []byte {
	if res := ResultFrom(r); res != nil {
		return res.Body
	}

	return nil
}

// Uploads returns the upload records of a multipart request, all in a
// terminal state.
func Uploads(r *http.Request) []*Upload {
	if res := ResultFrom(r); res != nil {
		return res.Uploads
	}

	return nil
}
