// Package bingest provides streaming ingestion of HTTP request payloads
// with size limits enforced during streaming, not after buffering.
//
// # Overview
//
// bingest sits between the transport and the rest of the request
// handling chain. It consumes an inbound payload incrementally, decides
// whether it is a plain body, a url-encoded form or a multipart upload,
// collects non-multipart bytes under a size budget, and streams multipart
// file parts into durable storage concurrently with continued body
// reception. Downstream processing is invoked exactly once, only after
// the stream ended and every upload write reached a terminal state;
// partial artifacts are cleaned up on any failure path.
//
// A minimal example with the net/http middleware:
//
//	ingest := bingest.New(
//	    bingest.WithBodyLimit(8<<20),
//	    bingest.WithUploadsDirectory("/var/uploads"),
//	)
//
//	mux := http.NewServeMux()
//	mux.Handle("POST /documents", ingest.Middleware()(http.HandlerFunc(
//	    func(w http.ResponseWriter, r *http.Request) {
//	        body := bingest.BodyBytes(r)
//	        for _, up := range bingest.Uploads(r) {
//	            log.Printf("stored %s at %s (%d bytes)", up.Filename(), up.Path(), up.Size())
//	        }
//	        _ = body
//	    })))
//
// # Pipeline
//
// A request flows through a fixed sequence of stages:
//
//   - the limit guard rejects a declared length over the limit before any
//     byte is read, and skips ingestion entirely for requests with no
//     body indication at all
//   - the content classifier inspects the content-type header once to arm
//     either the body accumulator or the upload coordinator
//   - the body accumulator collects non-multipart bytes, pre-sized from
//     the declared length when configured
//   - the upload coordinator streams each accepted file part into a
//     [Store], tracking one outstanding counter across all parts
//   - the completion gate joins the end-of-stream event with the
//     outstanding counter crossing zero and fires exactly once
//   - the cleanup coordinator cancels in-flight writes and deletes
//     written files when anything fails, at most once per request
//
// Upload writes complete out of order and concurrently with continued
// body reading; the gate tolerates any interleaving of completions and
// the end-of-stream event.
//
// # Transports and storage
//
// The pipeline is driven through two small contracts. [Source] delivers
// the payload as chunk and part events; the package ships a net/http
// adapter behind [Handler.Middleware], and bingesttest provides a
// scripted source for tests. [Store] is the durable storage parts stream
// into; [DiskStore] writes to the local filesystem and the s3store
// subpackage targets an S3 bucket.
//
// Other transports call [Handler.Ingest] directly and receive the single
// terminal outcome through the [Downstream] contract: one Continue or one
// Fail, never both, never zero.
//
// # Failure semantics
//
// The first fatal condition latches and wins: a payload over the limit
// reports 413, an undecodable payload 400, an unsupported Expect header
// 417, and an upload write failure its underlying cause. Once latched,
// later chunks and parts are ignored, in-flight writes are told to abort,
// and files already written are deleted. Deletion failures are logged
// through [Logger] and never affect the request outcome.
//
// # Forms
//
// Url-encoded bodies are decoded into form attributes and, deliberately,
// still collected into the raw body buffer: clients routinely post other
// payloads under that content type. Multipart field parts become form
// attributes as well. With [WithMergeFormAttributes] enabled the
// attributes are merged into the request parameters before downstream
// runs, and merged again if the request re-enters the middleware after an
// internal redirect.
package bingest
