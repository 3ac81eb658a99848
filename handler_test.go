package bingest_test

import (
	"bytes"
	"context"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/advdv/bingest"
	"github.com/advdv/bingest/bingesttest"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(tb testing.TB, store *bingesttest.Store, opts ...bingest.Option) *bingest.Handler {
	tb.Helper()

	base := []bingest.Option{
		bingest.WithStore(store),
		bingest.WithLogger(bingest.NewTestLogger(tb)),
	}

	return bingest.New(append(base, opts...)...)
}

func TestSkipWithoutBodyIndication(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store)
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), bingest.Head{}, src, dst)

	require.Len(t, dst.Results(), 1, "should continue immediately")
	assert.Nil(t, dst.Results()[0].Body, "no body should be ingested")
	assert.False(t, src.Resumed(), "the source should never be consumed")
	assert.Empty(t, store.Dirs(), "no directory should be ensured")
}

func TestSkipAlreadyConsumedPayload(t *testing.T) {
	hdlr := newTestHandler(t, bingesttest.NewStore())
	src, dst := bingesttest.NewConsumedSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), bingest.Head{ContentLength: "5"}, src, dst)

	require.Len(t, dst.Results(), 1)
	assert.False(t, src.Resumed())
}

func TestPreflightRejectsDeclaredOverflow(t *testing.T) {
	hdlr := newTestHandler(t, bingesttest.NewStore(), bingest.WithBodyLimit(1000))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), bingest.Head{ContentLength: "1001"}, src, dst)

	require.Len(t, dst.Failures(), 1, "should reject before consuming any chunk")
	assert.Equal(t, bingest.CodeRequestEntityTooLarge, dst.Failures()[0].Code)
	assert.False(t, src.Resumed(), "no chunk should be consumed")
}

func TestMalformedDeclaredLengthIsUnknown(t *testing.T) {
	for _, malformed := range []string{"abc", "-5", "12x3"} {
		t.Run(malformed, func(t *testing.T) {
			hdlr := newTestHandler(t, bingesttest.NewStore(), bingest.WithBodyLimit(10))
			src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

			hdlr.Ingest(context.Background(), bingest.Head{ContentLength: malformed, Framed: true}, src, dst)

			require.Empty(t, dst.Failures(), "a malformed length is a hint, not an error")
			require.True(t, src.Resumed(), "streaming enforcement stays authoritative")

			src.SendChunk(make([]byte, 11))
			dst.AwaitOutcome(t)
			require.Equal(t, bingest.CodeRequestEntityTooLarge, dst.Failures()[0].Code)
		})
	}
}

func TestExpectations(t *testing.T) {
	t.Run("unsupported expectation fails 417", func(t *testing.T) {
		hdlr := newTestHandler(t, bingesttest.NewStore())
		src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

		hdlr.Ingest(context.Background(), bingest.Head{ContentLength: "5", Expect: "202-banana"}, src, dst)

		require.Len(t, dst.Failures(), 1)
		assert.Equal(t, bingest.CodeExpectationFailed, dst.Failures()[0].Code)
		assert.False(t, src.Resumed())
	})

	t.Run("100-continue writes interim response", func(t *testing.T) {
		var continues int64
		hdlr := newTestHandler(t, bingesttest.NewStore())
		src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

		hdlr.Ingest(context.Background(), bingest.Head{
			ContentLength: "2",
			Expect:        "100-Continue",
			WriteContinue: func() error { atomic.AddInt64(&continues, 1); return nil },
		}, src, dst)

		assert.Equal(t, int64(1), atomic.LoadInt64(&continues))

		src.SendChunk([]byte("hi"))
		src.SendEnd()
		dst.AwaitOutcome(t)
		require.Len(t, dst.Results(), 1)
	})

	t.Run("100-continue is ignored on HTTP/1.0", func(t *testing.T) {
		var continues int64
		hdlr := newTestHandler(t, bingesttest.NewStore())
		src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

		hdlr.Ingest(context.Background(), bingest.Head{
			ContentLength: "2",
			Expect:        "100-continue",
			LegacyHTTP10:  true,
			WriteContinue: func() error { atomic.AddInt64(&continues, 1); return nil },
		}, src, dst)

		assert.Zero(t, atomic.LoadInt64(&continues))
	})

	t.Run("interim write failure is logged, not fatal", func(t *testing.T) {
		logs := bingest.NewTestLogger(t)
		hdlr := bingest.New(bingest.WithStore(bingesttest.NewStore()), bingest.WithLogger(logs))
		src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

		hdlr.Ingest(context.Background(), bingest.Head{
			ContentLength: "2",
			Expect:        "100-continue",
			WriteContinue: func() error { return errors.New("socket gone") },
		}, src, dst)

		assert.Equal(t, int64(1), atomic.LoadInt64(&logs.NumInterimWriteError))
		require.True(t, src.Resumed(), "ingestion should proceed regardless")
	})
}

func TestScenarioSingleChunkWithinLimit(t *testing.T) {
	hdlr := newTestHandler(t, bingesttest.NewStore(), bingest.WithBodyLimit(1000))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	payload := bytes.Repeat([]byte{0xAB}, 500)
	hdlr.Ingest(context.Background(), bingest.Head{ContentLength: "500"}, src, dst)
	src.SendChunk(payload)
	src.SendEnd()

	dst.AwaitOutcome(t)
	require.Len(t, dst.Results(), 1)
	assert.Equal(t, payload, dst.Results()[0].Body, "body must be byte-identical")
	assert.Equal(t, int64(500), dst.Results()[0].Received)
}

func TestScenarioLimitExceededMidStream(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store, bingest.WithBodyLimit(1000))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), bingest.Head{Framed: true}, src, dst)
	src.SendChunk(make([]byte, 600))
	require.Empty(t, dst.Failures(), "under the limit so far")

	src.SendChunk(make([]byte, 900)) // crosses 1000
	dst.AwaitOutcome(t)
	require.Len(t, dst.Failures(), 1)
	assert.Equal(t, bingest.CodeRequestEntityTooLarge, dst.Failures()[0].Code)

	// later events are ignored except for bookkeeping
	src.SendChunk(make([]byte, 10))
	src.SendEnd()
	assert.Equal(t, 1, dst.Outcomes(), "exactly one terminal outcome")
	assert.Empty(t, store.Files(), "no artifacts must exist")
}

func multipartHead() bingest.Head {
	return bingest.Head{
		ContentLength: "2048",
		ContentType:   "Multipart/Form-Data; boundary=xyz",
	}
}

func TestScenarioPartsStraddleStreamEnd(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store, bingest.WithBodyLimit(10_000))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), multipartHead(), src, dst)
	require.Equal(t, []string{"file-uploads"}, store.Dirs())

	src.SendPart(bingesttest.NewPart("one", "a.bin", []byte("first part")))

	store.Hold() // part two completes only after stream end
	src.SendPart(bingesttest.NewPart("two", "b.bin", []byte("second part")))
	src.SendEnd()
	assert.Zero(t, dst.Outcomes(), "gate must wait for the outstanding upload")

	store.Release()
	dst.AwaitOutcome(t)

	require.Len(t, dst.Results(), 1)
	res := dst.Results()[0]
	require.Len(t, res.Uploads, 2)
	for _, up := range res.Uploads {
		assert.Equal(t, bingest.UploadCompleted, up.State())
	}
	assert.Len(t, res.CompletedUploads(), 2)
	assert.Nil(t, res.Body, "multipart bytes never populate the body buffer")
	assert.Len(t, store.Files(), 2)
}

func TestScenarioUploadWriteFailure(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store, bingest.WithBodyLimit(10_000))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), multipartHead(), src, dst)
	src.SendPart(bingesttest.NewPart("one", "a.bin", []byte("landed fine")))

	cause := errors.New("disk on fire")
	store.FailWrites(cause)
	src.SendPart(bingesttest.NewPart("two", "b.bin", []byte("never lands")))

	dst.AwaitOutcome(t)
	require.Len(t, dst.Failures(), 1)
	assert.ErrorIs(t, dst.Failures()[0].Cause, cause, "the write's cause must surface")

	// part one's completed file is disposed by the cleanup coordinator
	require.Eventually(t, func() bool {
		return len(store.Files()) == 0
	}, 5*time.Second, 10*time.Millisecond, "all artifacts must be deleted")

	src.SendEnd()
	assert.Equal(t, 1, dst.Outcomes())
}

func TestScenarioDeleteUploadedFilesAfterUse(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store,
		bingest.WithDeleteUploadedFilesOnEnd(true))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), multipartHead(), src, dst)
	src.SendPart(bingesttest.NewPart("report", "r.csv", []byte("a,b,c")))
	src.SendEnd()

	dst.AwaitOutcome(t)
	require.Len(t, dst.Results(), 1)
	res := dst.Results()[0]
	assert.Len(t, store.Files(), 1, "the file exists while downstream runs")

	res.Finish()
	res.Finish() // disposing twice must not delete twice

	require.Eventually(t, func() bool {
		return len(store.Removed()) == 1 && len(store.Files()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, store.Removed(), 1, "deleted exactly once")
}

func TestAdvertisedPartSizeRejectedEarly(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store, bingest.WithBodyLimit(100))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), multipartHead(), src, dst)
	src.SendChunk(make([]byte, 50))
	src.SendPart(bingesttest.NewPart("big", "big.bin", nil).AdvertiseSize(60))

	dst.AwaitOutcome(t)
	require.Len(t, dst.Failures(), 1)
	assert.Equal(t, bingest.CodeRequestEntityTooLarge, dst.Failures()[0].Code)
	assert.Empty(t, store.Files(), "the part must not be streamed at all")
}

func TestUploadsDisabledDrainsParts(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store, bingest.WithFileUploads(false))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), multipartHead(), src, dst)
	assert.Empty(t, store.Dirs(), "no uploads directory should be ensured")

	src.SendPart(bingesttest.NewPart("f", "f.bin", []byte("discarded")))
	src.SendEnd()

	dst.AwaitOutcome(t)
	require.Len(t, dst.Results(), 1)
	assert.Empty(t, dst.Results()[0].Uploads)
	assert.Empty(t, store.Files())
}

func TestMalformedPayloadAborts(t *testing.T) {
	hdlr := newTestHandler(t, bingesttest.NewStore())
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), bingest.Head{Framed: true}, src, dst)
	src.SendChunk([]byte("garb"))
	src.SendAbort(errors.Mark(errors.New("bad chunk framing"), bingest.ErrMalformedPayload))

	dst.AwaitOutcome(t)
	require.Len(t, dst.Failures(), 1)
	assert.Equal(t, bingest.CodeBadRequest, dst.Failures()[0].Code)
}

func TestTransportErrorSurfacesCause(t *testing.T) {
	hdlr := newTestHandler(t, bingesttest.NewStore())
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	cause := errors.New("connection reset")
	hdlr.Ingest(context.Background(), bingest.Head{Framed: true}, src, dst)
	src.SendAbort(cause)

	dst.AwaitOutcome(t)
	require.Len(t, dst.Failures(), 1)
	assert.Equal(t, bingest.CodeInternalServerError, dst.Failures()[0].Code)
	assert.ErrorIs(t, dst.Failures()[0].Cause, cause)
}

func TestURLEncodedKeepsRawBody(t *testing.T) {
	hdlr := newTestHandler(t, bingesttest.NewStore())
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	raw := []byte("a=1&b=2")
	src.SetFormAttributes(url.Values{"a": {"1"}, "b": {"2"}})

	hdlr.Ingest(context.Background(), bingest.Head{
		ContentLength: "7",
		ContentType:   "application/x-www-form-urlencoded; charset=utf-8",
	}, src, dst)
	src.SendChunk(raw)
	src.SendEnd()

	dst.AwaitOutcome(t)
	require.Len(t, dst.Results(), 1)
	res := dst.Results()[0]
	assert.Equal(t, raw, res.Body, "url-encoded bodies still populate the raw buffer")
	assert.Equal(t, "1", res.Form.Get("a"))
	assert.Equal(t, "2", res.Form.Get("b"))
}

func TestCleanupDeletionFailureIsLoggedOnly(t *testing.T) {
	store := bingesttest.NewStore()
	logs := bingest.NewTestLogger(t)
	hdlr := bingest.New(
		bingest.WithStore(store),
		bingest.WithLogger(logs),
		bingest.WithDeleteUploadedFilesOnEnd(true))
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	hdlr.Ingest(context.Background(), multipartHead(), src, dst)
	src.SendPart(bingesttest.NewPart("f", "f.bin", []byte("data")))
	src.SendEnd()
	dst.AwaitOutcome(t)
	require.Len(t, dst.Results(), 1)

	store.FailRemoves(errors.New("permission denied"))
	dst.Results()[0].Finish()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&logs.NumUploadDeleteError) == 1
	}, 5*time.Second, 10*time.Millisecond, "the deletion failure must be logged")
	assert.Equal(t, 1, dst.Outcomes(), "the outcome must not change")
}

// TestGateFiresOnceUnderInterleaving drives many parts whose write
// completions race with each other and with the end-of-stream event. The
// gate must fire exactly once, only after all of them are terminal, for
// every interleaving.
func TestGateFiresOnceUnderInterleaving(t *testing.T) {
	const parts = 8

	for iter := 0; iter < 40; iter++ {
		store := bingesttest.NewStore()
		hdlr := newTestHandler(t, store)
		src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

		hdlr.Ingest(context.Background(), multipartHead(), src, dst)

		store.Hold()
		for i := 0; i < parts; i++ {
			src.SendPart(bingesttest.NewPart("f", "f.bin", bytes.Repeat([]byte{byte(i)}, 64)))
		}

		if iter%2 == 0 {
			src.SendEnd()
			store.Release()
		} else {
			store.Release()
			src.SendEnd()
		}

		dst.AwaitOutcome(t)
		require.Equal(t, 1, dst.Outcomes(), "iteration %d: gate must fire exactly once", iter)

		res := dst.Results()[0]
		require.Len(t, res.Uploads, parts)
		for _, up := range res.Uploads {
			require.Equal(t, bingest.UploadCompleted, up.State(),
				"iteration %d: no record may stay pending", iter)
		}
		require.Len(t, store.Files(), parts)
	}
}

func TestCancelledContextAbortsWrites(t *testing.T) {
	store := bingesttest.NewStore()
	hdlr := newTestHandler(t, store)
	src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()

	ctx, cancel := context.WithCancel(context.Background())
	hdlr.Ingest(ctx, multipartHead(), src, dst)

	store.Hold()
	src.SendPart(bingesttest.NewPart("f", "f.bin", []byte("never stored")))
	cancel()

	src.SendEnd()
	dst.AwaitOutcome(t)
	assert.Equal(t, 1, dst.Outcomes())
	assert.Empty(t, store.Files(), "a cancelled write stores nothing")
}

func BenchmarkIngestOpaque(b *testing.B) {
	chunk := make([]byte, 64*1024)
	hdlr := newTestHandler(b, bingesttest.NewStore(), bingest.WithPreallocateBodyBuffer(true))

	b.ResetTimer()
	b.ReportAllocs()

	for n := 0; n < b.N; n++ {
		src, dst := bingesttest.NewSource(), bingesttest.NewDownstream()
		hdlr.Ingest(context.Background(), bingest.Head{ContentLength: "65536"}, src, dst)
		src.SendChunk(chunk)
		src.SendEnd()

		if dst.Outcomes() != 1 {
			b.Fatal("expected a terminal outcome")
		}
	}
}
