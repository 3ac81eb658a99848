package bingest

import (
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
)

// UploadState is the terminal-state tracking of one upload part. Every
// upload reaches exactly one state other than pending.
type UploadState int32

const (
	// UploadPending means the part's bytes are still being written.
	UploadPending UploadState = iota
	// UploadCompleted means the part was fully written to storage.
	UploadCompleted
	// UploadCancelled means cleanup aborted the part's write.
	UploadCancelled
	// UploadFailed means the part's write failed.
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case UploadCompleted:
		return "completed"
	case UploadCancelled:
		return "cancelled"
	case UploadFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Upload records one file part of a multipart payload and where its bytes
// went. Instances are created when a part is accepted and handed to
// downstream once the pipeline completes.
type Upload struct {
	fieldName   string
	filename    string
	contentType string
	path        string

	size  atomic.Int64
	state atomic.Int32
}

func newUpload(part Part, path string) *Upload {
	return &Upload{
		fieldName:   part.Name(),
		filename:    part.Filename(),
		contentType: part.ContentType(),
		path:        path,
	}
}

// uploadPath generates a collision-resistant destination under dir.
func uploadPath(dir string) string {
	return filepath.Join(dir, uuid.NewString())
}

// FieldName is the form field the part was posted under.
func (u *Upload) FieldName() string { return u.fieldName }

// Filename is the client-provided file name.
func (u *Upload) Filename() string { return u.filename }

// ContentType is the part's declared media type.
func (u *Upload) ContentType() string { return u.contentType }

// Path is the generated destination the part was written to.
func (u *Upload) Path() string { return u.path }

// Size is the number of bytes written to storage so far. Final once the
// upload reached a terminal state.
func (u *Upload) Size() int64 { return u.size.Load() }

// State returns the upload's current state.
func (u *Upload) State() UploadState { return UploadState(u.state.Load()) }

// transition moves the upload from one state to another, returning whether
// this caller won the transition. States only ever move away from pending.
func (u *Upload) transition(from, to UploadState) bool {
	return u.state.CompareAndSwap(int32(from), int32(to))
}
