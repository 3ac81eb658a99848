package bingest

import (
	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
)

// Environment holds the handler configuration as environment variables,
// for services that configure everything through their environment.
type Environment struct {
	BodyLimit                int64  `env:"BINGEST_BODY_LIMIT" envDefault:"-1"`
	HandleFileUploads        bool   `env:"BINGEST_HANDLE_FILE_UPLOADS" envDefault:"true"`
	UploadsDirectory         string `env:"BINGEST_UPLOADS_DIRECTORY" envDefault:"file-uploads"`
	MergeFormAttributes      bool   `env:"BINGEST_MERGE_FORM_ATTRIBUTES" envDefault:"true"`
	DeleteUploadedFilesOnEnd bool   `env:"BINGEST_DELETE_UPLOADED_FILES_ON_END" envDefault:"false"`
	PreallocateBodyBuffer    bool   `env:"BINGEST_PREALLOCATE_BODY_BUFFER" envDefault:"false"`
}

// FromEnv inits a handler from BINGEST_* environment variables. Extra
// options are applied on top, so stores and loggers can still be provided
// programmatically.
func FromEnv(opts ...Option) (*Handler, error) {
	var cfg Environment
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}

	base := []Option{
		WithBodyLimit(cfg.BodyLimit),
		WithFileUploads(cfg.HandleFileUploads),
		WithUploadsDirectory(cfg.UploadsDirectory),
		WithMergeFormAttributes(cfg.MergeFormAttributes),
		WithDeleteUploadedFilesOnEnd(cfg.DeleteUploadedFilesOnEnd),
		WithPreallocateBodyBuffer(cfg.PreallocateBodyBuffer),
	}

	return New(append(base, opts...)...), nil
}
