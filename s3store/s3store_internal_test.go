package s3store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{}.validate(), "bucket is required")
	require.NoError(t, Config{Bucket: "b"}.validate())
}

func TestObjectKeys(t *testing.T) {
	for _, tt := range []struct {
		name   string
		prefix string
		path   string
		exp    string
	}{
		{"no prefix", "", "file-uploads/abc", "file-uploads/abc"},
		{"prefix", "tenant-1", "file-uploads/abc", "tenant-1/file-uploads/abc"},
		{"prefix with slashes", "/tenant-1/", "file-uploads/abc", "tenant-1/file-uploads/abc"},
		{"redundant segments", "", "file-uploads//abc", "file-uploads/abc"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			store := &Store{prefix: tt.prefix}
			assert.Equal(t, tt.exp, store.key(tt.path))
		})
	}
}

func TestCountingReader(t *testing.T) {
	cr := &countingReader{r: strings.NewReader("twelve bytes")}
	buf := make([]byte, 5)

	for {
		if _, err := cr.Read(buf); err != nil {
			break
		}
	}

	assert.Equal(t, int64(12), cr.n)
}
