package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =========================================================================
// KEY TESTS
// =========================================================================

func TestCheckKey(t *testing.T) {
	valid := []string{"acct/coloring-page-1.png", "a/b"}
	invalid := []string{"", "/abs/key.png", "acct/../other.png", "../x", "acct//x.png", "acct/./x.png", `acct\x.png`, "acct/"}

	for _, k := range valid {
		assert.NoError(t, checkKey(k), k)
	}
	for _, k := range invalid {
		assert.ErrorIs(t, checkKey(k), ErrInvalidKey, k)
	}
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/png", ContentTypeFor("a/b.png"))
	assert.Equal(t, "image/jpeg", ContentTypeFor("a/b.JPG"))
	assert.Equal(t, "image/webp", ContentTypeFor("a/b.webp"))
	assert.Equal(t, "image/png", ContentTypeFor("a/b"))
}

// =========================================================================
// LOCAL STORE TESTS
// =========================================================================

func readAll(t *testing.T, obj *Object) string {
	t.Helper()
	defer obj.Body.Close()
	b, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	return string(b)
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "acct1/page.png", []byte("png-bytes"), "image/png"))

	_, err = os.Stat(filepath.Join(root, "acct1", "page.png"))
	require.NoError(t, err)

	obj, err := s.Get(ctx, "acct1/page.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, int64(9), obj.Size)
	assert.Equal(t, "png-bytes", readAll(t, obj))

	require.NoError(t, s.Delete(ctx, "acct1/page.png"))
	_, err = s.Get(ctx, "acct1/page.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStore_Missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(ctx, "acct1/nothing.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// Directories are not objects.
	require.NoError(t, s.Put(ctx, "acct1/x.png", []byte("x"), ""))
	_, err = s.Get(ctx, "acct1")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.NoError(t, s.Delete(ctx, "acct1/nothing.png"))
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Put(ctx, "../escape.png", []byte("x"), ""), ErrInvalidKey)
	_, err = s.Get(ctx, "acct/../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, s.Delete(ctx, "/etc/passwd"), ErrInvalidKey)
}

func TestLocalStore_OverwriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "acct/p.png", []byte("one"), ""))
	require.NoError(t, s.Put(ctx, "acct/p.png", []byte("two"), ""))

	entries, err := os.ReadDir(filepath.Join(root, "acct"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	obj, err := s.Get(ctx, "acct/p.png")
	require.NoError(t, err)
	assert.Equal(t, "two", readAll(t, obj))
}

// =========================================================================
// S3 STORE TESTS
// =========================================================================

// fakeS3 answers path-style object requests for one bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/pages/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", f.types[key])
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "pages",
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		EndpointURL:     srv.URL,
	})
	require.NoError(t, err)
	return s, fake
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestS3Store(t)

	require.NoError(t, s.Put(ctx, "acct1/page.png", []byte("png-bytes"), "image/png"))
	assert.Equal(t, []byte("png-bytes"), fake.objects["acct1/page.png"])
	assert.Equal(t, "image/png", fake.types["acct1/page.png"])

	obj, err := s.Get(ctx, "acct1/page.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, "png-bytes", readAll(t, obj))

	require.NoError(t, s.Delete(ctx, "acct1/page.png"))
	assert.NotContains(t, fake.objects, "acct1/page.png")
}

func TestS3Store_NoSuchKey(t *testing.T) {
	s, _ := newTestS3Store(t)

	_, err := s.Get(context.Background(), "acct1/missing.png")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrObjectNotFound), "got %v", err)
}

func TestS3Store_RejectsTraversal(t *testing.T) {
	s, _ := newTestS3Store(t)
	assert.ErrorIs(t, s.Put(context.Background(), "../x.png", nil, ""), ErrInvalidKey)
}
