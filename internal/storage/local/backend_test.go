package local

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

const testRoot = "/data"

func newTestBackend(t *testing.T, mutate ...func(*Options)) (*Backend, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	opts := Options{
		Fs:          fsys,
		Root:        testRoot,
		Buckets:     types.BucketSet{Public: "pub", Private: "priv", UserInfo: "info"},
		LinkBaseURL: "http://files.local/",
		Threshold:   64,
		Logger:      zaptest.NewLogger(t),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	return b, fsys
}

func uploadObject(t *testing.T, b *Backend, vis types.Visibility, owner, p string, data []byte) *types.UploadResult {
	t.Helper()
	res, err := b.Upload(context.Background(), types.UploadUnit{
		Body: bytes.NewReader(data), Size: int64(len(data)),
		Visibility: vis, OwnerID: owner, Path: p,
	})
	require.NoError(t, err)
	return res
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, stderrors.New("connection reset") }

func TestNewCreatesBucketDirectories(t *testing.T) {
	_, fsys := newTestBackend(t)
	for _, bucket := range []string{"pub", "priv", "info"} {
		ok, err := afero.DirExists(fsys, testRoot+"/"+bucket)
		require.NoError(t, err)
		assert.True(t, ok, bucket)
	}

	_, err := New(Options{Fs: afero.NewMemMapFs(), Buckets: types.BucketSet{Public: "a", Private: "b", UserInfo: "c"}})
	assert.Equal(t, errors.ErrCodeMalformedConfig, errors.CodeOf(err))
}

func TestUploadPrivateObject(t *testing.T) {
	b, fsys := newTestBackend(t)

	res := uploadObject(t, b, types.VisibilityPrivate, "42", "docs/readme.txt", []byte("hello"))
	assert.Equal(t, "priv", res.Bucket)
	assert.Equal(t, "42/docs/readme.txt", res.Key)
	assert.Equal(t, types.StrategySingle, res.Strategy)
	assert.Equal(t, types.KindLocal, res.Kind)

	data, err := afero.ReadFile(fsys, "/data/priv/42/docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestUploadVisibilityDirectories(t *testing.T) {
	b, fsys := newTestBackend(t)

	uploadObject(t, b, types.VisibilityPublic, "", "logo.png", []byte("png"))
	uploadObject(t, b, types.VisibilityUserInfo, "", "profile.json", []byte("{}"))

	for _, p := range []string{"/data/pub/logo.png", "/data/info/user-info/profile.json"} {
		ok, err := afero.Exists(fsys, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
}

func TestUploadLargePayloadStreams(t *testing.T) {
	b, fsys := newTestBackend(t)
	data := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	uploadObject(t, b, types.VisibilityPrivate, "7", "big.bin", data)

	got, err := afero.ReadFile(fsys, "/data/priv/7/big.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploadFailureKeepsExistingObject(t *testing.T) {
	b, fsys := newTestBackend(t)
	uploadObject(t, b, types.VisibilityPrivate, "42", "docs/readme.txt", []byte("old"))

	for _, size := range []int64{10, 1024} {
		_, err := b.Upload(context.Background(), types.UploadUnit{
			Body:       io.MultiReader(strings.NewReader("partial"), failingReader{}),
			Size:       size,
			Visibility: types.VisibilityPrivate, OwnerID: "42", Path: "docs/readme.txt",
		})
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindTransferIncomplete), "size %d: %v", size, err)
	}

	data, err := afero.ReadFile(fsys, "/data/priv/42/docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := afero.ReadDir(fsys, "/data/priv/42/docs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "readme.txt", entries[0].Name())
}

func TestUploadRejectsOwnerOutsidePrivateBucket(t *testing.T) {
	b, fsys := newTestBackend(t)

	for _, owner := range []string{"..", ".", `..\pub`} {
		_, err := b.Upload(context.Background(), types.UploadUnit{
			Body: strings.NewReader("x"), Size: 1,
			Visibility: types.VisibilityPrivate, OwnerID: owner, Path: "pub/index.html",
		})
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err), "owner %q", owner)
	}

	for _, p := range []string{"/data/pub/index.html", "/data/pub/pub/index.html", "/data/priv/pub/index.html"} {
		ok, err := afero.Exists(fsys, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
}

func TestUploadLongBody(t *testing.T) {
	b, fsys := newTestBackend(t)
	uploadObject(t, b, types.VisibilityPrivate, "42", "a.txt", []byte("old"))

	for _, tc := range []struct {
		name string
		body string
		size int64
	}{
		{"buffered", "0123456789", 4},
		{"streamed", strings.Repeat("x", 200), 100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Upload(context.Background(), types.UploadUnit{
				Body: strings.NewReader(tc.body), Size: tc.size,
				Visibility: types.VisibilityPrivate, OwnerID: "42", Path: "a.txt",
			})
			assert.Equal(t, errors.ErrCodeSizeMismatch, errors.CodeOf(err))
			assert.True(t, errors.IsKind(err, errors.KindTransferIncomplete))
		})
	}

	data, err := afero.ReadFile(fsys, "/data/priv/42/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	entries, err := afero.ReadDir(fsys, "/data/priv/42")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUploadShortBody(t *testing.T) {
	b, fsys := newTestBackend(t)

	_, err := b.Upload(context.Background(), types.UploadUnit{
		Body: strings.NewReader("short"), Size: 20,
		Visibility: types.VisibilityPrivate, OwnerID: "42", Path: "a.txt",
	})
	assert.Equal(t, errors.ErrCodeSizeMismatch, errors.CodeOf(err))

	ok, err := afero.Exists(fsys, "/data/priv/42/a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUploadRejectsBadInput(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Upload(ctx, types.UploadUnit{Body: strings.NewReader("x"), Size: 1, Visibility: types.Visibility(9), OwnerID: "42", Path: "a"})
	assert.Equal(t, errors.ErrCodeInvalidVisibility, errors.CodeOf(err))

	_, err = b.Upload(ctx, types.UploadUnit{Body: strings.NewReader("x"), Size: 1, Visibility: types.VisibilityPrivate, OwnerID: "42", Path: "../etc/passwd"})
	assert.Equal(t, errors.ErrCodeInvalidPath, errors.CodeOf(err))

	_, err = b.Upload(ctx, types.UploadUnit{Body: strings.NewReader("x"), Size: -1, Visibility: types.VisibilityPrivate, OwnerID: "42", Path: "a"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = b.Upload(ctx, types.UploadUnit{Size: 1, Visibility: types.VisibilityPrivate, OwnerID: "42", Path: "a"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestFolders(t *testing.T) {
	b, fsys := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateFolder(ctx, "photos/2024", types.VisibilityPrivate, "42"))
	require.NoError(t, b.CreateFolder(ctx, "photos/2024", types.VisibilityPrivate, "42"))
	ok, err := afero.DirExists(fsys, "/data/priv/42/photos/2024")
	require.NoError(t, err)
	assert.True(t, ok)

	uploadObject(t, b, types.VisibilityPrivate, "42", "photos/2024/a.jpg", []byte("a"))
	require.NoError(t, b.DeleteFolder(ctx, "photos", types.VisibilityPrivate, "42"))
	ok, err = afero.Exists(fsys, "/data/priv/42/photos")
	require.NoError(t, err)
	assert.False(t, ok)

	err = b.DeleteFolder(ctx, "photos", types.VisibilityPrivate, "42")
	assert.True(t, errors.IsKind(err, errors.KindObjectNotFound))
}

func TestDeleteObject(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	uploadObject(t, b, types.VisibilityPrivate, "42", "docs/readme.txt", []byte("hello"))

	require.NoError(t, b.DeleteObject(ctx, "docs/readme.txt", types.VisibilityPrivate, "42"))
	err := b.DeleteObject(ctx, "docs/readme.txt", types.VisibilityPrivate, "42")
	assert.True(t, errors.IsKind(err, errors.KindObjectNotFound))

	err = b.DeleteObject(ctx, "docs", types.VisibilityPrivate, "42")
	assert.True(t, errors.IsKind(err, errors.KindObjectNotFound))
}

func TestMoveAndRename(t *testing.T) {
	b, fsys := newTestBackend(t)
	ctx := context.Background()
	uploadObject(t, b, types.VisibilityPrivate, "42", "docs/a.txt", []byte("a"))
	uploadObject(t, b, types.VisibilityPrivate, "42", "docs/sub/b.txt", []byte("b"))

	require.NoError(t, b.Rename(ctx, "docs/a.txt", "c.txt", types.VisibilityPrivate, "42"))
	data, err := afero.ReadFile(fsys, "/data/priv/42/docs/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	require.NoError(t, b.Move(ctx, "docs", "archive/docs", types.VisibilityPrivate, "42"))
	for p, want := range map[string]string{
		"/data/priv/42/archive/docs/c.txt":     "a",
		"/data/priv/42/archive/docs/sub/b.txt": "b",
	} {
		data, err := afero.ReadFile(fsys, p)
		require.NoError(t, err, p)
		assert.Equal(t, want, string(data))
	}
	ok, err := afero.Exists(fsys, "/data/priv/42/docs")
	require.NoError(t, err)
	assert.False(t, ok)

	err = b.Move(ctx, "archive", "archive/inner", types.VisibilityPrivate, "42")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	err = b.Move(ctx, "missing", "other", types.VisibilityPrivate, "42")
	assert.True(t, errors.IsKind(err, errors.KindObjectNotFound))
	err = b.Rename(ctx, "archive", "a/b", types.VisibilityPrivate, "42")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestListFolderHidesTempFiles(t *testing.T) {
	b, fsys := newTestBackend(t)
	ctx := context.Background()
	uploadObject(t, b, types.VisibilityPrivate, "42", "docs/readme.txt", []byte("hello"))
	require.NoError(t, b.CreateFolder(ctx, "docs/images", types.VisibilityPrivate, "42"))
	require.NoError(t, afero.WriteFile(fsys, "/data/priv/42/docs/"+tempPrefix+"123", []byte("x"), 0o600))

	listing, err := b.ListFolder(ctx, "docs", types.VisibilityPrivate, "42")
	require.NoError(t, err)
	require.Len(t, listing.Files, 1)
	assert.Equal(t, "readme.txt", listing.Files[0].Name)
	assert.Equal(t, "42/docs/readme.txt", listing.Files[0].Key)
	assert.Equal(t, int64(5), listing.Files[0].Size)
	require.Len(t, listing.Folders, 1)
	assert.Equal(t, types.FolderEntry{Name: "images", Key: "42/docs/images/"}, listing.Folders[0])

	listing, err = b.ListFolder(ctx, "nothing-here", types.VisibilityPrivate, "42")
	require.NoError(t, err)
	assert.Empty(t, listing.Files)
	assert.Empty(t, listing.Folders)
}

func TestLinksAndStream(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	res := uploadObject(t, b, types.VisibilityPrivate, "42", "docs/my file.txt", []byte("hello"))

	link, err := b.GenerateDownloadLink(ctx, res.Key, "")
	require.NoError(t, err)
	assert.Equal(t, "http://files.local/priv/42/docs/my%20file.txt?download=my+file.txt", link)

	link, err = b.GeneratePreviewLink(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, "http://files.local/priv/42/docs/my%20file.txt", link)

	_, err = b.GeneratePreviewLink(ctx, "42/docs/missing.txt")
	assert.True(t, errors.IsKind(err, errors.KindObjectNotFound))
	_, err = b.GeneratePreviewLink(ctx, "/42/docs/my file.txt")
	assert.Equal(t, errors.ErrCodeInvalidPath, errors.CodeOf(err))

	assert.True(t, b.SupportsDirectStream())
	stream, err := b.OpenStream(ctx, res.Key)
	require.NoError(t, err)
	defer stream.Body.Close()
	data, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), stream.Size)
	assert.True(t, strings.HasPrefix(stream.ContentType, "text/plain"), stream.ContentType)
}

func TestProbe(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/data/priv", 0o750))
	p := NewProbe(fsys, "/data")
	ctx := context.Background()

	buckets, err := p.ListBuckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"priv"}, buckets)

	require.NoError(t, p.HeadBucket(ctx, "priv"))
	assert.Equal(t, errors.ErrCodeBucketMissing, errors.CodeOf(p.HeadBucket(ctx, "pub")))

	require.NoError(t, p.PutObject(ctx, "priv", ".probe", []byte("ping")))
	data, err := p.GetObject(ctx, "priv", ".probe")
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
	require.NoError(t, p.DeleteObject(ctx, "priv", ".probe"))
	_, err = p.GetObject(ctx, "priv", ".probe")
	assert.True(t, errors.IsKind(err, errors.KindObjectNotFound))

	assert.Equal(t, errors.ErrCodeInvalidPath, errors.CodeOf(p.PutObject(ctx, "priv", "a/b", nil)))
}

func TestFileHandler(t *testing.T) {
	b, fsys := newTestBackend(t)
	ctx := context.Background()
	res := uploadObject(t, b, types.VisibilityPrivate, "42", "docs/my file.txt", []byte("hello"))
	require.NoError(t, afero.WriteFile(fsys, "/data/priv/42/docs/"+tempPrefix+"1", []byte("x"), 0o600))
	handler := http.StripPrefix("/files", b.FileHandler())

	link, err := b.GenerateDownloadLink(ctx, res.Key, "report.txt")
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files"+u.RequestURI(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "attachment; filename=report.txt", rec.Header().Get("Content-Disposition"))

	for _, p := range []string{
		"/files/priv/42/docs/" + tempPrefix + "1",
		"/files/priv/42/docs",
		"/files/other/42/docs/my%20file.txt",
		"/files/priv/../etc/passwd",
		"/files/priv",
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/files/priv/42/docs/my%20file.txt", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
