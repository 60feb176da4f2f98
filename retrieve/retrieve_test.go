package retrieve

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daniel-cole/GoS3LogShip/s3client"
)

type fakeS3 struct {
	s3iface.S3API

	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	getCalls int
}

func (f *fakeS3) ListObjectsPagesWithContext(ctx aws.Context, input *s3.ListObjectsInput, fn func(*s3.ListObjectsOutput, bool) bool, opts ...request.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.StringValue(input.Prefix)

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	pageSize := f.pageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	if len(keys) == 0 {
		fn(&s3.ListObjectsOutput{}, true)
		return nil
	}

	for start := 0; start < len(keys); start += pageSize {
		end := start + pageSize
		if end > len(keys) {
			end = len(keys)
		}

		page := &s3.ListObjectsOutput{}
		for _, key := range keys[start:end] {
			page.Contents = append(page.Contents, &s3.Object{
				Key:          aws.String(key),
				Size:         aws.Int64(int64(len(f.objects[key]))),
				LastModified: aws.Time(time.Now()),
			})
		}

		if !fn(page, end == len(keys)) {
			break
		}
	}

	return nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++

	body, ok := f.objects[aws.StringValue(input.Key)]
	if !ok {
		return nil, errors.New("no such key")
	}

	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func (f *fakeS3) gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func gzipped(t *testing.T, content string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func readLocal(t *testing.T, dir string, name string) string {
	t.Helper()

	content, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(content)
}

func TestRetrieveRejectsEmptyPrefix(t *testing.T) {
	fake := &fakeS3{}

	var confErr *s3client.ConfigurationError

	_, err := Retrieve(aws.BackgroundContext(), fake, "bucket", "", t.TempDir())
	require.ErrorAs(t, err, &confErr)

	_, err = Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/", "")
	require.ErrorAs(t, err, &confErr)
}

func TestRetrieveEmptyListingFails(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	dir := t.TempDir()

	_, err := Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/svc/", dir)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "logs/svc/", notFound.Prefix)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRetrieveDownloadsAndDecompresses(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"logs/svc/a.log.gz": gzipped(t, "alpha lines\n"),
		"logs/svc/b.log.gz": gzipped(t, "bravo lines\n"),
	}}
	dir := t.TempDir()

	result, err := Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/svc/", dir)
	require.NoError(t, err)

	assert.Equal(t, Result{Downloaded: 2}, result)
	assert.Equal(t, "alpha lines\n", readLocal(t, dir, "a.log.gz"+DecompressedSuffix))
	assert.Equal(t, "bravo lines\n", readLocal(t, dir, "b.log.gz"+DecompressedSuffix))
}

func TestRetrieveSkipsAlreadyMaterializedObjects(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"logs/svc/a.log.gz": gzipped(t, "alpha lines\n"),
		"logs/svc/b.log.gz": gzipped(t, "bravo lines\n"),
	}}
	dir := t.TempDir()

	existing := filepath.Join(dir, "a.log.gz"+DecompressedSuffix)
	require.NoError(t, os.WriteFile(existing, []byte("already here\n"), 0o644))

	result, err := Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/svc/", dir)
	require.NoError(t, err)

	assert.Equal(t, Result{Downloaded: 1, Skipped: 1}, result)
	assert.Equal(t, 1, fake.gets())
	// The pre-existing file is left untouched
	assert.Equal(t, "already here\n", readLocal(t, dir, "a.log.gz"+DecompressedSuffix))

	// A second pass with no new remote objects downloads nothing
	result, err = Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/svc/", dir)
	require.NoError(t, err)

	assert.Equal(t, Result{Skipped: 2}, result)
	assert.Equal(t, 1, fake.gets())
}

func TestRetrieveSkipsCorruptObject(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"logs/svc/a.log.gz":   gzipped(t, "alpha lines\n"),
		"logs/svc/bad.log.gz": []byte("this is not gzip"),
		"logs/svc/c.log.gz":   gzipped(t, "charlie lines\n"),
	}}
	dir := t.TempDir()

	result, err := Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/svc/", dir)
	require.NoError(t, err)

	assert.Equal(t, Result{Downloaded: 2, Failed: 1}, result)
	assert.Equal(t, "alpha lines\n", readLocal(t, dir, "a.log.gz"+DecompressedSuffix))
	assert.Equal(t, "charlie lines\n", readLocal(t, dir, "c.log.gz"+DecompressedSuffix))

	// No partial or temporary files for the corrupt object
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestRetrieveCreatesLocalDirectory(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"logs/svc/a.log.gz": gzipped(t, "alpha lines\n"),
	}}
	dir := filepath.Join(t.TempDir(), "nested", "out")

	result, err := Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/svc/", dir)
	require.NoError(t, err)

	assert.Equal(t, Result{Downloaded: 1}, result)
	assert.Equal(t, "alpha lines\n", readLocal(t, dir, "a.log.gz"+DecompressedSuffix))
}

func TestRetrievePaginatesFullListing(t *testing.T) {
	objects := map[string][]byte{
		"logs/svc/a.log.gz": gzipped(t, "a\n"),
		"logs/svc/b.log.gz": gzipped(t, "b\n"),
		"logs/svc/c.log.gz": gzipped(t, "c\n"),
		"logs/svc/d.log.gz": gzipped(t, "d\n"),
		"logs/svc/e.log.gz": gzipped(t, "e\n"),
	}
	fake := &fakeS3{objects: objects, pageSize: 2}
	dir := t.TempDir()

	result, err := Retrieve(aws.BackgroundContext(), fake, "bucket", "logs/svc/", dir)
	require.NoError(t, err)

	assert.Equal(t, Result{Downloaded: 5}, result)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, files, 5)
}
