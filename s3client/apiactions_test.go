package s3client

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	s3iface.S3API

	objects  map[string]time.Time
	pageSize int
	pages    int
	deleted  []string
}

func (f *fakeS3) ListObjectsPagesWithContext(ctx aws.Context, input *s3.ListObjectsInput, fn func(*s3.ListObjectsOutput, bool) bool, opts ...request.Option) error {
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
		f.pages++
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
				Size:         aws.Int64(int64(len(key))),
				LastModified: aws.Time(f.objects[key]),
			})
		}

		f.pages++
		if !fn(page, end == len(keys)) {
			break
		}
	}

	return nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, input *s3.DeleteObjectInput, opts ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.StringValue(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestListKeysByPrefixPaginates(t *testing.T) {
	now := time.Now()
	fake := &fakeS3{
		objects: map[string]time.Time{
			"logs/a": now,
			"logs/b": now.Add(time.Minute),
			"logs/c": now.Add(2 * time.Minute),
			"logs/d": now.Add(3 * time.Minute),
			"logs/e": now.Add(4 * time.Minute),
			"other":  now,
		},
		pageSize: 2,
	}

	entries, err := ListKeysByPrefix(aws.BackgroundContext(), fake, "bucket", "logs/")
	require.NoError(t, err)

	require.Len(t, entries, 5)
	assert.Equal(t, 3, fake.pages)

	for _, entry := range entries {
		assert.True(t, strings.HasPrefix(entry.Key, "logs/"))
		assert.Equal(t, int64(len(entry.Key)), entry.Size)
		assert.False(t, entry.ModifiedTime.IsZero())
	}
}

func TestListKeysByPrefixEmpty(t *testing.T) {
	fake := &fakeS3{objects: map[string]time.Time{}}

	entries, err := ListKeysByPrefix(aws.BackgroundContext(), fake, "bucket", "logs/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSortKeysByTimeNewestFirst(t *testing.T) {
	now := time.Now()

	entries := []BucketEntry{
		{Key: "middle", ModifiedTime: now.Add(-time.Hour)},
		{Key: "newest", ModifiedTime: now},
		{Key: "oldest", ModifiedTime: now.Add(-2 * time.Hour)},
	}

	sorted := SortKeysByTime(entries)

	require.Len(t, sorted, 3)
	assert.Equal(t, "newest", sorted[0].Key)
	assert.Equal(t, "middle", sorted[1].Key)
	assert.Equal(t, "oldest", sorted[2].Key)

	// The input slice is left untouched
	assert.Equal(t, "middle", entries[0].Key)
}

func TestDeleteKey(t *testing.T) {
	fake := &fakeS3{objects: map[string]time.Time{}}

	key, err := DeleteKey(aws.BackgroundContext(), fake, "bucket", "logs/a")
	require.NoError(t, err)
	assert.Equal(t, "logs/a", key)
	assert.Equal(t, []string{"logs/a"}, fake.deleted)
}
