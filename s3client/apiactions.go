package s3client

import (
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// BucketEntry represents an object which exists in S3
type BucketEntry struct {
	Key          string
	Size         int64
	ModifiedTime time.Time
}

// ListKeysByPrefix returns every object under the given prefix along with
// its size and LastModified attribute. The listing is paged through in
// full, so prefixes larger than one listing page are enumerated completely.
func ListKeysByPrefix(ctx aws.Context, svc s3iface.S3API, bucket string, prefix string) ([]BucketEntry, error) {
	var entries []BucketEntry

	err := svc.ListObjectsPagesWithContext(ctx, &s3.ListObjectsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsOutput, lastPage bool) bool {
		for _, object := range page.Contents {
			entries = append(entries, BucketEntry{
				Key:          aws.StringValue(object.Key),
				Size:         aws.Int64Value(object.Size),
				ModifiedTime: aws.TimeValue(object.LastModified),
			})
		}
		return true
	})

	if err != nil {
		return nil, err
	}

	return entries, nil
}

// SortKeysByTime sorts bucket entries by the last modified time
// and returns a new slice with the newest values first
func SortKeysByTime(entries []BucketEntry) []BucketEntry {
	sorted := make([]BucketEntry, len(entries))
	copy(sorted, entries)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ModifiedTime.After(sorted[j].ModifiedTime)
	})

	return sorted
}

// DeleteKey simply deletes an S3 object given a bucket and key
func DeleteKey(ctx aws.Context, svc s3iface.S3API, bucket string, key string) (string, error) {
	_, err := svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})

	if err != nil {
		return "", err
	}

	return key, nil
}
