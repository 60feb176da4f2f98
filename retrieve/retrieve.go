package retrieve

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/daniel-cole/GoS3LogShip/log"
	"github.com/daniel-cole/GoS3LogShip/s3client"
)

// DecompressedSuffix is appended to the object's base name to derive the
// local file name, which doubles as the skip-if-exists marker.
const DecompressedSuffix = ".decompressed"

// NotFoundError indicates a retrieval prefix matched no objects at all
type NotFoundError struct {
	Bucket string
	Prefix string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no objects found in bucket '%s' under prefix '%s'", e.Bucket, e.Prefix)
}

// Result summarises one retrieval pass
type Result struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Retrieve downloads every object under the given prefix, decompresses it
// and writes the result to localDir, creating the directory if needed.
// Objects whose decompressed file already exists locally are skipped, so
// repeated runs only fetch what is new. A single bad object is logged and
// skipped; only a failed or empty listing aborts the whole call.
func Retrieve(ctx aws.Context, svc s3iface.S3API, bucket string, prefix string, localDir string) (Result, error) {
	if prefix == "" {
		return Result{}, &s3client.ConfigurationError{Field: "prefix", Reason: "must not be empty"}
	}

	if localDir == "" {
		return Result{}, &s3client.ConfigurationError{Field: "local directory", Reason: "must not be empty"}
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return Result{}, err
	}

	entries, err := s3client.ListKeysByPrefix(ctx, svc, bucket, prefix)
	if err != nil {
		return Result{}, err
	}

	if len(entries) == 0 {
		return Result{}, &NotFoundError{Bucket: bucket, Prefix: prefix}
	}

	log.Info.Printf("found %d object(s) in bucket '%s' under prefix '%s'\n", len(entries), bucket, prefix)

	var result Result

	for _, entry := range entries {
		localPath := filepath.Join(localDir, filepath.Base(entry.Key)+DecompressedSuffix)

		if _, err := os.Stat(localPath); err == nil {
			log.Info.Printf("skipping '%s', already retrieved to '%s'\n", entry.Key, localPath)
			result.Skipped++
			continue
		}

		if err := fetchObject(ctx, svc, bucket, entry.Key, localPath); err != nil {
			log.Warn.Printf("failed to retrieve '%s': %v\n", entry.Key, err)
			result.Failed++
			continue
		}

		log.Info.Printf("retrieved '%s' to '%s'\n", entry.Key, localPath)
		result.Downloaded++
	}

	return result, nil
}

// fetchObject streams the object body through gzip into a temporary file,
// then renames it into place so partial downloads never masquerade as
// retrieved objects.
func fetchObject(ctx aws.Context, svc s3iface.S3API, bucket string, key string, localPath string) error {
	object, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer object.Body.Close()

	gz, err := gzip.NewReader(object.Body)
	if err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	defer gz.Close()

	tmpPath := localPath + ".tmp-" + uuid.NewString()[:8]

	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(file, gz); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to decompress: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, localPath)
}
