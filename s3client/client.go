package s3client

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Config holds everything required to construct an S3 client and reach a
// bucket. Credentials are resolved in order: static keys, shared
// credentials file, then the environment (AWS_ACCESS_KEY_ID et al).
type Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	CredsFile       string
	Profile         string
}

// ConfigurationError indicates the client or a component cannot be
// constructed from the supplied configuration
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// CreateS3Client creates an S3 client for the configured region.
// Misconfiguration fails here rather than on the first bucket call so that
// a shipper with a broken bucket setup never silently discards logs.
func CreateS3Client(cfg Config) (*s3.S3, error) {
	if cfg.Bucket == "" {
		return nil, &ConfigurationError{Field: "bucket", Reason: "must not be empty"}
	}

	if cfg.Region == "" {
		return nil, &ConfigurationError{Field: "region", Reason: "must not be empty"}
	}

	var creds *credentials.Credentials

	switch {
	case cfg.AccessKeyID != "" || cfg.SecretAccessKey != "":
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, &ConfigurationError{
				Field:  "credentials",
				Reason: "access key id and secret access key must be supplied together",
			}
		}
		creds = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	case cfg.CredsFile != "":
		creds = credentials.NewSharedCredentials(cfg.CredsFile, cfg.Profile)
	default:
		creds = credentials.NewEnvCredentials()
	}

	if _, err := creds.Get(); err != nil {
		return nil, &ConfigurationError{Field: "credentials", Reason: err.Error()}
	}

	sess := session.Must(session.NewSession())
	return s3.New(sess, &aws.Config{Region: aws.String(cfg.Region), Credentials: creds}), nil
}
