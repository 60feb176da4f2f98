package prune

import (
	"errors"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/daniel-cole/GoS3LogShip/log"
	"github.com/daniel-cole/GoS3LogShip/s3client"
)

// Policy controls how many uploaded segments are retained under a prefix.
// The newest RetentionCount segments are always kept; anything older is a
// deletion candidate once it also exceeds RetentionPeriod.
type Policy struct {
	RetentionCount  int
	RetentionPeriod time.Duration

	// EnforceRetentionPeriod skips candidates younger than the retention
	// period instead of deleting them with a warning
	EnforceRetentionPeriod bool
}

// Validate reports the first configuration problem with the policy
func (p Policy) Validate() error {
	if p.RetentionCount <= 0 {
		return errors.New("retention count must be greater than 0")
	}

	if p.RetentionPeriod < 0 {
		return errors.New("retention period must not be negative")
	}

	return nil
}

// Prune deletes uploaded segments under the given prefix beyond the
// retention policy, oldest first, and returns the keys it removed. With
// dryRun enabled the candidates are returned but nothing is deleted.
func Prune(ctx aws.Context, svc s3iface.S3API, bucket string, prefix string, policy Policy, dryRun bool) ([]string, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	log.Info.Printf("Starting segment pruning for prefix: '%s'\n", prefix)

	entries, err := s3client.ListKeysByPrefix(ctx, svc, bucket, prefix)
	if err != nil {
		log.Error.Printf("Failed to retrieve keys with prefix: '%s' from bucket: %s\n", prefix, bucket)
		return nil, err
	}

	if len(entries) == 0 {
		log.Info.Printf("No '%s' key(s) found for pruning\n", prefix)
		return nil, nil
	}

	// Requirement that the keys are sorted newest first before pruning
	sortedKeys := s3client.SortKeysByTime(entries)

	numKeys := len(sortedKeys)
	if numKeys <= policy.RetentionCount {
		log.Info.Printf("Skipping pruning for '%s' keys due to insufficient number of keys. "+
			"Minimum of %d keys required for pruning. Found %d key(s)\n", prefix, policy.RetentionCount+1, numKeys)
		return nil, nil
	}

	log.Info.Printf("Total number of '%s' keys (%d) exceeds retention policy of %d, purging old keys\n",
		prefix, numKeys, policy.RetentionCount)

	deletedKeys := []string{}

	for _, kv := range sortedKeys[policy.RetentionCount:] {
		key := kv.Key

		keyAge := time.Since(kv.ModifiedTime)

		log.Info.Printf("Candidate key for deletion: '%s' is %0.1f hours / %0.1f minutes old\n",
			key, keyAge.Hours(), keyAge.Minutes())

		// Safety check so candidate keys inside the retention period are
		// only removed when the period is not enforced
		if keyAge <= policy.RetentionPeriod {
			if policy.EnforceRetentionPeriod {
				log.Error.Printf("Key: '%s' exceeds the retention count but is younger than the "+
					"retention period of %0.1f hours. It is not eligible for deletion until the "+
					"retention period has elapsed\n", key, policy.RetentionPeriod.Hours())
				continue
			}

			log.Warn.Printf("Key: '%s' exceeds the retention count and is younger than the "+
				"retention period of %0.1f hours. The key WILL be deleted since the retention "+
				"period is not enforced\n", key, policy.RetentionPeriod.Hours())
		}

		if dryRun { // Do not delete any keys if dry run has been specified
			log.Info.Printf("Skipping deletion of key: '%s' as dry run has been enabled\n", key)
			deletedKeys = append(deletedKeys, key)
			continue
		}

		deletedKey, err := s3client.DeleteKey(ctx, svc, bucket, key)
		if err != nil {
			log.Error.Printf("Failed to delete key from bucket: '%s': %v\n", key, err)
			continue
		}

		log.Info.Printf("Successfully deleted key from bucket: '%s'\n", key)
		deletedKeys = append(deletedKeys, deletedKey)
	}

	log.Info.Printf("The total number of keys pruned was: %d\n", len(deletedKeys))

	return deletedKeys, nil
}
