package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"

	"github.com/daniel-cole/GoS3LogShip/cachetimer"
	applog "github.com/daniel-cole/GoS3LogShip/log"
	"github.com/daniel-cole/GoS3LogShip/prune"
	"github.com/daniel-cole/GoS3LogShip/retrieve"
	"github.com/daniel-cole/GoS3LogShip/rpolicy"
	"github.com/daniel-cole/GoS3LogShip/s3client"
	"github.com/daniel-cole/GoS3LogShip/shipper"
)

type args struct {
	Bucket          string `arg:"env:LOGSHIP_BUCKET_NAME,help:The S3 bucket to ship log segments to"`
	Region          string `arg:"env:LOGSHIP_REGION,help:The AWS region of the bucket"`
	AccessKeyID     string `arg:"env:LOGSHIP_ACCESS_KEY_ID,help:Static AWS access key id"`
	SecretAccessKey string `arg:"env:LOGSHIP_SECRET_ACCESS_KEY,help:Static AWS secret access key"`
	CredFile        string `arg:"help:The full path to an AWS CLI credential file; used when no static keys are given"`
	Profile         string `arg:"help:The profile to use for the AWS CLI credential file"`

	App            string `arg:"help:Application identifier substituted into the name template"`
	Folder         string `arg:"help:Key prefix (ending in /) for uploaded segments"`
	NameTemplate   string `arg:"help:Object name template with {app} and date tokens"`
	RotateInterval string `arg:"help:Rotation interval e.g. 30m; 1h; 1d"`
	MaxFileSize    int64  `arg:"help:Maximum segment size in bytes before rotation"`
	Compress       bool   `arg:"help:Gzip segments before uploading"`
	MaxPending     int    `arg:"help:Maximum sealed segments queued for upload"`
	Workers        int    `arg:"help:Concurrent upload workers"`
	ShipDisabled   bool   `arg:"help:Consume stdin without shipping anything (no-op sink)"`

	CacheClearInterval string `arg:"help:Interval for the periodic cache-clear timer; empty disables it"`
	ShutdownTimeout    int    `arg:"help:Seconds to wait for in-flight uploads on shutdown"`

	RetrievePrefix string `arg:"help:Retrieve mode: download and decompress every object under this prefix"`
	RetrieveDir    string `arg:"help:Retrieve mode: local directory to write retrieved logs to"`

	Prune           bool   `arg:"help:Prune mode: delete old segments under the folder prefix"`
	RetentionCount  int    `arg:"help:Prune mode: number of newest segments to keep"`
	RetentionPeriod string `arg:"help:Prune mode: minimum segment age before deletion e.g. 168h; 7d"`
	DryRun          bool   `arg:"help:Prune mode: report deletion candidates without deleting"`
}

func init() {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}

func main() {
	// Set default args
	args := args{}
	args.App = "app"
	args.Profile = "default"
	args.NameTemplate = rpolicy.DefaultNameTemplate
	args.RotateInterval = "1h"
	args.MaxFileSize = 10 * 1024 * 1024
	args.Compress = true
	args.MaxPending = 4
	args.Workers = 2
	args.ShutdownTimeout = 60
	args.RetentionCount = 30
	args.RetentionPeriod = "7d"

	// Parse args from command line
	arg.MustParse(&args)

	applog.Init(os.Stdout, os.Stdout, os.Stderr)

	log.WithFields(log.Fields{
		"bucket":          args.Bucket,
		"AWS region":      args.Region,
		"app":             args.App,
		"folder":          args.Folder,
		"rotate interval": args.RotateInterval,
		"max file size":   args.MaxFileSize,
		"compress":        args.Compress,
	}).Info("GoS3LogShip inputs")

	svc, err := s3client.CreateS3Client(s3client.Config{
		Bucket:          args.Bucket,
		Region:          args.Region,
		AccessKeyID:     args.AccessKeyID,
		SecretAccessKey: args.SecretAccessKey,
		CredsFile:       args.CredFile,
		Profile:         args.Profile,
	})
	if err != nil {
		log.Fatal(fmt.Sprintf("failed to create S3 client: %v", err))
	}

	switch {
	case args.RetrievePrefix != "":
		runRetrieve(svc, args)
	case args.Prune:
		runPrune(svc, args)
	default:
		runShip(svc, args)
	}

	log.Info("Finished GoS3LogShip!")
}

func runRetrieve(svc *s3.S3, args args) {
	if args.RetrieveDir == "" {
		log.Fatal("--retrievedir is required with --retrieveprefix")
	}

	result, err := retrieve.Retrieve(aws.BackgroundContext(), svc, args.Bucket, args.RetrievePrefix, args.RetrieveDir)
	if err != nil {
		log.Fatal(fmt.Sprintf("retrieval failed: %v", err))
	}

	log.WithFields(log.Fields{
		"downloaded": result.Downloaded,
		"skipped":    result.Skipped,
		"failed":     result.Failed,
	}).Info("retrieval finished")
}

func runPrune(svc *s3.S3, args args) {
	retentionPeriod, err := parseInterval(args.RetentionPeriod)
	if err != nil {
		log.Fatal(fmt.Sprintf("invalid retention period: %v", err))
	}

	policy := prune.Policy{
		RetentionCount:         args.RetentionCount,
		RetentionPeriod:        retentionPeriod,
		EnforceRetentionPeriod: true,
	}

	deleted, err := prune.Prune(aws.BackgroundContext(), svc, args.Bucket, args.Folder, policy, args.DryRun)
	if err != nil {
		log.Fatal(fmt.Sprintf("pruning failed: %v", err))
	}

	log.Info(fmt.Sprintf("pruned %d segment(s)", len(deleted)))
}

func runShip(svc *s3.S3, args args) {
	rotateInterval, err := parseInterval(args.RotateInterval)
	if err != nil {
		log.Fatal(fmt.Sprintf("invalid rotate interval: %v", err))
	}

	var sink io.Writer
	var ship *shipper.Shipper

	if args.ShipDisabled {
		log.Warn("shipping is disabled, consuming stdin into a no-op sink")
		sink = io.Discard
	} else {
		ship, err = shipper.New(svc, shipper.Config{
			Bucket: args.Bucket,
			App:    args.App,
			Policy: rpolicy.RotationPolicy{
				MaxFileSizeBytes: args.MaxFileSize,
				RotateInterval:   rotateInterval,
				Compress:         args.Compress,
				NameTemplate:     args.NameTemplate,
				FolderPrefix:     args.Folder,
			},
			MaxPending: args.MaxPending,
			NumWorkers: args.Workers,
			OnError: func(err error) {
				log.Error(err.Error())
			},
		})
		if err != nil {
			log.Fatal(fmt.Sprintf("failed to create shipper: %v", err))
		}
		sink = ship
	}

	if args.CacheClearInterval != "" {
		interval, err := parseInterval(args.CacheClearInterval)
		if err != nil {
			log.Fatal(fmt.Sprintf("invalid cache-clear interval: %v", err))
		}
		cachetimer.Start(interval, nil)
		defer cachetimer.Stop()
	}

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			record := append([]byte(nil), scanner.Bytes()...)
			lines <- append(record, '\n')
		}
		if err := scanner.Err(); err != nil {
			log.Error(fmt.Sprintf("failed to read stdin: %v", err))
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

loop:
	for {
		select {
		case sig := <-signals:
			log.Info(fmt.Sprintf("received %v, draining", sig))
			break loop
		case record, ok := <-lines:
			if !ok {
				break loop
			}
			if _, err := sink.Write(record); err != nil {
				log.Error(fmt.Sprintf("failed to buffer record: %v", err))
			}
		}
	}

	if ship != nil {
		ctx, cancelFn := context.WithTimeout(context.Background(), time.Duration(args.ShutdownTimeout)*time.Second)
		defer cancelFn()

		if err := ship.Close(ctx); err != nil {
			log.Error(fmt.Sprintf("shutdown incomplete: %v", err))
		}
	}
}

// parseInterval accepts everything time.ParseDuration does plus a day
// suffix, e.g. "1d" or "7d"
func parseInterval(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day interval '%s'", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}
