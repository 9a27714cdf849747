package reportstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/rentalyze/rentalyze/internal/pkg/analysis"
)

// S3Store persists analysis reports as JSON objects in an S3 bucket.
type S3Store struct {
	s3Client *s3.Client
	config   *Config
}

// NewS3Store creates a new S3-backed report store
func NewS3Store(cfg *Config) (*S3Store, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("S3 report storage is disabled")
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible services need path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	store := &S3Store{
		s3Client: s3Client,
		config:   cfg,
	}

	if err := store.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[ReportStore] Successfully initialized S3 client for bucket: %s", cfg.GetBucketName())
	return store, nil
}

// testConnection tests the S3 connection by checking if the bucket exists
func (s *S3Store) testConnection() error {
	ctx := context.Background()
	bucketName := s.config.GetBucketName()

	_, err := s.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucketName),
	})

	if err != nil {
		// If bucket doesn't exist, try to create it (for development)
		if GetAppEnv() != "prod" {
			log.Warnf("[ReportStore] Bucket %s not found, attempting to create it", bucketName)
			return s.createBucket(bucketName)
		}
		return fmt.Errorf("bucket %s not accessible: %w", bucketName, err)
	}

	return nil
}

// createBucket creates a new S3 bucket (dev/staging only)
func (s *S3Store) createBucket(bucketName string) error {
	ctx := context.Background()

	input := &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}

	// Regions other than us-east-1 need an explicit location constraint;
	// S3-compatible endpoints reject it
	if s.config.EndpointURL == "" && s.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.config.Region),
		}
	}

	_, err := s.s3Client.CreateBucket(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}

	log.Infof("[ReportStore] Successfully created bucket: %s", bucketName)
	return nil
}

// PutReport uploads a report as JSON and returns its object key.
func (s *S3Store) PutReport(ctx context.Context, jobID string, report *analysis.Report) (string, error) {
	bucketName := s.config.GetBucketName()
	objectKey := s.config.GetObjectKey(jobID, time.Now().UTC())

	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report for job %s: %w", jobID, err)
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucketName),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"job-id":        jobID,
			"upload-source": "rentalyze-analysis",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report to S3: %w", err)
	}

	log.Infof("[ReportStore] Successfully uploaded report: s3://%s/%s", bucketName, objectKey)
	return objectKey, nil
}

// GetReport downloads and decodes a report by its object key.
func (s *S3Store) GetReport(ctx context.Context, objectKey string) (*analysis.Report, error) {
	bucketName := s.config.GetBucketName()

	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get report from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read report body: %w", err)
	}

	var report analysis.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report %s: %w", objectKey, err)
	}

	return &report, nil
}

// ReportExists checks if a report object exists in S3
func (s *S3Store) ReportExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.GetBucketName()),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check report existence: %w", err)
	}
	return true, nil
}
