package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"bloodnet.org/internal/matching"
)

// S3Config holds the bucket location. Credentials fall back to the default
// AWS chain when AccessKeyID is empty.
type S3Config struct {
	Region          string
	Bucket          string
	Endpoint        string // optional; set for MinIO or other S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// S3 stores receipts as JSON objects in one bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

var _ matching.ReceiptArchive = (*S3)(nil)

// NewS3 builds the archive. optFns are applied to the S3 client options last.
func NewS3(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		for _, fn := range optFns {
			fn(o)
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3) PutReceipt(ctx context.Context, d matching.DonationRecord) error {
	data, err := encode(d)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(d)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"donor-id":   d.DonorID,
			"blood-type": string(d.BloodType),
		},
	})
	if err != nil {
		return fmt.Errorf("put receipt %s: %w", d.ID, err)
	}
	return nil
}

// GetReceipt reads a receipt back.
func (a *S3) GetReceipt(ctx context.Context, donorID, donationID string) (matching.DonationRecord, error) {
	key := Key(matching.DonationRecord{ID: donationID, DonorID: donorID})
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return matching.DonationRecord{}, ErrNotFound
		}
		return matching.DonationRecord{}, fmt.Errorf("get receipt %s: %w", donationID, err)
	}
	defer out.Body.Close()

	var d matching.DonationRecord
	if err := json.NewDecoder(out.Body).Decode(&d); err != nil {
		return matching.DonationRecord{}, fmt.Errorf("decode receipt %s: %w", donationID, err)
	}
	return d, nil
}
