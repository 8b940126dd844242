package services

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Options configures the optional converted-artifact archive.
type S3Options struct {
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	Endpoint     string
	UsePathStyle bool
}

// S3Service archives converted GIFs to an object store before their
// local copies are removed by the TTL janitor. Purely additive: archive
// failures never change a job's outcome.
type S3Service struct {
	bucket   string
	uploader *s3manager.Uploader
}

func NewS3Service(opts S3Options) *S3Service {
	awsCfg := &aws.Config{
		Region: aws.String(opts.Region),
		Credentials: credentials.NewStaticCredentials(
			opts.AccessKey,
			opts.SecretKey,
			"",
		),
	}

	if opts.Endpoint != "" {
		awsCfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &S3Service{
		bucket:   opts.Bucket,
		uploader: s3manager.NewUploader(sess),
	}
}

// Archive uploads the converted file under converted/<filename>.
func (s *S3Service) Archive(ctx context.Context, localPath, filename string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path.Join("converted", filename)),
		Body:        file,
		ContentType: aws.String("image/gif"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}
