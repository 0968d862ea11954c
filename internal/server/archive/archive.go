// Package archive keeps point-in-time copies of user vaults in S3-compatible
// object storage and hands out short-lived download links for them.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/server/models"
	"github.com/google/uuid"
)

const presignExpiry = 15 * time.Minute

// Archiver stores and retrieves vault copies per user.
type Archiver interface {
	Store(ctx context.Context, userID int64, vault []byte) (string, error)
	Latest(ctx context.Context, userID int64) (*models.VaultArchive, error)
	PresignedURL(ctx context.Context, key string) (string, error)
	Purge(ctx context.Context, userID int64) error
	Remove(ctx context.Context, key string) error
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	s3.ListObjectsV2APIClient
}

type presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Config struct {
	User         string
	Password     string
	Bucket       string
	Region       string
	BaseEndpoint string
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

type S3Archive struct {
	bucket    string
	client    s3API
	presigner presigner
	now       func() time.Time
	newID     func() string
}

// NewS3Archive builds a client with static credentials and path-style
// addressing so MinIO works as well as AWS.
func NewS3Archive(ctx context.Context, cfg Config) (*S3Archive, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.User, cfg.Password, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Archive(cfg.Bucket, client, s3.NewPresignClient(client)), nil
}

func newS3Archive(bucket string, client s3API, p presigner) *S3Archive {
	return &S3Archive{
		bucket:    bucket,
		client:    client,
		presigner: p,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

func userPrefix(userID int64) string {
	return fmt.Sprintf("users/%d/vault/", userID)
}

// ObjectKey names a vault copy; keys of one user sort by creation time.
func ObjectKey(userID int64, at time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s", userPrefix(userID), at.UnixNano(), id)
}

func (a *S3Archive) Store(ctx context.Context, userID int64, vault []byte) (string, error) {
	key := ObjectKey(userID, a.now(), a.newID())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(vault),
		ContentLength: aws.Int64(int64(len(vault))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return key, nil
}

func (a *S3Archive) list(ctx context.Context, userID int64) ([]types.Object, error) {
	var objects []types.Object

	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(userPrefix(userID)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

// Latest returns the newest copy or common.ErrorNotFound.
func (a *S3Archive) Latest(ctx context.Context, userID int64) (*models.VaultArchive, error) {
	objects, err := a.list(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, common.ErrorNotFound
	}

	sort.Slice(objects, func(i, j int) bool {
		return aws.ToString(objects[i].Key) > aws.ToString(objects[j].Key)
	})
	newest := objects[0]

	return &models.VaultArchive{
		Key:       aws.ToString(newest.Key),
		Size:      aws.ToInt64(newest.Size),
		CreatedAt: aws.ToTime(newest.LastModified),
	}, nil
}

func (a *S3Archive) PresignedURL(ctx context.Context, key string) (string, error) {
	req, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("s3 presign: %w", err)
	}
	return req.URL, nil
}

// Purge deletes every copy belonging to userID.
func (a *S3Archive) Purge(ctx context.Context, userID int64) error {
	objects, err := a.list(ctx, userID)
	if err != nil {
		return err
	}

	const batch = 1000
	for start := 0; start < len(objects); start += batch {
		end := min(start+batch, len(objects))

		keys := make([]string, 0, end-start)
		for _, o := range objects[start:end] {
			keys = append(keys, aws.ToString(o.Key))
		}
		if err := a.deleteKeys(ctx, keys); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a single copy.
func (a *S3Archive) Remove(ctx context.Context, key string) error {
	return a.deleteKeys(ctx, []string{key})
}

func (a *S3Archive) deleteKeys(ctx context.Context, keys []string) error {
	ids := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
	}

	out, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(a.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("s3 delete: %w", err)
	}
	if out != nil && len(out.Errors) > 0 {
		failed := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			failed = append(failed, aws.ToString(e.Key))
		}
		return fmt.Errorf("s3 delete failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

// Disabled is used when no bucket is configured.
type Disabled struct{}

func (Disabled) Store(context.Context, int64, []byte) (string, error) { return "", nil }

func (Disabled) Latest(context.Context, int64) (*models.VaultArchive, error) {
	return nil, common.ErrorNotFound
}

func (Disabled) PresignedURL(context.Context, string) (string, error) {
	return "", common.ErrorNotFound
}

func (Disabled) Purge(context.Context, int64) error { return nil }

func (Disabled) Remove(context.Context, string) error { return nil }
