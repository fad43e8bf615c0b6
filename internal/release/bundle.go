package release

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ppiankov/statute/internal/fault"
	"github.com/ppiankov/statute/internal/model"
)

// BundleFormat is the version of the exported bundle layout
const BundleFormat = "1.0.0"

// supportedFormats accepts any bundle written by a compatible major version
const supportedFormats = "^1.0"

// Bundle is the self-contained export of one release
type Bundle struct {
	Format  string             `json:"format"`
	Release *model.RuleRelease `json:"release"`
}

// NewBundle wraps rel in the current bundle format
func NewBundle(rel *model.RuleRelease) Bundle {
	return Bundle{Format: BundleFormat, Release: rel}
}

// Marshal encodes the bundle as indented JSON
func (b Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// VerifyBundle decodes an exported bundle, checks its format version and
// recomputes the release hash
func VerifyBundle(data []byte) (*model.RuleRelease, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fault.Validation("decode bundle", "%v", err)
	}
	v, err := semver.NewVersion(b.Format)
	if err != nil {
		return nil, fault.Validation("bundle format", "invalid version %q: %v", b.Format, err)
	}
	c, err := semver.NewConstraint(supportedFormats)
	if err != nil {
		return nil, fmt.Errorf("bundle constraint: %w", err)
	}
	if !c.Check(v) {
		return nil, fault.Validation("bundle format", "format %s not supported, want %s", v, supportedFormats)
	}
	if b.Release == nil {
		return nil, fault.Validation("decode bundle", "bundle has no release")
	}
	if err := Verify(b.Release); err != nil {
		return nil, err
	}
	return b.Release, nil
}

// Exporter writes release bundles somewhere consumers can fetch them
type Exporter interface {
	// Location is the URI a bundle with this content hash is written to
	Location(hash string) string
	Export(ctx context.Context, b Bundle) error
}

// S3Exporter stores bundles content-addressed in an S3 bucket
type S3Exporter struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Exporter creates an exporter from release configuration. A custom
// endpoint switches to path-style addressing for MinIO and LocalStack.
func NewS3Exporter(ctx context.Context, cfg model.ReleaseConfig) (*S3Exporter, error) {
	if cfg.BundleBucket == "" {
		return nil, fmt.Errorf("bundle bucket is not configured")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.BundleRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BundleEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BundleEndpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Exporter{client: client, bucket: cfg.BundleBucket, prefix: cfg.BundlePrefix}, nil
}

func (e *S3Exporter) key(hash string) string {
	return path.Join(e.prefix, strings.TrimPrefix(hash, "sha256:")+".json")
}

func (e *S3Exporter) Location(hash string) string {
	return "s3://" + e.bucket + "/" + e.key(hash)
}

// Export uploads the bundle unless an object with the same hash exists
func (e *S3Exporter) Export(ctx context.Context, b Bundle) error {
	key := e.key(b.Release.ContentHash)
	if _, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil
	}

	data, err := b.Marshal()
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}
