// Package s3direct lets the engine talk to an S3-compatible bucket directly, without a
// platform endpoint in between. Part URLs are presigned locally.
package s3direct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bytedance/sonic"

	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/transfer"
	"github.com/moyoez/courseupload/types"
)

// AssetSuffix is appended to the object key for the registration record.
const AssetSuffix = ".asset.json"

// S3API is the subset of the S3 client the provider needs.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner signs part uploads.
type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Provider implements the transfer interfaces on top of an S3 bucket.
type Provider struct {
	api        S3API
	presign    Presigner
	bucket     string
	presignTTL time.Duration
	publicBase string
}

// New wires a Provider from an S3 client. api and presign are usually the same
// *s3.Client and its presign client.
func New(api S3API, presign Presigner, cfg types.S3Config) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Provider{
		api:        api,
		presign:    presign,
		bucket:     cfg.Bucket,
		presignTTL: ttl,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

// NewFromConfig loads AWS configuration and builds the client pair.
func NewFromConfig(ctx context.Context, cfg types.S3Config) (*Provider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, clientOptions(cfg)...)
	return New(client, s3.NewPresignClient(client), cfg)
}

// NewFromAWSConfig is NewFromConfig with an already resolved aws.Config.
func NewFromAWSConfig(awsCfg aws.Config, cfg types.S3Config) (*Provider, error) {
	client := s3.NewFromConfig(awsCfg, clientOptions(cfg)...)
	return New(client, s3.NewPresignClient(client), cfg)
}

func clientOptions(cfg types.S3Config) []func(*s3.Options) {
	return []func(*s3.Options){func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}}
}

func (p *Provider) InitMultipart(ctx context.Context, objectKey, contentType string, metadata map[string]string) (*types.MultipartInit, error) {
	in := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(objectKey),
		Metadata: metadata,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := p.api.CreateMultipartUpload(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return nil, errors.New("create multipart upload: empty upload id")
	}
	tool.DefaultLogger.Debugf("[S3] Opened multipart upload %s for %s", *out.UploadId, objectKey)
	return &types.MultipartInit{MultipartHandle: *out.UploadId, ObjectKey: objectKey}, nil
}

func (p *Provider) PartUploadURL(ctx context.Context, objectKey, handle string, partNumber int) (string, error) {
	req, err := p.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(objectKey),
		UploadId:   aws.String(handle),
		PartNumber: aws.Int32(int32(partNumber)),
	}, s3.WithPresignExpires(p.presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign part %d: %w", partNumber, err)
	}
	return req.URL, nil
}

func (p *Provider) CompleteMultipart(ctx context.Context, objectKey, handle string, parts []types.CompletedPart) (*types.CompletionResult, error) {
	completed := make([]s3types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(part.ETag),
		}
	}
	out, err := p.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(objectKey),
		UploadId:        aws.String(handle),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return nil, fmt.Errorf("%w: %v", transfer.ErrHandleExpired, err)
		}
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}
	res := &types.CompletionResult{
		Location: aws.ToString(out.Location),
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
	}
	if res.Location == "" {
		res.Location = p.ObjectURL(objectKey)
	}
	return res, nil
}

func (p *Provider) AbortMultipart(ctx context.Context, objectKey, handle string) error {
	_, err := p.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(objectKey),
		UploadId: aws.String(handle),
	})
	if err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// RegisterAsset stores the registration next to the object as <key>.asset.json.
func (p *Provider) RegisterAsset(ctx context.Context, reg types.AssetRegistration) error {
	body, err := sonic.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	_, err = p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(reg.ObjectKey + AssetSuffix),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put asset record: %w", err)
	}
	return nil
}

// ObjectURL is the public URL of key, or an s3:// URI when no public base is configured.
func (p *Provider) ObjectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if p.publicBase != "" {
		return p.publicBase + "/" + strings.TrimLeft(escaped, "/")
	}
	return "s3://" + p.bucket + "/" + strings.TrimLeft(key, "/")
}

func isNoSuchUpload(err error) bool {
	var nsu *s3types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchUpload"
	}
	return false
}
