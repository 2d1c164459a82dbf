// Package remote builds the configured tbup.Remote.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"tbup-go/internal/config"
	"tbup-go/internal/remote/memory"
	"tbup-go/internal/remote/s3"
	"tbup-go/internal/remote/terabox"
	"tbup-go/internal/tbup"
)

// NewRemoteFromConfig creates the remote for one account together with the
// chunk policy it uploads with. secret is the account's stored secret.
func NewRemoteFromConfig(ctx context.Context, cfg *config.Config, account, secret string, logger tbup.Logger) (tbup.Remote, tbup.ChunkPolicy, error) {
	rc := cfg.Remote
	switch rc.Type {
	case "terabox":
		if secret == "" {
			return nil, tbup.ChunkPolicy{}, fmt.Errorf("account %s has no ndus cookie", account)
		}
		client := terabox.NewClient(account, secret, terabox.Options{
			BaseURL:     rc.BaseURL,
			UploadURL:   rc.UploadURL,
			IdleTimeout: rc.IdleTimeout.Duration,
			Logger:      logger,
		})
		return client, chunkPolicy(tbup.DefaultChunkPolicy, cfg.Chunks), nil
	case "s3":
		api, err := newS3Client(ctx, rc, secret)
		if err != nil {
			return nil, tbup.ChunkPolicy{}, err
		}
		policy := chunkPolicy(s3.DefaultChunkPolicy, cfg.Chunks)
		if err := checkPartSizes(policy); err != nil {
			return nil, tbup.ChunkPolicy{}, err
		}
		r := s3.NewRemote(api, s3.Options{
			Bucket:      rc.S3Bucket,
			Prefix:      rc.S3Prefix,
			Premium:     rc.Premium,
			IdleTimeout: rc.IdleTimeout.Duration,
			Logger:      logger,
		})
		return r, policy, nil
	case "memory":
		return memory.NewRemote(account, rc.Premium), chunkPolicy(tbup.DefaultChunkPolicy, cfg.Chunks), nil
	default:
		return nil, tbup.ChunkPolicy{}, fmt.Errorf("unknown remote type: %s", rc.Type)
	}
}

// chunkPolicy applies configured step overrides to base.
func chunkPolicy(base tbup.ChunkPolicy, override config.ChunkConfig) tbup.ChunkPolicy {
	p := base
	if len(override.Premium) > 0 {
		p.Premium = override.Premium
	}
	if len(override.Basic) > 0 {
		p.Basic = override.Basic
	}
	return p
}

func checkPartSizes(p tbup.ChunkPolicy) error {
	for _, steps := range [][]int64{p.Premium, p.Basic} {
		for _, s := range steps {
			if s*tbup.MiB < s3.MinPartSize {
				return fmt.Errorf("chunk step %d MiB is below the s3 minimum part size", s)
			}
		}
	}
	return nil
}

// newS3Client loads the default AWS configuration. A secret of the form
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY" replaces the default credential chain.
func newS3Client(ctx context.Context, rc config.RemoteConfig, secret string) (*awss3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if rc.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(rc.S3Region))
	}
	if secret != "" {
		id, key, ok := strings.Cut(secret, ":")
		if !ok || id == "" || key == "" {
			return nil, fmt.Errorf("s3 secret must be ACCESS_KEY_ID:SECRET_ACCESS_KEY")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, key, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if rc.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(rc.S3Endpoint)
		}
		o.UsePathStyle = rc.S3PathStyle
	}), nil
}
