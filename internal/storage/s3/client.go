package s3

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// API is the subset of the S3 client the adapter calls.
type API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner signs GET requests for time-limited links.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var (
	_ API       = (*s3.Client)(nil)
	_ Presigner = (*s3.PresignClient)(nil)
)

// Client is one pooled connection to an S3-compatible service.
type Client struct {
	API     API
	Presign Presigner
	created time.Time
}

// NewClient wraps an API and presigner as a pooled client.
func NewClient(api API, presign Presigner) *Client {
	return &Client{API: api, Presign: presign, created: time.Now()}
}

// Age returns how long ago the client was created.
func (c *Client) Age() time.Duration {
	return time.Since(c.created)
}

// ClientFactory creates clients for one backend configuration. It
// implements pool.Factory[*Client].
type ClientFactory struct {
	cfg            types.BackendConfig
	profile        Profile
	maxAge         time.Duration
	connectTimeout time.Duration
	requestTimeout time.Duration
}

// NewClientFactory creates a factory. A zero maxAge keeps clients forever.
func NewClientFactory(cfg types.BackendConfig, profile Profile, maxAge, connectTimeout, requestTimeout time.Duration) *ClientFactory {
	return &ClientFactory{
		cfg:            cfg,
		profile:        profile,
		maxAge:         maxAge,
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
	}
}

// Create builds a new S3 client with static credentials.
func (f *ClientFactory) Create(ctx context.Context) (*Client, error) {
	endpoint, err := f.profile.Endpoint(f.cfg)
	if err != nil {
		return nil, err
	}

	// Retries belong to the adapter, so the SDK makes exactly one attempt.
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(f.profile.Region(f.cfg)),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(f.cfg.AccessKeyID, f.cfg.SecretAccessKey, "")),
		config.WithRetryMaxAttempts(1),
		config.WithHTTPClient(f.httpClient()),
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeClientFactory, err, "failed to load client config").
			WithBackend(string(f.profile.Kind))
	}

	pathStyle := f.profile.UsePathStyle(f.cfg)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = pathStyle
		// Several S3-compatible services reject the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return NewClient(client, s3.NewPresignClient(client)), nil
}

// httpClient bounds dialing and the wait for response headers. There is no
// whole-request timeout: it would also cut off long part uploads and
// streamed downloads, which are bounded by their callers' contexts.
func (f *ClientFactory) httpClient() *awshttp.BuildableClient {
	httpClient := awshttp.NewBuildableClient()
	if f.connectTimeout > 0 {
		httpClient = httpClient.WithDialerOptions(func(d *net.Dialer) {
			d.Timeout = f.connectTimeout
		})
	}
	if f.requestTimeout > 0 {
		httpClient = httpClient.WithTransportOptions(func(tr *http.Transport) {
			tr.ResponseHeaderTimeout = f.requestTimeout
		})
	}
	return httpClient
}

// Validate rejects clients older than the configured maximum age, so
// rotated credentials and DNS changes are eventually picked up.
func (f *ClientFactory) Validate(_ context.Context, c *Client) bool {
	if c == nil || c.API == nil {
		return false
	}
	return f.maxAge <= 0 || c.Age() < f.maxAge
}

// Destroy releases a client. SDK clients hold no resources beyond the
// shared transport, so there is nothing to close.
func (f *ClientFactory) Destroy(*Client) {}
