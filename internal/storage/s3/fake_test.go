package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

type fakeMultipart struct {
	bucket, key string
	parts       map[int32][]byte
}

// fakeS3 is an in-memory S3 API with failure injection.
type fakeS3 struct {
	mu        sync.Mutex
	buckets   map[string]map[string]fakeObject
	uploads   map[string]*fakeMultipart
	nextID    int
	pageSize  int32
	calls     map[string]int
	failures  map[string][]error // popped front to back per operation
	deleteErr map[string]bool    // keys DeleteObjects reports as failed
	copies    []string           // copy sources seen
}

func newFakeS3(buckets ...string) *fakeS3 {
	f := &fakeS3{
		buckets:   make(map[string]map[string]fakeObject),
		uploads:   make(map[string]*fakeMultipart),
		pageSize:  1000,
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		deleteErr: make(map[string]bool),
	}
	for _, b := range buckets {
		f.buckets[b] = make(map[string]fakeObject)
	}
	return f
}

func (f *fakeS3) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeS3) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeS3) put(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket][key] = fakeObject{data: data, modified: time.Now()}
}

func (f *fakeS3) object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.buckets[bucket][key]
	return obj.data, ok
}

func (f *fakeS3) keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedKeysLocked(bucket)
}

func (f *fakeS3) sortedKeysLocked(bucket string) []string {
	keys := make([]string, 0, len(f.buckets[bucket]))
	for k := range f.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// begin records a call and returns an injected failure, if any. Callers hold f.mu.
func (f *fakeS3) begin(op string) error {
	f.calls[op]++
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeS3) bucketLocked(name string) (map[string]fakeObject, error) {
	b, ok := f.buckets[name]
	if !ok {
		return nil, &s3types.NoSuchBucket{Message: aws.String("no such bucket " + name)}
	}
	return b, nil
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeS3) ListBuckets(ctx context.Context, params *s3.ListBucketsInput, _ ...func(*s3.Options)) (*s3.ListBucketsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListBuckets"); err != nil {
		return nil, err
	}
	out := &s3.ListBucketsOutput{}
	for name := range f.buckets {
		out.Buckets = append(out.Buckets, s3types.Bucket{Name: aws.String(name)})
	}
	return out, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("HeadBucket"); err != nil {
		return nil, err
	}
	if _, ok := f.buckets[aws.ToString(params.Bucket)]; !ok {
		return nil, apiError("NotFound")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("HeadObject"); err != nil {
		return nil, err
	}
	b, err := f.bucketLocked(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	obj, ok := b[aws.ToString(params.Key)]
	if !ok {
		return nil, apiError("NotFound")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("GetObject"); err != nil {
		return nil, err
	}
	b, err := f.bucketLocked(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	obj, ok := b[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutObject"); err != nil {
		return nil, err
	}
	b, err := f.bucketLocked(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	b[aws.ToString(params.Key)] = fakeObject{data: data, contentType: aws.ToString(params.ContentType), modified: time.Now()}
	return &s3.PutObjectOutput{ETag: aws.String(`"put"`)}, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CopyObject"); err != nil {
		return nil, err
	}
	source := aws.ToString(params.CopySource)
	f.copies = append(f.copies, source)

	unescaped, err := url.PathUnescape(source)
	if err != nil {
		return nil, apiError("InvalidArgument")
	}
	srcBucket, srcKey, _ := strings.Cut(unescaped, "/")
	src, err := f.bucketLocked(srcBucket)
	if err != nil {
		return nil, err
	}
	obj, ok := src[srcKey]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	dst, err := f.bucketLocked(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	dst[aws.ToString(params.Key)] = obj
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteObject"); err != nil {
		return nil, err
	}
	b, err := f.bucketLocked(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	delete(b, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteObjects"); err != nil {
		return nil, err
	}
	b, err := f.bucketLocked(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	if len(params.Delete.Objects) > 1000 {
		return nil, apiError("MalformedXML")
	}
	out := &s3.DeleteObjectsOutput{}
	for _, id := range params.Delete.Objects {
		key := aws.ToString(id.Key)
		if f.deleteErr[key] {
			out.Errors = append(out.Errors, s3types.Error{Key: id.Key, Code: aws.String("AccessDenied"), Message: aws.String("denied")})
			continue
		}
		delete(b, key)
	}
	return out, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListObjectsV2"); err != nil {
		return nil, err
	}
	if _, err := f.bucketLocked(aws.ToString(params.Bucket)); err != nil {
		return nil, err
	}

	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)
	after := aws.ToString(params.ContinuationToken)
	limit := aws.ToInt32(params.MaxKeys)
	if limit <= 0 {
		limit = f.pageSize
	}

	bucket := f.buckets[aws.ToString(params.Bucket)]
	var matching []string
	for _, k := range f.sortedKeysLocked(aws.ToString(params.Bucket)) {
		if strings.HasPrefix(k, prefix) && k > after {
			matching = append(matching, k)
		}
	}

	out := &s3.ListObjectsV2Output{}
	var count int32
	var last string
	for i := 0; i < len(matching); i++ {
		if count == limit {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(last)
			break
		}
		key := matching[i]
		rest := strings.TrimPrefix(key, prefix)
		if delimiter != "" {
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				out.CommonPrefixes = append(out.CommonPrefixes, s3types.CommonPrefix{Prefix: aws.String(cp)})
				for i+1 < len(matching) && strings.HasPrefix(matching[i+1], cp) {
					i++
				}
				last = matching[i]
				count++
				continue
			}
		}
		obj := bucket[key]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
			ETag:         aws.String(`"etag"`),
		})
		last = key
		count++
	}
	if out.IsTruncated == nil {
		out.IsTruncated = aws.Bool(false)
	}
	return out, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = &fakeMultipart{
		bucket: aws.ToString(params.Bucket),
		key:    aws.ToString(params.Key),
		parts:  make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UploadPart"); err != nil {
		return nil, err
	}
	mp, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}
	n := aws.ToInt32(params.PartNumber)
	mp.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"part-%d"`, n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	id := aws.ToString(params.UploadId)
	mp, ok := f.uploads[id]
	if !ok {
		return nil, apiError("NoSuchUpload")
	}
	var buf bytes.Buffer
	prev := int32(0)
	for _, p := range params.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		if n <= prev {
			return nil, apiError("InvalidPartOrder")
		}
		if aws.ToString(p.ETag) != fmt.Sprintf(`"part-%d"`, n) {
			return nil, apiError("InvalidPart")
		}
		buf.Write(mp.parts[n])
		prev = n
	}
	f.buckets[mp.bucket][mp.key] = fakeObject{data: buf.Bytes(), modified: time.Now()}
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) pendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// fakePresigner returns deterministic URLs carrying the signed parameters.
type fakePresigner struct{}

func (fakePresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	q := url.Values{}
	q.Set("response-content-disposition", aws.ToString(params.ResponseContentDisposition))
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int(opts.Expires.Seconds())))
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://signed.example/%s/%s?%s", aws.ToString(params.Bucket), aws.ToString(params.Key), q.Encode()),
		Method: "GET",
	}, nil
}

// fakeFactory hands out clients sharing one fake API.
type fakeFactory struct {
	api *fakeS3
}

func (f fakeFactory) Create(context.Context) (*Client, error) {
	return NewClient(f.api, fakePresigner{}), nil
}

func (fakeFactory) Validate(context.Context, *Client) bool { return true }

func (fakeFactory) Destroy(*Client) {}
