package types

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/objectfs/storagehub/pkg/errors"
)

// BackendKind identifies both an adapter implementation and the config schema it needs.
type BackendKind string

const (
	KindOSS   BackendKind = "oss"
	KindCOS   BackendKind = "cos"
	KindKODO  BackendKind = "kodo"
	KindMinIO BackendKind = "minio"
	KindLocal BackendKind = "local"
)

// AllKinds lists every supported backend kind in a stable order.
var AllKinds = []BackendKind{KindOSS, KindCOS, KindKODO, KindMinIO, KindLocal}

// ParseBackendKind maps user input onto the closed set of kinds.
func ParseBackendKind(s string) (BackendKind, error) {
	kind := BackendKind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range AllKinds {
		if k == kind {
			return k, nil
		}
	}
	return "", errors.Newf(errors.ErrCodeInvalidKind, "unknown backend kind %q", s)
}

// IsRemote reports whether the kind talks to an object store over the network.
func (k BackendKind) IsRemote() bool {
	return k != KindLocal
}

func (k BackendKind) String() string {
	return string(k)
}

// Visibility selects the bucket namespace an object lives in.
type Visibility int

const (
	VisibilityPrivate Visibility = iota + 1
	VisibilityPublic
	VisibilityUserInfo
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPrivate:
		return "PRIVATE"
	case VisibilityPublic:
		return "PUBLIC"
	case VisibilityUserInfo:
		return "USER_INFO"
	default:
		return fmt.Sprintf("Visibility(%d)", int(v))
	}
}

// Valid reports whether v is one of the declared visibilities.
func (v Visibility) Valid() bool {
	return v >= VisibilityPrivate && v <= VisibilityUserInfo
}

// ParseVisibility accepts the canonical names case-insensitively.
func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PRIVATE":
		return VisibilityPrivate, nil
	case "PUBLIC":
		return VisibilityPublic, nil
	case "USER_INFO", "USERINFO":
		return VisibilityUserInfo, nil
	}
	return 0, errors.Newf(errors.ErrCodeInvalidVisibility, "unsupported visibility %q", s)
}

// BackendConfig is the credential, endpoint and bucket set for one backend.
// Stored configs are never updated in place.
type BackendConfig struct {
	ID              string      `json:"id" yaml:"id"`
	Kind            BackendKind `json:"kind" yaml:"kind"`
	Name            string      `json:"name" yaml:"name"`
	Endpoint        string      `json:"endpoint" yaml:"endpoint"`
	Region          string      `json:"region" yaml:"region"`
	AccessKeyID     string      `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string      `json:"-" yaml:"secret_access_key"`
	PublicBucket    string      `json:"public_bucket" yaml:"public_bucket"`
	PrivateBucket   string      `json:"private_bucket" yaml:"private_bucket"`
	UserInfoBucket  string      `json:"user_info_bucket" yaml:"user_info_bucket"`
	UploadThreshold int64       `json:"upload_threshold,omitempty" yaml:"upload_threshold"`
	ForcePathStyle  bool        `json:"force_path_style,omitempty" yaml:"force_path_style"`
	CreatedAt       time.Time   `json:"created_at" yaml:"-"`
}

// Buckets returns the distinct configured bucket names in public, private, user-info order.
func (c BackendConfig) Buckets() []string {
	var out []string
	seen := make(map[string]bool, 3)
	for _, b := range []string{c.PublicBucket, c.PrivateBucket, c.UserInfoBucket} {
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}

// BucketSet returns the three visibility buckets of the config.
func (c BackendConfig) BucketSet() BucketSet {
	return BucketSet{Public: c.PublicBucket, Private: c.PrivateBucket, UserInfo: c.UserInfoBucket}
}

// BucketSet names the bucket used for each visibility.
type BucketSet struct {
	Public   string `json:"public" yaml:"public"`
	Private  string `json:"private" yaml:"private"`
	UserInfo string `json:"user_info" yaml:"user_info"`
}

// Location is a resolved (bucket, key) pair.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// UploadUnit is one logical upload request.
type UploadUnit struct {
	Body        io.Reader
	Size        int64
	Visibility  Visibility
	OwnerID     string
	Path        string
	ContentType string
}

// UploadStrategy records which transfer path an upload took.
type UploadStrategy string

const (
	StrategySingle    UploadStrategy = "single"
	StrategyMultipart UploadStrategy = "multipart"
)

// PartResult is the acknowledgement of one uploaded part.
type PartResult struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// UploadResult describes a stored object after a successful upload.
type UploadResult struct {
	Kind     BackendKind    `json:"kind"`
	Bucket   string         `json:"bucket"`
	Key      string         `json:"key"`
	Size     int64          `json:"size"`
	Strategy UploadStrategy `json:"strategy"`
	Parts    int            `json:"parts,omitempty"`
}

// FileEntry is one object in a folder listing.
type FileEntry struct {
	Name         string    `json:"name"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// FolderEntry is one sub-folder in a folder listing.
type FolderEntry struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Listing is the direct content of one folder.
type Listing struct {
	Files   []FileEntry   `json:"files"`
	Folders []FolderEntry `json:"folders"`
}

// ObjectStream is an object body served through the calling process.
type ObjectStream struct {
	Body         io.ReadCloser
	Size         int64
	ContentType  string
	LastModified time.Time
}
