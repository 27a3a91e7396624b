// Package resolver maps logical paths and visibility onto bucket and object key.
package resolver

import (
	"fmt"
	"strings"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// DefaultReservedPrefix is the key prefix of USER_INFO objects.
const DefaultReservedPrefix = "user-info"

// Resolver is a pure mapping; it performs no I/O and holds no mutable state.
type Resolver struct {
	buckets        types.BucketSet
	reservedPrefix string
}

// New creates a resolver for one backend's bucket set.
func New(buckets types.BucketSet, reservedPrefix string) *Resolver {
	reservedPrefix = strings.Trim(reservedPrefix, "/")
	if reservedPrefix == "" {
		reservedPrefix = DefaultReservedPrefix
	}
	return &Resolver{buckets: buckets, reservedPrefix: reservedPrefix}
}

// Buckets returns the bucket set the resolver maps into.
func (r *Resolver) Buckets() types.BucketSet {
	return r.buckets
}

// Resolve maps (logicalPath, visibility, ownerID) to a bucket and object key.
func (r *Resolver) Resolve(logicalPath string, visibility types.Visibility, ownerID string) (types.Location, error) {
	clean, err := Clean(logicalPath)
	if err != nil {
		return types.Location{}, err
	}
	if clean == "" {
		return types.Location{}, errors.NewError(errors.ErrCodeInvalidPath, "path is empty")
	}
	root, err := r.ResolveRoot(visibility, ownerID)
	if err != nil {
		return types.Location{}, err
	}
	return types.Location{Bucket: root.Bucket, Key: root.Key + clean}, nil
}

// ResolvePrefix resolves a folder path; the key always ends with "/".
func (r *Resolver) ResolvePrefix(logicalPath string, visibility types.Visibility, ownerID string) (types.Location, error) {
	loc, err := r.Resolve(logicalPath, visibility, ownerID)
	if err != nil {
		return loc, err
	}
	loc.Key += "/"
	return loc, nil
}

// ResolveRoot returns the root prefix of a visibility namespace. The key is
// empty for PUBLIC and ends with "/" otherwise.
func (r *Resolver) ResolveRoot(visibility types.Visibility, ownerID string) (types.Location, error) {
	switch visibility {
	case types.VisibilityPrivate:
		owner := strings.Trim(ownerID, "/")
		if ValidateName(owner) != nil {
			return types.Location{}, errors.Newf(errors.ErrCodeInvalidInput, "owner id %q is not a single path segment", ownerID)
		}
		return types.Location{Bucket: r.buckets.Private, Key: owner + "/"}, nil
	case types.VisibilityPublic:
		return types.Location{Bucket: r.buckets.Public, Key: ""}, nil
	case types.VisibilityUserInfo:
		return types.Location{Bucket: r.buckets.UserInfo, Key: r.reservedPrefix + "/"}, nil
	default:
		panic(fmt.Sprintf("resolver: unknown visibility %d", int(visibility)))
	}
}

// ResolveFolder resolves a folder path for listing; an empty path is the namespace root.
func (r *Resolver) ResolveFolder(logicalPath string, visibility types.Visibility, ownerID string) (types.Location, error) {
	clean, err := Clean(logicalPath)
	if err != nil {
		return types.Location{}, err
	}
	if clean == "" {
		return r.ResolveRoot(visibility, ownerID)
	}
	return r.ResolvePrefix(clean, visibility, ownerID)
}

// Clean strips leading and trailing separators, collapses repeated ones and
// rejects relative segments. It returns "" for a path that names the root.
func Clean(logicalPath string) (string, error) {
	if strings.ContainsRune(logicalPath, '\\') {
		return "", errors.Newf(errors.ErrCodeInvalidPath, "path %q contains a backslash", logicalPath)
	}
	if strings.ContainsRune(logicalPath, 0) {
		return "", errors.NewError(errors.ErrCodeInvalidPath, "path contains a NUL byte")
	}
	segments := strings.Split(logicalPath, "/")
	kept := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", errors.Newf(errors.ErrCodeInvalidPath, "path %q contains a relative segment", logicalPath)
		}
		kept = append(kept, seg)
	}
	return strings.Join(kept, "/"), nil
}

// Base returns the last segment of a cleaned key, ignoring a trailing "/".
func Base(key string) string {
	key = strings.TrimSuffix(key, "/")
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Parent returns everything before the last segment of a cleaned path, or "".
func Parent(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

// ValidateName checks that name is usable as a single path segment.
func ValidateName(name string) error {
	if name == "" || strings.TrimSpace(name) == "" {
		return errors.NewError(errors.ErrCodeInvalidInput, "name is empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return errors.Newf(errors.ErrCodeInvalidInput, "name %q is not a single path segment", name)
	}
	return nil
}
