package s3

import (
	"strings"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

const mib = 1 << 20

// Profile holds the per-kind defaults of an S3-compatible service.
type Profile struct {
	Kind             types.BackendKind
	EndpointTemplate string // "{region}" is replaced with the effective region
	DefaultRegion    string
	PathStyle        bool
	Threshold        int64
	DirectStream     bool
}

var profiles = map[types.BackendKind]Profile{
	types.KindOSS: {
		Kind:             types.KindOSS,
		EndpointTemplate: "https://oss-{region}.aliyuncs.com",
		DefaultRegion:    "cn-hangzhou",
		Threshold:        5 * mib,
	},
	types.KindCOS: {
		Kind:             types.KindCOS,
		EndpointTemplate: "https://cos.{region}.myqcloud.com",
		DefaultRegion:    "ap-guangzhou",
		Threshold:        5 * mib,
	},
	types.KindKODO: {
		Kind:             types.KindKODO,
		EndpointTemplate: "https://s3.{region}.qiniucs.com",
		DefaultRegion:    "cn-east-1",
		Threshold:        4 * mib,
	},
	types.KindMinIO: {
		Kind:          types.KindMinIO,
		DefaultRegion: "us-east-1",
		PathStyle:     true,
		Threshold:     5 * mib,
		DirectStream:  true,
	},
}

// ProfileFor returns the profile of a remote kind.
func ProfileFor(kind types.BackendKind) (Profile, error) {
	p, ok := profiles[kind]
	if !ok {
		return Profile{}, errors.Newf(errors.ErrCodeInvalidKind, "kind %q is not served by the s3 adapter", kind)
	}
	return p, nil
}

// Region returns the configured region or the kind default.
func (p Profile) Region(cfg types.BackendConfig) string {
	if r := strings.TrimSpace(cfg.Region); r != "" {
		return r
	}
	return p.DefaultRegion
}

// Endpoint returns the configured endpoint, or the kind template filled with
// the effective region. Kinds without a template require an endpoint.
func (p Profile) Endpoint(cfg types.BackendConfig) (string, error) {
	if ep := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"); ep != "" {
		if !strings.Contains(ep, "://") {
			ep = "https://" + ep
		}
		return ep, nil
	}
	if p.EndpointTemplate == "" {
		return "", errors.Newf(errors.ErrCodeMalformedConfig, "%s configuration requires an endpoint", p.Kind).
			WithBackend(string(p.Kind))
	}
	return strings.ReplaceAll(p.EndpointTemplate, "{region}", p.Region(cfg)), nil
}

// UsePathStyle reports whether requests address buckets in the path.
func (p Profile) UsePathStyle(cfg types.BackendConfig) bool {
	return p.PathStyle || cfg.ForcePathStyle
}

// UploadThreshold returns the size at which uploads switch to multipart.
func (p Profile) UploadThreshold(cfg types.BackendConfig) int64 {
	if cfg.UploadThreshold > 0 {
		return cfg.UploadThreshold
	}
	return p.Threshold
}

// CheckConfig performs the structural checks of a remote configuration.
func (p Profile) CheckConfig(cfg types.BackendConfig) error {
	var missing []string
	if cfg.Kind != p.Kind {
		return errors.Newf(errors.ErrCodeMalformedConfig, "configuration kind %q does not match %q", cfg.Kind, p.Kind)
	}
	if strings.TrimSpace(cfg.AccessKeyID) == "" {
		missing = append(missing, "access_key_id")
	}
	if strings.TrimSpace(cfg.SecretAccessKey) == "" {
		missing = append(missing, "secret_access_key")
	}
	if cfg.PublicBucket == "" {
		missing = append(missing, "public_bucket")
	}
	if cfg.PrivateBucket == "" {
		missing = append(missing, "private_bucket")
	}
	if cfg.UserInfoBucket == "" {
		missing = append(missing, "user_info_bucket")
	}
	if p.EndpointTemplate == "" && strings.TrimSpace(cfg.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrCodeMalformedConfig, "%s configuration is missing %s", p.Kind, strings.Join(missing, ", ")).
			WithBackend(string(p.Kind)).
			WithDetail("missing", missing)
	}
	return nil
}
