package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	// CacheControlImmutable is sent with every write. A deployment prefix is
	// never written twice, so its objects can be cached forever.
	CacheControlImmutable = "public, max-age=31536000, immutable"

	// Bulk deletion refuses prefixes shorter than this or with fewer
	// segments than minPrefixSegments. A real deployment prefix has eight.
	minPrefixLength   = 16
	minPrefixSegments = 4
)

var (
	// ErrUnsafePrefix is returned by DeleteAll for empty, near-root or
	// otherwise suspicious prefixes.
	ErrUnsafePrefix = errors.New("unsafe artifact prefix")

	// ErrInvalidPath is returned for object paths that are empty or try to
	// escape the store root.
	ErrInvalidPath = errors.New("invalid artifact path")
)

// Store is durable object storage addressed by path.
type Store interface {
	// Put writes one object. Writing the same path again overwrites it.
	Put(ctx context.Context, objectPath string, body []byte, contentType string) error
	// Exists is a metadata-only probe; it never downloads the body.
	Exists(ctx context.Context, objectPath string) (bool, error)
	// List returns every key under prefix, following pagination.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeleteAll removes every object under prefix and returns how many were
	// removed. It fails with ErrUnsafePrefix before touching anything if the
	// prefix does not look like a deployment prefix.
	DeleteAll(ctx context.Context, prefix string) (int, error)
	// SignedURL returns a time-limited read URL for operator use.
	SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	// Mode names the backend, e.g. "s3".
	Mode() string
}

// DeploymentPrefix is the storage namespace for one deployment. It is a pure
// function of its inputs and deploymentID is never reused, so prefixes are
// never shared between deployments.
func DeploymentPrefix(tenantID, businessID, siteID, deploymentID string) string {
	return fmt.Sprintf("tenant/%s/business/%s/site/%s/deployments/%s", tenantID, businessID, siteID, deploymentID)
}

// Join places a relative file path under prefix.
func Join(prefix, rel string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(rel, "/")
}

// EntryPath is the canonical root document of a deployment, used as the
// existence probe before rolling back to it.
func EntryPath(prefix string) string {
	return Join(prefix, "index.html")
}

// CheckPrefix validates a prefix for bulk deletion.
func CheckPrefix(prefix string) error {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	switch {
	case p == "":
		return fmt.Errorf("%w: empty", ErrUnsafePrefix)
	case len(p) < minPrefixLength:
		return fmt.Errorf("%w: %q is shorter than %d characters", ErrUnsafePrefix, prefix, minPrefixLength)
	case strings.Contains(p, "*"):
		return fmt.Errorf("%w: %q contains a wildcard", ErrUnsafePrefix, prefix)
	}

	segments := strings.Split(p, "/")
	if len(segments) < minPrefixSegments {
		return fmt.Errorf("%w: %q has %d segments, need at least %d", ErrUnsafePrefix, prefix, len(segments), minPrefixSegments)
	}
	for _, s := range segments {
		if s == "" || s == "." || s == ".." {
			return fmt.Errorf("%w: %q has an empty or relative segment", ErrUnsafePrefix, prefix)
		}
	}
	return nil
}

// listPrefix turns a deployment prefix into a listing prefix that cannot
// match a sibling ("deployments/d1" must not match "deployments/d10").
func listPrefix(prefix string) string {
	return strings.Trim(prefix, "/") + "/"
}

func cleanPath(objectPath string) (string, error) {
	p := strings.TrimPrefix(objectPath, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if cleaned := path.Clean(p); cleaned != p || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, objectPath)
	}
	return p, nil
}
