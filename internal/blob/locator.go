package blob

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Prefix substitution for derived variants: uploads live under a parallel
// thumbnail prefix next to the originals.
const (
	originalPrefix  = "images/"
	thumbnailPrefix = "image-thumbnail/"
)

// Locator identifies an object as {bucket}/{path}/{filename}.
type Locator struct {
	Bucket string
	Key    string
}

// ParseLocator accepts the locator forms found in record metadata: a
// virtual-hosted S3 URL (https://bucket.s3.amazonaws.com/key), an s3://
// URI, or a plain bucket/key path. Percent-encoded slashes are unescaped
// first, matching how upstream stores the URLs.
func ParseLocator(s string) (Locator, error) {
	s = strings.ReplaceAll(s, "%2F", "/")

	switch {
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		u, err := url.Parse(s)
		if err != nil {
			return Locator{}, fmt.Errorf("failed to parse locator URL %q: %w", s, err)
		}
		bucket := strings.SplitN(u.Host, ".", 2)[0]
		key := strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return Locator{}, fmt.Errorf("locator URL %q has no bucket or key", s)
		}
		return Locator{Bucket: bucket, Key: key}, nil

	case strings.HasPrefix(s, "s3://"):
		rest := strings.TrimPrefix(s, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return Locator{}, fmt.Errorf("locator %q is not of the form s3://bucket/key", s)
		}
		return Locator{Bucket: bucket, Key: key}, nil

	default:
		bucket, key, ok := strings.Cut(s, "/")
		if !ok || bucket == "" || key == "" {
			return Locator{}, fmt.Errorf("locator %q is not of the form bucket/path/filename", s)
		}
		return Locator{Bucket: bucket, Key: key}, nil
	}
}

// String renders the locator in its canonical bucket/key form.
func (l Locator) String() string {
	return l.Bucket + "/" + l.Key
}

// PublicURI is the virtual-hosted URL stored in derived artifacts.
func (l Locator) PublicURI() string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", l.Bucket, l.Key)
}

// Stem is the filename without its extension.
func (l Locator) Stem() string {
	base := path.Base(l.Key)
	return strings.TrimSuffix(base, path.Ext(base))
}

// VariantLocator derives the upload locator for one encoded variant of this
// source object: the original prefix is substituted with the thumbnail
// prefix and the label is appended to the filename stem.
func (l Locator) VariantLocator(label string) Locator {
	dir := path.Dir(l.Key)
	dir = strings.ReplaceAll(dir+"/", originalPrefix, thumbnailPrefix)
	return Locator{
		Bucket: l.Bucket,
		Key:    dir + fmt.Sprintf("%s_%s.jpg", l.Stem(), label),
	}
}
