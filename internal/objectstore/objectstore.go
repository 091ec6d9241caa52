// Package objectstore wraps the S3-compatible bucket the loader discovers
// load directories in: leaf-directory enumeration, descriptor/data-file
// reads, the COPY manifest writer, and post-load cleanup (delete, move to
// an errors/ prefix).
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/malbeclabs/warehouse-loader/internal/sqlbuild"
)

// Client wraps an S3 client scoped to a single bucket.
type Client struct {
	s3     *s3.Client
	creds  aws.CredentialsProvider
	bucket string
}

// New builds a Client for bucket using the default AWS credential chain,
// optionally overridden by static access-key/secret env-derived
// credentials supplied by the caller's config layer.
func New(ctx context.Context, bucket string, staticKey, staticSecret string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if staticKey != "" && staticSecret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(staticKey, staticSecret, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: failed to load aws config: %w", err)
	}

	return &Client{
		s3:     s3.NewFromConfig(awsCfg),
		creds:  awsCfg.Credentials,
		bucket: bucket,
	}, nil
}

// AccessKeyID and SecretAccessKey implement sqlbuild.CredentialsProvider by
// resolving the chain's current credentials at call time.
func (c *Client) AccessKeyID() string {
	creds, err := c.creds.Retrieve(context.Background())
	if err != nil {
		return ""
	}
	return creds.AccessKeyID
}

func (c *Client) SecretAccessKey() string {
	creds, err := c.creds.Retrieve(context.Background())
	if err != nil {
		return ""
	}
	return creds.SecretAccessKey
}

var _ sqlbuild.CredentialsProvider = (*Client)(nil)

// ListLeafDirectories walks the bucket below prefix one delimiter level at a
// time, returning every "leaf" prefix — one with no further common
// prefixes beneath it — whose path matches keyPattern.
func (c *Client) ListLeafDirectories(ctx context.Context, prefix string, keyPattern func(string) bool) ([]string, error) {
	var leaves []string
	frontier := []string{prefix}

	for len(frontier) > 0 {
		var next []string
		for _, p := range frontier {
			children, err := c.commonPrefixes(ctx, p)
			if err != nil {
				return nil, err
			}
			if len(children) == 0 {
				if p != prefix && keyPattern(p) {
					leaves = append(leaves, p)
				}
				continue
			}
			next = append(next, children...)
		}
		frontier = next
	}
	return leaves, nil
}

func (c *Client) commonPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
		}
		for _, cp := range page.CommonPrefixes {
			out = append(out, aws.ToString(cp.Prefix))
		}
	}
	return out, nil
}

// ObjectInfo describes one object under a load directory.
type ObjectInfo struct {
	Key string
}

// ListObjects lists every object directly under prefix (non-recursive is
// not required here: load directories are leaves, so a flat listing
// suffices).
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			out = append(out, ObjectInfo{Key: aws.ToString(obj.Key)})
		}
	}
	return out, nil
}

// Get downloads the object at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %q: %w", key, err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("objectstore: read %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Delete removes the object at key. Best-effort callers should ignore the
// returned error per their own policy.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %q: %w", key, err)
	}
	return nil
}

// Move copies the object at srcKey to dstKey, then deletes the source. Used
// to relocate a data file referenced by an stl_load_errors row into an
// errors/ prefix.
func (c *Client) Move(ctx context.Context, srcKey, dstKey string) error {
	_, err := c.s3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(fmt.Sprintf("%s/%s", c.bucket, srcKey)),
	})
	if err != nil {
		return fmt.Errorf("objectstore: copy %q to %q: %w", srcKey, dstKey, err)
	}
	return c.Delete(ctx, srcKey)
}

// Exists reports whether an object exists at key.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("objectstore: head %q: %w", key, err)
	}
	return true, nil
}

// manifestEntry is one element of the uploaded COPY manifest's entries list.
type manifestEntry struct {
	URL       string `json:"url"`
	Mandatory bool   `json:"mandatory"`
}

type manifestDoc struct {
	Entries []manifestEntry `json:"entries"`
}

// PutManifest serializes fileURLs into the warehouse COPY manifest format
// and uploads it under a freshly generated UUID-based key. It returns the
// key (for later deletion) and the s3:// URL the COPY statement consumes.
func (c *Client) PutManifest(ctx context.Context, fileURLs []string) (key, url string, err error) {
	doc := manifestDoc{Entries: make([]manifestEntry, 0, len(fileURLs))}
	for _, u := range fileURLs {
		doc.Entries = append(doc.Entries, manifestEntry{URL: u, Mandatory: true})
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", "", fmt.Errorf("objectstore: failed to marshal manifest: %w", err)
	}

	key = fmt.Sprintf("%s.manifest", uuid.NewString())
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", "", fmt.Errorf("objectstore: failed to upload manifest: %w", err)
	}

	url = fmt.Sprintf("s3://%s/%s", c.bucket, key)
	return key, url, nil
}

// ObjectURL returns the s3:// URL for key in this bucket.
func (c *Client) ObjectURL(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, key)
}

// KeyFromURL strips this client's bucket's "s3://bucket/" prefix from url,
// returning the bare object key. stl_load_errors.filename comes back from
// Redshift in URL form (it's read off the COPY manifest), but Exists/Move
// operate on bare keys, so callers must convert before touching the store.
// A url that doesn't carry this bucket's prefix is returned unchanged.
func (c *Client) KeyFromURL(url string) string {
	prefix := fmt.Sprintf("s3://%s/", c.bucket)
	return strings.TrimPrefix(url, prefix)
}

// ErrorDestinationKey computes the errors/YYYY-MM-DD/<basename> key a
// stl_load_errors-referenced data file is moved to.
func ErrorDestinationKey(now time.Time, sourceKey string) string {
	base := sourceKey
	if idx := strings.LastIndex(sourceKey, "/"); idx >= 0 {
		base = sourceKey[idx+1:]
	}
	return fmt.Sprintf("errors/%s/%s", now.UTC().Format("2006-01-02"), base)
}
