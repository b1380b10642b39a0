package sync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	apperrors "github.com/linchen/recall/internal/errors"
	"github.com/linchen/recall/internal/models"
	"github.com/linchen/recall/internal/uuid"
)

// backupPrefix is the key prefix under which snapshots live in the bucket.
const backupPrefix = "backups/"

// S3Config holds S3 connection configuration.
type S3Config struct {
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Use path-style URLs (minio, localstack)
}

// S3Client implements RemoteBackupStore for S3-compatible storage.
// Backup IDs are object keys of the form backups/<timestamp>_<uuid>.json.gz.
type S3Client struct {
	config     *S3Config
	httpClient *http.Client
}

// ListBucketResult represents the S3 ListObjectsV2 response.
type ListBucketResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Name     string   `xml:"Name"`
	Prefix   string   `xml:"Prefix"`
	Contents []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// NewS3Client creates a new S3Client.
func NewS3Client(config *S3Config) *S3Client {
	return &S3Client{
		config: config,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		},
	}
}

// Upload stores a snapshot under a fresh timestamped key.
func (c *S3Client) Upload(ctx context.Context, data []byte) (string, error) {
	key := fmt.Sprintf("%s%s_%s.json.gz", backupPrefix,
		time.Now().UTC().Format("20060102T150405Z"), uuid.New())

	req, err := c.createRequest(ctx, http.MethodPut, key, bytes.NewReader(data))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to build upload request", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrSyncNetwork, "upload request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError("upload", resp)
	}

	return key, nil
}

// Download retrieves a snapshot by backup ID.
func (c *S3Client) Download(ctx context.Context, id string) ([]byte, error) {
	req, err := c.createRequest(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to build download request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.New(apperrors.ErrBackupNotFound, "backup not found: "+id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("download", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to read response body", err)
	}

	return data, nil
}

// Delete removes a backup object.
func (c *S3Client) Delete(ctx context.Context, id string) error {
	req, err := c.createRequest(ctx, http.MethodDelete, id, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to build delete request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncNetwork, "delete request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.statusError("delete", resp)
	}

	return nil
}

// List returns metadata for every stored backup, newest first.
func (c *S3Client) List(ctx context.Context) ([]*models.BackupMetadata, error) {
	listPath := c.config.BucketName + "?list-type=2&prefix=" + url.QueryEscape(backupPrefix)
	req, err := c.createRequest(ctx, http.MethodGet, listPath, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to build list request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "list request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("list", resp)
	}

	var result ListBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNetwork, "failed to parse list response", err)
	}

	backups := make([]*models.BackupMetadata, 0, len(result.Contents))
	for _, content := range result.Contents {
		meta := &models.BackupMetadata{
			ID:        content.Key,
			SizeBytes: content.Size,
		}
		if ts, err := time.Parse(time.RFC3339, content.LastModified); err == nil {
			meta.CreatedAt = ts.Unix()
		}
		backups = append(backups, meta)
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt > backups[j].CreatedAt
	})

	return backups, nil
}

// TestConnection verifies the credentials by listing the bucket.
func (c *S3Client) TestConnection(ctx context.Context) error {
	_, err := c.List(ctx)
	return err
}

// statusError maps an unexpected HTTP status onto the sync error taxonomy
// so callers can tell retryable failures from actionable ones.
func (c *S3Client) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.New(apperrors.ErrSyncAuthFailed, msg)
	case resp.StatusCode == http.StatusInsufficientStorage ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusPaymentRequired:
		return apperrors.New(apperrors.ErrSyncQuotaExceeded, msg)
	default:
		return apperrors.New(apperrors.ErrSyncNetwork, msg)
	}
}

// createRequest creates an S3 request with authentication.
func (c *S3Client) createRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	var urlStr string
	if c.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		urlStr = fmt.Sprintf("%s/%s/%s", c.config.Endpoint, c.config.BucketName, key)
	} else {
		// Virtual-host-style: http://bucket.endpoint/key
		urlStr = fmt.Sprintf("%s.%s/%s", c.config.BucketName, c.config.Endpoint, key)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}

	if !c.config.ForcePathStyle {
		req.Host = fmt.Sprintf("%s.%s", c.config.BucketName, c.config.Endpoint)
	}

	// AWS V4 signature headers
	timestamp := time.Now().UTC()
	amzDate := timestamp.Format("20060102T150405Z")

	req.Header.Set("Host", req.Host)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")

	authorization := c.calculateAuthorization(method, key, amzDate)
	req.Header.Set("Authorization", authorization)

	return req, nil
}

// calculateAuthorization calculates the AWS V4 signature authorization
// header. Simplified: the payload stays unsigned and the canonical query
// is left empty even on list requests, which permissive S3-compatible
// endpoints accept.
func (c *S3Client) calculateAuthorization(method, key, amzDate string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	canonicalURI := "/" + c.config.BucketName + "/" + key
	canonicalQuery := ""
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-date:%s\n",
		c.config.BucketName+"."+c.config.Endpoint, amzDate)
	signedHeaders := "host;x-amz-date"

	payloadHash := "UNSIGNED-PAYLOAD"

	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		method, canonicalURI, canonicalQuery, canonicalHeaders, signedHeaders+" "+payloadHash)

	algorithm := "AWS4-HMAC-SHA256"
	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s",
		algorithm, amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonicalRequest))))

	kSecret := []byte("AWS4" + c.config.SecretKey)
	kDate := hmacSHA256(kSecret, dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature)
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}
