package objectstore

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medchain-labs/custodia/pkg/config"
	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/types"
)

// ChunkSize is the fixed ciphertext chunk size. The last chunk of an
// object may be shorter.
const ChunkSize = 256 * 1024

const gcmIVSize = 12

// Failure kinds surfaced by this package
var (
	ErrCIDNotFound     = fmt.Errorf("cid not found: %w", errdefs.ErrNotFound)
	ErrChunkMissing    = fmt.Errorf("chunk missing: %w", errdefs.ErrStorage)
	ErrAuthTagMismatch = fmt.Errorf("auth tag mismatch: %w", errdefs.ErrIntegrityViolation)
	ErrHashMismatch    = fmt.Errorf("content hash mismatch: %w", errdefs.ErrIntegrityViolation)
)

// KeyService is the slice of key custody the client needs: issuing a
// fresh data key when the caller supplies none, and nothing else.
type KeyService interface {
	Issue(ctx context.Context, owner, purpose string, expiresIn time.Duration) (string, error)
	Unwrap(ctx context.Context, keyID string) ([]byte, error)
}

// Client is the chunked, encrypted, content-addressed object store
// client. Plaintext is AES-256-GCM encrypted, the ciphertext split into
// fixed 256 KiB chunks, and each chunk plus a JSON metadata object
// uploaded to a pool of HTTP block-API endpoints with failover.
type Client struct {
	cfg    config.ObjectStoreConfig
	pool   *pool
	http   *http.Client
	keys   KeyService
	pins   *PinLedger
	logger zerolog.Logger

	stopProbe chan struct{}
}

// PutOptions parameterizes an upload
type PutOptions struct {
	FileName string
	MimeType string

	// DataKey is the 32-byte AES key. Nil asks the key service for a
	// fresh key; the issued id is surfaced in the metadata KeyID so the
	// reader can rehydrate it.
	DataKey []byte
	KeyID   string

	// Owner is the key owner used when a key must be issued
	Owner string
}

// PutResult reports a completed upload
type PutResult struct {
	PrimaryCID  string
	ContentHash string
	Size        int64
	KeyID       string
	ChunkCount  int
}

// StatResult reports object shape
type StatResult struct {
	Size   int64
	Blocks int
}

// Open constructs the client. dataDir holds the local pin ledger.
// Background health probing starts unless lightMode is set.
func Open(cfg config.ObjectStoreConfig, dataDir string, keys KeyService, lightMode bool) (*Client, error) {
	p, err := newPool(cfg.Endpoints())
	if err != nil {
		return nil, err
	}

	pins, err := OpenPinLedger(dataDir)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		pool:      p,
		http:      &http.Client{Timeout: cfg.ChunkTimeout},
		keys:      keys,
		pins:      pins,
		logger:    log.WithComponent("objectstore"),
		stopProbe: make(chan struct{}),
	}

	if !lightMode && cfg.ProbeInterval > 0 {
		go c.probeLoop()
	} else {
		close(c.stopProbe)
	}
	return c, nil
}

// Close stops probing and closes the pin ledger
func (c *Client) Close() error {
	select {
	case <-c.stopProbe:
	default:
		close(c.stopProbe)
	}
	return c.pins.Close()
}

func (c *Client) probeLoop() {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeInterval)
			c.pool.probe(ctx, 5*time.Second)
			cancel()
			metrics.ObjectStoreHealthyNodes.Set(float64(c.pool.healthyCount()))
		case <-c.stopProbe:
			return
		}
	}
}

// Put encrypts, chunks, and uploads plaintext, then uploads and pins
// the metadata object. Returns the metadata CID as the primary CID.
func (c *Client) Put(ctx context.Context, plaintext []byte, opts PutOptions) (*PutResult, error) {
	contentHash := sha256.Sum256(plaintext)

	dataKey := opts.DataKey
	keyID := opts.KeyID
	if dataKey == nil {
		if c.keys == nil {
			return nil, fmt.Errorf("no data key supplied and no key service configured: %w", errdefs.ErrInvalidInput)
		}
		issued, err := c.keys.Issue(ctx, opts.Owner, "data-encryption", 0)
		if err != nil {
			return nil, fmt.Errorf("failed to issue data key: %w", err)
		}
		keyID = issued
		dataKey, err = c.keys.Unwrap(ctx, issued)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap issued key: %w", err)
		}
	}

	iv, ciphertext, authTag, err := encrypt(plaintext, dataKey)
	if err != nil {
		return nil, err
	}

	chunks := splitChunks(ciphertext)
	cids := make([]string, len(chunks)) // pre-sized: writes are by index under concurrency

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.UploadConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			cid, err := c.uploadBlock(gctx, chunk)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			cids[i] = cid
			metrics.ChunksTransferred.WithLabelValues("upload").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ObjectStoreOps.WithLabelValues("put", "error").Inc()
		return nil, err
	}

	meta := &types.ObjectMetadata{
		FileName:            opts.FileName,
		FileSize:            int64(len(plaintext)),
		MimeType:            opts.MimeType,
		ContentHash:         hex.EncodeToString(contentHash[:]),
		ChunkCount:          len(chunks),
		ChunkCIDs:           cids,
		IV:                  base64.StdEncoding.EncodeToString(iv),
		AuthTag:             base64.StdEncoding.EncodeToString(authTag),
		EncryptionAlgorithm: "AES-256-GCM",
		KeyID:               keyID,
		CreatedAt:           time.Now().UTC(),
		PinState:            types.PinStatePinned,
		ReplicationCount:    c.cfg.ReplicationMin,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode object metadata: %w", err)
	}

	primaryCID, err := c.uploadBlock(ctx, metaJSON)
	if err != nil {
		metrics.ObjectStoreOps.WithLabelValues("put", "error").Inc()
		return nil, fmt.Errorf("metadata object: %w", err)
	}

	// Pin the metadata object locally first, then ask the cluster for
	// replicated pins of metadata and chunks.
	if err := c.Pin(ctx, primaryCID, c.cfg.ReplicationMin, c.cfg.ReplicationMax); err != nil {
		c.logger.Warn().Err(err).Str("cid", primaryCID).Msg("cluster pinning failed; object uploaded unpinned")
	}

	metrics.ObjectStoreOps.WithLabelValues("put", "ok").Inc()
	c.logger.Debug().
		Str("cid", primaryCID).
		Int("chunks", len(chunks)).
		Int64("size", meta.FileSize).
		Msg("object stored")

	return &PutResult{
		PrimaryCID:  primaryCID,
		ContentHash: meta.ContentHash,
		Size:        meta.FileSize,
		KeyID:       keyID,
		ChunkCount:  len(chunks),
	}, nil
}

// Get fetches the metadata object, downloads the ciphertext chunks in
// index order, decrypts, and verifies the content hash.
func (c *Client) Get(ctx context.Context, primaryCID string, dataKey []byte) ([]byte, error) {
	meta, err := c.Metadata(ctx, primaryCID)
	if err != nil {
		metrics.ObjectStoreOps.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	plaintext, err := c.getWithMetadata(ctx, meta, dataKey)
	if err != nil {
		metrics.ObjectStoreOps.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	metrics.ObjectStoreOps.WithLabelValues("get", "ok").Inc()
	return plaintext, nil
}

// Metadata fetches and parses an object's metadata record
func (c *Client) Metadata(ctx context.Context, primaryCID string) (*types.ObjectMetadata, error) {
	raw, err := c.fetchBlock(ctx, primaryCID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("metadata %s: %w", primaryCID, ErrCIDNotFound)
		}
		return nil, err
	}
	var meta types.ObjectMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("metadata %s is not valid JSON: %w", primaryCID, errdefs.ErrStorage)
	}
	return &meta, nil
}

func (c *Client) getWithMetadata(ctx context.Context, meta *types.ObjectMetadata, dataKey []byte) ([]byte, error) {
	chunks := make([][]byte, meta.ChunkCount) // index-ordered

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DownloadConcurrency)
	for i, cid := range meta.ChunkCIDs {
		i, cid := i, cid
		g.Go(func() error {
			data, err := c.fetchBlock(gctx, cid)
			if err != nil {
				if errdefs.IsNotFound(err) {
					return fmt.Errorf("chunk %d (%s): %w", i, cid, ErrChunkMissing)
				}
				return fmt.Errorf("chunk %d (%s): %w", i, cid, err)
			}
			chunks[i] = data
			metrics.ChunksTransferred.WithLabelValues("download").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ciphertext := bytes.Join(chunks, nil)

	iv, err := base64.StdEncoding.DecodeString(meta.IV)
	if err != nil {
		return nil, fmt.Errorf("metadata IV is not base64: %w", errdefs.ErrStorage)
	}
	authTag, err := base64.StdEncoding.DecodeString(meta.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("metadata auth tag is not base64: %w", errdefs.ErrStorage)
	}

	plaintext, err := decrypt(ciphertext, dataKey, iv, authTag)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(plaintext)
	if hex.EncodeToString(sum[:]) != meta.ContentHash {
		return nil, fmt.Errorf("object %s: %w", meta.FileName, ErrHashMismatch)
	}
	return plaintext, nil
}

// Pin records the pin locally and requests replicated cluster pinning
func (c *Client) Pin(ctx context.Context, cid string, replicationMin, replicationMax int) error {
	if err := c.apiCall(ctx, "pin/add", cid, nil); err != nil {
		return err
	}
	params := url.Values{
		"min": {strconv.Itoa(replicationMin)},
		"max": {strconv.Itoa(replicationMax)},
	}
	if err := c.apiCall(ctx, "cluster/pin", cid, params); err != nil {
		return err
	}
	return c.pins.Record(cid, types.PinStatePinned, replicationMin, replicationMax)
}

// Unpin removes local and cluster pins. Used by the pipeline to roll
// back uploads whose commit failed.
func (c *Client) Unpin(ctx context.Context, cid string) error {
	if err := c.apiCall(ctx, "pin/rm", cid, nil); err != nil {
		return err
	}
	if err := c.apiCall(ctx, "cluster/unpin", cid, nil); err != nil {
		return err
	}
	return c.pins.Record(cid, types.PinStateUnpinned, 0, 0)
}

// UnpinObject unpins an object's chunks and its metadata record
func (c *Client) UnpinObject(ctx context.Context, primaryCID string) error {
	meta, err := c.Metadata(ctx, primaryCID)
	if err != nil {
		return err
	}
	for _, chunkCID := range meta.ChunkCIDs {
		if err := c.Unpin(ctx, chunkCID); err != nil {
			c.logger.Warn().Err(err).Str("cid", chunkCID).Msg("failed to unpin chunk")
		}
	}
	return c.Unpin(ctx, primaryCID)
}

// Stat reports the stored size and block count behind a CID. For a
// metadata object the block count is the chunk count; for a raw block
// it is 1.
func (c *Client) Stat(ctx context.Context, cid string) (*StatResult, error) {
	raw, err := c.fetchBlock(ctx, cid)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("stat %s: %w", cid, ErrCIDNotFound)
		}
		return nil, err
	}
	var meta types.ObjectMetadata
	if err := json.Unmarshal(raw, &meta); err == nil && meta.ChunkCount > 0 {
		return &StatResult{Size: meta.FileSize, Blocks: meta.ChunkCount}, nil
	}
	return &StatResult{Size: int64(len(raw)), Blocks: 1}, nil
}

// HealthyEndpoints reports how many pool nodes are currently healthy
func (c *Client) HealthyEndpoints() int {
	return c.pool.healthyCount()
}

// --- crypto helpers ---

// encrypt seals plaintext with AES-256-GCM under a fresh 12-byte IV and
// returns iv, ciphertext (tag stripped), tag.
func encrypt(plaintext, dataKey []byte) (iv, ciphertext, authTag []byte, err error) {
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create cipher: %w", errdefs.ErrCrypto)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create GCM: %w", errdefs.ErrCrypto)
	}

	iv = make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return iv, sealed[:tagStart], sealed[tagStart:], nil
}

// decrypt reassembles the GCM sealed form and opens it
func decrypt(ciphertext, dataKey, iv, authTag []byte) ([]byte, error) {
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", errdefs.ErrCrypto)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", errdefs.ErrCrypto)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("IV has invalid length %d: %w", len(iv), errdefs.ErrStorage)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return plaintext, nil
}

// splitChunks cuts ciphertext into fixed-size chunks in order
func splitChunks(ciphertext []byte) [][]byte {
	if len(ciphertext) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(ciphertext)+ChunkSize-1)/ChunkSize)
	for start := 0; start < len(ciphertext); start += ChunkSize {
		end := start + ChunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		chunks = append(chunks, ciphertext[start:end])
	}
	return chunks
}

// --- HTTP transport with failover ---

// withFailover runs call against healthy endpoints, retrying at most
// MaxRetries times across distinct nodes with exponential backoff.
func (c *Client) withFailover(ctx context.Context, call func(base string) error) error {
	var lastErr error
	failed := ""
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("object store call canceled: %w", ctx.Err())
			}
		}

		base, err := c.pool.pick(failed)
		if err != nil {
			return err
		}

		err = call(base)
		if err == nil {
			return nil
		}
		// Integrity and not-found failures are node-independent
		if !errdefs.Retryable(err) && !errdefs.IsNotFound(err) {
			return err
		}
		if errdefs.IsNotFound(err) {
			return err
		}

		c.pool.markUnhealthy(base)
		failed = base
		lastErr = err
		c.logger.Warn().Err(err).Str("endpoint", base).Int("attempt", attempt+1).Msg("object store call failed; failing over")
	}
	return fmt.Errorf("object store unavailable after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

// uploadBlock posts raw bytes to the block API and returns the CID
func (c *Client) uploadBlock(ctx context.Context, data []byte) (string, error) {
	var cid string
	err := c.withFailover(ctx, func(base string) error {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("data", "blob")
		if err != nil {
			return err
		}
		if _, err := part.Write(data); err != nil {
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v0/block/put", body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("block put: %w: %w", errdefs.ErrDependencyUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("block put returned %d: %w", resp.StatusCode, errdefs.ErrDependencyUnavailable)
		}

		var out struct {
			Key  string `json:"Key"`
			Size int64  `json:"Size"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("block put response: %w", err)
		}
		if out.Key == "" {
			return fmt.Errorf("block put returned empty CID: %w", errdefs.ErrStorage)
		}
		cid = out.Key
		return nil
	})
	return cid, err
}

// fetchBlock retrieves raw bytes behind a CID
func (c *Client) fetchBlock(ctx context.Context, cid string) ([]byte, error) {
	var data []byte
	err := c.withFailover(ctx, func(base string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/api/v0/block/get?arg="+url.QueryEscape(cid), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("block get: %w: %w", errdefs.ErrDependencyUnavailable, err)
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return fmt.Errorf("block %s: %w", cid, errdefs.ErrNotFound)
		default:
			return fmt.Errorf("block get returned %d: %w", resp.StatusCode, errdefs.ErrDependencyUnavailable)
		}

		data, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// apiCall issues a fire-and-forget style API call (pin management)
func (c *Client) apiCall(ctx context.Context, endpoint, cid string, extra url.Values) error {
	return c.withFailover(ctx, func(base string) error {
		params := url.Values{"arg": {cid}}
		for k, vs := range extra {
			for _, v := range vs {
				params.Add(k, v)
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			base+"/api/v0/"+endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w: %w", endpoint, errdefs.ErrDependencyUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s returned %d: %w", endpoint, resp.StatusCode, errdefs.ErrDependencyUnavailable)
		}
		return nil
	})
}
