package keycustody

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/scrypt"

	"github.com/medchain-labs/custodia/pkg/config"
	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/types"
)

// Sentinel failures of the custody layer
var (
	ErrKeyNotFound      = fmt.Errorf("key not found: %w", errdefs.ErrNotFound)
	ErrKeyInactive      = fmt.Errorf("key inactive: %w", errdefs.ErrCrypto)
	ErrKeyExpired       = fmt.Errorf("key expired: %w", errdefs.ErrCrypto)
	ErrWrapFormat       = fmt.Errorf("wrap envelope malformed: %w", errdefs.ErrCrypto)
	ErrMasterKeyMissing = fmt.Errorf("master key missing: %w", errdefs.ErrCrypto)
)

const (
	// kekSalt is versioned so a future KDF migration can re-derive
	// without invalidating existing envelopes. Must stay stable across
	// restarts.
	kekSalt = "custodia/kek-salt/v1"

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1

	dataKeyBytes = 32

	// AlgorithmGCM is the wrap scheme for all new envelopes:
	// iv || tag || ciphertext
	AlgorithmGCM = "AES-256-GCM"

	// AlgorithmCBC identifies legacy envelopes (iv || ciphertext,
	// PKCS#7). Accepted on unwrap only; never written.
	AlgorithmCBC = "AES-256-CBC"

	// AlgorithmRSA identifies signing pairs
	AlgorithmRSA = "RSA-2048"

	gcmIVSize  = 12
	gcmTagSize = 16
)

// Custody issues, wraps, and unwraps data keys. DEKs are 32-byte
// symmetric keys wrapped under a KEK derived from the master key via
// scrypt over a versioned salt. The unwrapped-key cache is process-wide
// behind a read-mostly lock.
type Custody struct {
	mu     sync.RWMutex
	kek    []byte
	seeded bool // false when the master key was generated this run
	cfg    config.KeyConfig
	store  *Store
	cache  map[string][]byte // keyID -> plaintext DEK
	logger zerolog.Logger
}

// Open initializes the custody service from configuration. When no
// master key is configured a fresh one is generated and logged as
// requiring operator action; key operations fail until it is seeded.
func Open(cfg config.KeyConfig) (*Custody, error) {
	store, err := OpenStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	c := &Custody{
		cfg:    cfg,
		store:  store,
		cache:  make(map[string][]byte),
		logger: log.WithComponent("keycustody"),
	}

	master := cfg.MasterKey
	if master == "" {
		generated := make([]byte, dataKeyBytes)
		if _, err := io.ReadFull(rand.Reader, generated); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to generate master key: %w", err)
		}
		c.logger.Warn().
			Str("generated_master_key", base64.StdEncoding.EncodeToString(generated)).
			Msg("MASTER_KEY not set; generated a fresh key - set MASTER_KEY and restart before issuing keys")
		c.seeded = false
		return c, nil
	}

	kek, err := deriveKEK(master)
	if err != nil {
		store.Close()
		return nil, err
	}
	c.kek = kek
	c.seeded = true
	return c, nil
}

// Close drops cached key material and closes the store
func (c *Custody) Close() error {
	c.mu.Lock()
	for id := range c.cache {
		delete(c.cache, id)
	}
	c.kek = nil
	c.mu.Unlock()
	return c.store.Close()
}

func deriveKEK(master string) ([]byte, error) {
	// Accept either base64 or a raw passphrase as the KEK seed
	seed := []byte(master)
	if decoded, err := base64.StdEncoding.DecodeString(master); err == nil && len(decoded) >= 16 {
		seed = decoded
	}
	kek, err := scrypt.Key(seed, []byte(kekSalt), scryptN, scryptR, scryptP, dataKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to derive KEK: %w", err)
	}
	return kek, nil
}

// Issue creates a new symmetric data key owned by owner. expiresIn of
// zero means the configured max key age; keys carry no expiry only when
// that is unset too. Returns the key id.
func (c *Custody) Issue(ctx context.Context, owner, purpose string, expiresIn time.Duration) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required: %w", errdefs.ErrInvalidInput)
	}
	if expiresIn == 0 {
		expiresIn = c.cfg.MaxKeyAge
	}

	c.mu.RLock()
	seeded := c.seeded
	c.mu.RUnlock()
	if !seeded {
		return "", ErrMasterKeyMissing
	}

	dek := make([]byte, dataKeyBytes)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return "", fmt.Errorf("failed to generate data key: %w", err)
	}

	wrapped, err := c.wrap(dek)
	if err != nil {
		return "", err
	}

	meta := &types.DataKey{
		KeyID:     uuid.NewString(),
		Owner:     owner,
		Purpose:   purpose,
		Algorithm: AlgorithmGCM,
		KeyType:   types.KeyTypeSymmetric,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}
	if expiresIn > 0 {
		exp := meta.CreatedAt.Add(expiresIn)
		meta.ExpiresAt = &exp
	}

	if err := c.store.PutKey(meta, wrapped); err != nil {
		return "", fmt.Errorf("failed to persist key: %w", err)
	}

	c.mu.Lock()
	c.cache[meta.KeyID] = dek
	c.mu.Unlock()

	c.logger.Debug().Str("key_id", meta.KeyID).Str("owner", owner).Str("purpose", purpose).Msg("issued data key")
	return meta.KeyID, nil
}

// Unwrap returns the plaintext data key for keyID. Inactive or expired
// keys never produce plaintext.
func (c *Custody) Unwrap(ctx context.Context, keyID string) ([]byte, error) {
	c.mu.RLock()
	if dek, ok := c.cache[keyID]; ok {
		c.mu.RUnlock()
		// Cached entries were admitted active; re-check expiry only
		meta, _, err := c.store.GetKey(keyID)
		if err != nil {
			return nil, err
		}
		if err := usable(meta); err != nil {
			return nil, err
		}
		return dek, nil
	}
	seeded := c.seeded
	c.mu.RUnlock()

	if !seeded {
		return nil, ErrMasterKeyMissing
	}

	meta, wrapped, err := c.store.GetKey(keyID)
	if err != nil {
		return nil, err
	}
	if err := usable(meta); err != nil {
		return nil, err
	}
	if meta.KeyType != types.KeyTypeSymmetric {
		return nil, fmt.Errorf("key %s is not a symmetric data key: %w", keyID, errdefs.ErrInvalidInput)
	}

	dek, err := c.unwrap(meta.Algorithm, wrapped)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[keyID] = dek
	c.mu.Unlock()
	return dek, nil
}

func usable(meta *types.DataKey) error {
	if !meta.IsActive {
		return fmt.Errorf("key %s: %w", meta.KeyID, ErrKeyInactive)
	}
	if meta.Expired(time.Now()) {
		return fmt.Errorf("key %s: %w", meta.KeyID, ErrKeyExpired)
	}
	return nil
}

// Rotate issues a replacement key with the same purpose and marks the
// old key inactive. Material of the old key is kept until the operator
// discards it, so existing ciphertext stays readable.
func (c *Custody) Rotate(ctx context.Context, oldKeyID, owner string) (string, error) {
	oldMeta, _, err := c.store.GetKey(oldKeyID)
	if err != nil {
		return "", err
	}

	var expiresIn time.Duration
	if oldMeta.ExpiresAt != nil {
		expiresIn = time.Until(*oldMeta.ExpiresAt)
		if expiresIn <= 0 {
			expiresIn = 0
		}
	}

	newID, err := c.Issue(ctx, owner, oldMeta.Purpose, expiresIn)
	if err != nil {
		return "", err
	}

	oldMeta.IsActive = false
	if err := c.store.UpdateMeta(oldMeta); err != nil {
		return "", fmt.Errorf("failed to deactivate old key: %w", err)
	}

	c.mu.Lock()
	delete(c.cache, oldKeyID)
	c.mu.Unlock()

	c.logger.Info().Str("old_key_id", oldKeyID).Str("new_key_id", newID).Msg("rotated data key")
	return newID, nil
}

// Revoke marks a key inactive and evicts it from the cache
func (c *Custody) Revoke(ctx context.Context, keyID string) error {
	meta, _, err := c.store.GetKey(keyID)
	if err != nil {
		return err
	}
	meta.IsActive = false
	if err := c.store.UpdateMeta(meta); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.cache, keyID)
	c.mu.Unlock()

	c.logger.Info().Str("key_id", keyID).Msg("revoked key")
	return nil
}

// SweepExpired marks every expired-but-active key inactive. Runs on
// demand, not on a timer. Returns the number of keys swept.
func (c *Custody) SweepExpired(ctx context.Context) (int, error) {
	keys, err := c.store.ListKeys()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	swept := 0
	for _, meta := range keys {
		if !meta.IsActive || !meta.Expired(now) {
			continue
		}
		meta.IsActive = false
		if err := c.store.UpdateMeta(meta); err != nil {
			return swept, err
		}
		c.mu.Lock()
		delete(c.cache, meta.KeyID)
		c.mu.Unlock()
		swept++
	}

	if swept > 0 {
		c.logger.Info().Int("count", swept).Msg("swept expired keys")
	}
	return swept, nil
}

// RunSweepLoop deactivates expired keys on the configured rotation
// interval until ctx is canceled. Returns immediately when no interval
// is configured.
func (c *Custody) RunSweepLoop(ctx context.Context) {
	if c.cfg.RotationInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("key sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Describe returns a key's metadata
func (c *Custody) Describe(keyID string) (*types.DataKey, error) {
	meta, _, err := c.store.GetKey(keyID)
	return meta, err
}

// wrap seals a DEK under the KEK: iv || tag || ciphertext
func (c *Custody) wrap(dek []byte) ([]byte, error) {
	c.mu.RLock()
	kek := c.kek
	c.mu.RUnlock()
	if kek == nil {
		return nil, ErrMasterKeyMissing
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, dek, nil) // ciphertext || tag
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	envelope := make([]byte, 0, gcmIVSize+gcmTagSize+len(ct))
	envelope = append(envelope, iv...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ct...)
	return envelope, nil
}

// unwrap opens a wrap envelope. GCM is the current format; CBC
// envelopes from earlier deployments are decrypted but never rewritten.
func (c *Custody) unwrap(algorithm string, envelope []byte) ([]byte, error) {
	c.mu.RLock()
	kek := c.kek
	c.mu.RUnlock()
	if kek == nil {
		return nil, ErrMasterKeyMissing
	}

	switch algorithm {
	case AlgorithmGCM:
		return unwrapGCM(kek, envelope)
	case AlgorithmCBC:
		return unwrapCBC(kek, envelope)
	default:
		return nil, fmt.Errorf("unknown wrap algorithm %q: %w", algorithm, ErrWrapFormat)
	}
}

func unwrapGCM(kek, envelope []byte) ([]byte, error) {
	if len(envelope) < gcmIVSize+gcmTagSize {
		return nil, fmt.Errorf("envelope too short (%d bytes): %w", len(envelope), ErrWrapFormat)
	}
	iv := envelope[:gcmIVSize]
	tag := envelope[gcmIVSize : gcmIVSize+gcmTagSize]
	ct := envelope[gcmIVSize+gcmTagSize:]

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	dek, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", errdefs.ErrCrypto)
	}
	return dek, nil
}

func unwrapCBC(kek, envelope []byte) ([]byte, error) {
	if len(envelope) < aes.BlockSize*2 || len(envelope)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("CBC envelope has invalid length %d: %w", len(envelope), ErrWrapFormat)
	}
	iv := envelope[:aes.BlockSize]
	ct := envelope[aes.BlockSize:]

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	// PKCS#7 unpad
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("invalid CBC padding: %w", ErrWrapFormat)
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid CBC padding: %w", ErrWrapFormat)
		}
	}
	return plain[:len(plain)-pad], nil
}
