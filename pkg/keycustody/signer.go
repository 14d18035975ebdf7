package keycustody

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/types"
)

const rsaKeyBits = 2048

// IssueSigningKey creates an RSA-2048 signing pair. The private half is
// wrapped under the KEK like any data key; the public half is stored as
// plain PEM. Symmetric keys never sign, signing keys never encrypt
// payloads.
func (c *Custody) IssueSigningKey(ctx context.Context, owner, purpose string) (string, error) {
	c.mu.RLock()
	seeded := c.seeded
	c.mu.RUnlock()
	if !seeded {
		return "", ErrMasterKeyMissing
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}

	privDER := x509.MarshalPKCS1PrivateKey(priv)
	wrapped, err := c.wrap(privDER)
	if err != nil {
		return "", err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	meta := &types.DataKey{
		KeyID:     uuid.NewString(),
		Owner:     owner,
		Purpose:   purpose,
		Algorithm: AlgorithmRSA,
		KeyType:   types.KeyTypeAsymmetric,
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}

	if err := c.store.PutKey(meta, wrapped); err != nil {
		return "", fmt.Errorf("failed to persist signing key: %w", err)
	}
	if err := c.store.PutPublicKey(meta.KeyID, pubPEM); err != nil {
		return "", fmt.Errorf("failed to persist public key: %w", err)
	}

	c.logger.Debug().Str("key_id", meta.KeyID).Str("owner", owner).Msg("issued signing key")
	return meta.KeyID, nil
}

// Sign produces an RSA PKCS#1 v1.5 signature over SHA-256(data)
func (c *Custody) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	meta, wrapped, err := c.store.GetKey(keyID)
	if err != nil {
		return nil, err
	}
	if err := usable(meta); err != nil {
		return nil, err
	}
	if meta.KeyType != types.KeyTypeAsymmetric {
		return nil, fmt.Errorf("key %s is not a signing key: %w", keyID, errdefs.ErrInvalidInput)
	}

	privDER, err := c.unwrap(AlgorithmGCM, wrapped)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParsePKCS1PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", errdefs.ErrCrypto)
	}

	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", errdefs.ErrCrypto)
	}
	return sig, nil
}

// Verify checks an RSA PKCS#1 v1.5 signature against the stored public
// half of keyID. It returns (false, nil) for a well-formed but invalid
// signature.
func (c *Custody) Verify(ctx context.Context, keyID string, data, sig []byte) (bool, error) {
	pubPEM, err := c.store.GetPublicKey(keyID)
	if err != nil {
		return false, err
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return false, fmt.Errorf("stored public key is not PEM: %w", errdefs.ErrCrypto)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %w", errdefs.ErrCrypto)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false, fmt.Errorf("stored public key is not RSA: %w", errdefs.ErrCrypto)
	}

	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		if errors.Is(err, rsa.ErrVerification) {
			return false, nil
		}
		return false, fmt.Errorf("failed to verify signature: %w", errdefs.ErrCrypto)
	}
	return true, nil
}
