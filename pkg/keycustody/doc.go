/*
Package keycustody owns all key material in Custodia.

Data keys (DEKs) are 32-byte AES-256 keys issued per record. They are
stored only as wrap envelopes: the DEK is sealed under a key-encrypting
key (KEK) derived from the process master key via scrypt over a
versioned salt. The current envelope format is AES-256-GCM laid out as
iv || tag || ciphertext; legacy AES-256-CBC envelopes (iv || ciphertext)
are still unwrapped for ciphertext written by earlier deployments but
are never produced.

The master key comes from MASTER_KEY. When absent, a fresh key is
generated and logged for operator seeding, and every operation needing
the KEK fails until the process is restarted with the key configured.

Rotation issues a replacement key and deactivates the old one; the old
material survives until the operator discards it, so previously written
objects stay readable. Inactive or expired keys never yield plaintext.

Signing uses separate RSA-2048 pairs. The private half is wrapped like
a DEK; the public half is stored as PEM. Symmetric keys never sign.

State is process-scoped with explicit Open/Close and is injected into
consumers; there are no lazy singletons.
*/
package keycustody
