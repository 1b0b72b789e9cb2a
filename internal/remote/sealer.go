package remote

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealAlgorithm = "XChaCha20-Poly1305"

// sealedEnvelope replaces a payload on the wire. Only the payload is sealed;
// ids, timestamps and operations stay readable for routing and dedup.
type sealedEnvelope struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Nonce     []byte `json:"nonce"`
	Data      []byte `json:"data"`
}

// Sealer encrypts record payloads with a key shared by device and service.
// A nil *Sealer passes payloads through unchanged.
type Sealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewSealer creates a sealer from a 32-byte key
func NewSealer(key []byte, keyID string) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("invalid key length: must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if keyID == "" {
		keyID = "v1"
	}
	return &Sealer{aead: aead, keyID: keyID}, nil
}

// NewSealerFromHex decodes a hex key. An empty string disables sealing.
func NewSealerFromHex(keyHex string) (*Sealer, error) {
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid key format: %w", err)
	}
	return NewSealer(key, "v1")
}

// Seal wraps a JSON payload into a sealed envelope
func (s *Sealer) Seal(plain json.RawMessage) (json.RawMessage, error) {
	if s == nil || len(plain) == 0 {
		return plain, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := sealedEnvelope{
		Algorithm: sealAlgorithm,
		KeyID:     s.keyID,
		Nonce:     nonce,
		Data:      s.aead.Seal(nil, nonce, plain, []byte(s.keyID)),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return out, nil
}

// Open returns the plaintext of a sealed payload. Payloads that are not
// sealed envelopes are returned as they are.
func (s *Sealer) Open(doc json.RawMessage) (json.RawMessage, error) {
	env, ok := parseEnvelope(doc)
	if !ok {
		return doc, nil
	}
	if s == nil {
		return nil, fmt.Errorf("payload is sealed but no key is configured")
	}
	if env.KeyID != s.keyID {
		return nil, fmt.Errorf("payload sealed with unknown key %q", env.KeyID)
	}

	plain, err := s.aead.Open(nil, env.Nonce, env.Data, []byte(env.KeyID))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether doc is a sealed envelope
func IsSealed(doc json.RawMessage) bool {
	_, ok := parseEnvelope(doc)
	return ok
}

func parseEnvelope(doc json.RawMessage) (sealedEnvelope, bool) {
	var env sealedEnvelope
	if len(doc) == 0 || doc[0] != '{' {
		return env, false
	}
	if err := json.Unmarshal(doc, &env); err != nil {
		return env, false
	}
	return env, env.Algorithm == sealAlgorithm && len(env.Nonce) > 0
}
