package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKey = errors.New("unknown key id")

// Envelope is the stored form of a sealed credential. Label is bound into the
// ciphertext as associated data, so an envelope cannot be replayed under
// another label.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Label      string `json:"label"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault seals provider credentials at rest with AES-256-GCM. It holds every
// known master key so envelopes written under a retired key stay readable.
type Vault struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewVault(currentKeyID string, keys map[string][]byte) (*Vault, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Vault{currentKeyID: currentKeyID, keys: cp}, nil
}

func (v *Vault) CurrentKeyID() string {
	return v.currentKeyID
}

// Seal encrypts secret under the current key and returns the JSON envelope.
func (v *Vault) Seal(label, secret string) (string, error) {
	aead, err := v.aead(v.currentKeyID)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	env := Envelope{
		KeyID:      v.currentKeyID,
		Label:      label,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(secret), []byte(label))),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

// Open decrypts an envelope produced by Seal. The label must match.
func (v *Vault) Open(label, raw string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Label != label {
		return "", fmt.Errorf("envelope label %q does not match %q", env.Label, label)
	}
	aead, err := v.aead(env.KeyID)
	if err != nil {
		return "", err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Reseal re-encrypts raw under the current key. Envelopes already on the
// current key are returned unchanged.
func (v *Vault) Reseal(label, raw string) (string, bool, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", false, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.KeyID == v.currentKeyID {
		return raw, false, nil
	}
	plain, err := v.Open(label, raw)
	if err != nil {
		return "", false, err
	}
	sealed, err := v.Seal(label, plain)
	if err != nil {
		return "", false, err
	}
	return sealed, true, nil
}

func (v *Vault) aead(keyID string) (cipher.AEAD, error) {
	key, ok := v.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
