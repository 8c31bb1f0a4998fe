package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer computes the classification-header HMAC. The canonical message
// is the decision subset (target_folder, confidence, provider_name,
// model_name, message_id) serialized in that fixed order, comma
// separated, with confidence rendered to three decimals and no
// whitespace anywhere.
type Signer struct {
	key []byte
}

// NewSigner wraps a raw key. The key is held only in memory and is never
// logged or echoed.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// NewSignerFromStore resolves the key reference through the secret store.
func NewSignerFromStore(store SecretStore, ref string) (*Signer, error) {
	key, err := store.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("signer: resolve key %q: %w", ref, err)
	}
	return NewSigner(key), nil
}

// Canonical returns the exact byte string that gets signed.
func Canonical(d *ClassificationDecision, messageID string) string {
	return fmt.Sprintf("%s,%.3f,%s,%s,%s",
		d.TargetFolder, d.Confidence, d.ProviderName, d.ModelName, messageID)
}

// Sign returns the hex HMAC-SHA256 over the canonical serialization.
func (s *Signer) Sign(d *ClassificationDecision, messageID string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(Canonical(d, messageID)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func (s *Signer) Verify(d *ClassificationDecision, messageID, signature string) bool {
	expected, err := hex.DecodeString(s.Sign(d, messageID))
	if err != nil {
		return false
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}

// FormatHeader renders the classification header the client attaches to
// the message: category, confidence to three decimals, and the optional
// hex HMAC, in a stable key/value form.
func FormatHeader(d *ClassificationDecision) string {
	header := fmt.Sprintf("category=%s; confidence=%.3f", d.TargetFolder, d.Confidence)
	if d.Signature != "" {
		header += "; signature=" + d.Signature
	}
	return header
}
