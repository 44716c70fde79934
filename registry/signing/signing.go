// Package signing makes node records tamper-evident.
//
// A record is serialized canonically (JSON with sorted keys at every level),
// hashed with SHA-256 and signed with a deterministic secp256k1 ECDSA
// signature. The verifying key travels inside the record as public_key, so
// any holder of the envelope can check it.
package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/isekhub/isekreg/registry"
)

// Envelope is a node record bundled with the signature over its canonical form.
type Envelope struct {
	NodeInfo  registry.NodeRecord `json:"node_info"`
	Signature string              `json:"signature"`
}

// canonicalRecord fixes the field order of the serialized record alphabetically.
// encoding/json already sorts map keys, which covers metadata.
type canonicalRecord struct {
	Host      string         `json:"host"`
	Metadata  map[string]any `json:"metadata"`
	NodeID    string         `json:"node_id"`
	Port      int            `json:"port"`
	PublicKey string         `json:"public_key"`
}

// Canonical returns the deterministic serialization of a record that is
// signed and verified.
func Canonical(r registry.NodeRecord) ([]byte, error) {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalRecord{
		Host:      r.Host,
		Metadata:  meta,
		NodeID:    r.NodeID,
		Port:      r.Port,
		PublicKey: r.PublicKey,
	}); err != nil {
		return nil, fmt.Errorf("canonical encode of node %s: %w", r.NodeID, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func digest(r registry.NodeRecord) ([]byte, error) {
	data, err := Canonical(r)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Signer signs node records with one secp256k1 key.
type Signer struct {
	priv *btcec.PrivateKey
}

// NewSigner generates a fresh key.
func NewSigner() (*Signer, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// NewSignerFromBytes restores a signer from a 32-byte private key.
func NewSignerFromBytes(b []byte) (*Signer, error) {
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(b))
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return &Signer{priv: priv}, nil
}

// PrivateKeyBytes returns the raw private key for persistence.
func (s *Signer) PrivateKeyBytes() []byte {
	return s.priv.Serialize()
}

// PublicKeyBase64 returns the compressed verifying key, base64 encoded.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// Sign stamps the record with this signer's public key and signs it.
func (s *Signer) Sign(r registry.NodeRecord) (Envelope, error) {
	r.PublicKey = s.PublicKeyBase64()
	hash, err := digest(r)
	if err != nil {
		return Envelope{}, err
	}
	// RFC6979 nonces: the same record always yields the same signature.
	sig := ecdsa.Sign(s.priv, hash)
	return Envelope{
		NodeInfo:  r,
		Signature: base64.StdEncoding.EncodeToString(sig.Serialize()),
	}, nil
}

// Verify checks the envelope signature against the public key stored in the
// record. Every failure wraps registry.ErrSignatureInvalid.
func Verify(env Envelope) error {
	id := env.NodeInfo.NodeID
	if env.NodeInfo.PublicKey == "" {
		return fmt.Errorf("node %s: missing public key: %w", id, registry.ErrSignatureInvalid)
	}
	pubBytes, err := base64.StdEncoding.DecodeString(env.NodeInfo.PublicKey)
	if err != nil {
		return fmt.Errorf("node %s: decode public key: %v: %w", id, err, registry.ErrSignatureInvalid)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("node %s: parse public key: %v: %w", id, err, registry.ErrSignatureInvalid)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("node %s: decode signature: %v: %w", id, err, registry.ErrSignatureInvalid)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("node %s: parse signature: %v: %w", id, err, registry.ErrSignatureInvalid)
	}
	hash, err := digest(env.NodeInfo)
	if err != nil {
		return fmt.Errorf("node %s: %v: %w", id, err, registry.ErrSignatureInvalid)
	}
	if !sig.Verify(hash, pub) {
		return fmt.Errorf("node %s: signature does not match record: %w", id, registry.ErrSignatureInvalid)
	}
	return nil
}

// VerifyWithKey is Verify plus a check that the record was signed by the
// expected key.
func VerifyWithKey(env Envelope, publicKeyBase64 string) error {
	if env.NodeInfo.PublicKey != publicKeyBase64 {
		return fmt.Errorf("node %s: record signed by a different key: %w", env.NodeInfo.NodeID, registry.ErrSignatureInvalid)
	}
	return Verify(env)
}

// Marshal encodes an envelope for storage.
func Marshal(env Envelope) ([]byte, error) {
	if env.NodeInfo.Metadata == nil {
		env.NodeInfo.Metadata = map[string]any{}
	}
	return json.Marshal(env)
}

// Unmarshal decodes a stored envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.NodeInfo.Metadata == nil {
		env.NodeInfo.Metadata = map[string]any{}
	}
	return env, nil
}
