package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateSigner reuses the key stored at path, or generates one and
// writes it there (hex, mode 0600). An empty path yields an ephemeral signer.
func LoadOrCreateSigner(path string) (*Signer, error) {
	if path == "" {
		return NewSigner()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode signing key %s: %w", path, err)
		}
		return NewSignerFromBytes(raw)
	case errors.Is(err, fs.ErrNotExist):
		s, err := NewSigner()
		if err != nil {
			return nil, err
		}
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create key directory: %w", err)
			}
		}
		encoded := hex.EncodeToString(s.PrivateKeyBytes()) + "\n"
		if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
			return nil, fmt.Errorf("write signing key %s: %w", path, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
}
