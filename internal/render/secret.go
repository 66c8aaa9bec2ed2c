package render

import (
	"fmt"
	"regexp"

	"github.com/barryq93/promsql/internal/utils"
)

var encryptedToken = regexp.MustCompile(`ENC\(([A-Za-z0-9+/=]+)\)`)

// Decrypter replaces ENC(<base64>) tokens with the plaintext of values
// produced by utils.Encrypt.
type Decrypter struct {
	key []byte
}

// NewDecrypter fails unless key is a valid AES key length.
func NewDecrypter(key []byte) (*Decrypter, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	return &Decrypter{key: append([]byte(nil), key...)}, nil
}

func (d *Decrypter) Render(template string) (string, error) {
	var firstErr error
	out := encryptedToken.ReplaceAllStringFunc(template, func(token string) string {
		if firstErr != nil {
			return token
		}
		plain, err := utils.Decrypt(d.key, encryptedToken.FindStringSubmatch(token)[1])
		if err != nil {
			firstErr = &RenderError{Err: fmt.Errorf("decrypting value: %w", err)}
			return token
		}
		return plain
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Chain applies renderers in order, feeding each the previous output.
type Chain []Renderer

func (c Chain) Render(template string) (string, error) {
	out := template
	for _, r := range c {
		var err error
		if out, err = r.Render(out); err != nil {
			return "", err
		}
	}
	return out, nil
}
