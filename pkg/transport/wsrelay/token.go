package wsrelay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/lifert/life/pkg/lifeerr"
	"github.com/lifert/life/pkg/transport"
)

// Compile-time interface assertion.
var _ transport.TokenSource = (*TokenSource)(nil)

// TokenSource mints relay join tokens: base64url(identity).base64url(room).sig
// where sig is an HMAC-SHA256 over "room\nidentity" keyed with the shared
// relay secret. The relay server verifies the same construction.
type TokenSource struct {
	secret []byte
}

// NewTokenSource creates a TokenSource from the shared relay secret.
func NewTokenSource(secret string) (*TokenSource, error) {
	if secret == "" {
		return nil, errors.New("wsrelay: relay secret must not be empty")
	}
	return &TokenSource{secret: []byte(secret)}, nil
}

// CreateToken implements transport.TokenSource.
func (ts *TokenSource) CreateToken(_ context.Context, room, identity string) (string, error) {
	if room == "" || identity == "" {
		return "", lifeerr.New(lifeerr.Validation, "wsrelay: room and identity are required")
	}
	enc := base64.RawURLEncoding
	return fmt.Sprintf("%s.%s.%s",
		enc.EncodeToString([]byte(identity)),
		enc.EncodeToString([]byte(room)),
		enc.EncodeToString(ts.sign(room, identity)),
	), nil
}

// Verify checks a token against the room it claims. It returns the embedded
// identity on success. The relay server side of the handshake uses this; it
// lives here so client and server agree on one implementation.
func (ts *TokenSource) Verify(token, room string) (identity string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", lifeerr.New(lifeerr.Forbidden, "wsrelay: malformed token")
	}
	enc := base64.RawURLEncoding
	idBytes, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", lifeerr.New(lifeerr.Forbidden, "wsrelay: malformed token")
	}
	roomBytes, err := enc.DecodeString(parts[1])
	if err != nil || string(roomBytes) != room {
		return "", lifeerr.New(lifeerr.Forbidden, "wsrelay: token is for a different room")
	}
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", lifeerr.New(lifeerr.Forbidden, "wsrelay: malformed token")
	}
	if !hmac.Equal(sig, ts.sign(room, string(idBytes))) {
		return "", lifeerr.New(lifeerr.Forbidden, "wsrelay: bad token signature")
	}
	return string(idBytes), nil
}

func (ts *TokenSource) sign(room, identity string) []byte {
	mac := hmac.New(sha256.New, ts.secret)
	mac.Write([]byte(room))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(identity))
	return mac.Sum(nil)
}
