package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidToken is returned for tampered or malformed unsubscribe tokens.
var ErrInvalidToken = errors.New("invalid unsubscribe token")

// SignUnsubscribe builds the unsubscribe token for a mail preferences id:
// the id followed by a hex HMAC over it. The token goes into mail footers
// and must stay valid without a session, so it is derived from the server
// key rather than any user credential.
func SignUnsubscribe(serverKey []byte, prefsID string) string {
	return prefsID + "." + sign(serverKey, prefsID)
}

// VerifyUnsubscribe checks a token and returns the mail preferences id.
func VerifyUnsubscribe(serverKey []byte, token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" {
		return "", ErrInvalidToken
	}
	expected := sign(serverKey, parts[0])
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return "", ErrInvalidToken
	}
	return parts[0], nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return hex.EncodeToString(sum.Sum(nil))
}
