package gate

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/basket/aegis/internal/policy"
)

// Authenticator verifies a human-supplied credential for a role.
type Authenticator interface {
	Verify(role policy.Role, credential string) error
}

// PINAuthenticator verifies a static PIN in constant time.
type PINAuthenticator struct {
	pin string
}

// NewPINAuthenticator creates a PIN authenticator. The PIN is held in
// memory only; it is never logged or persisted.
func NewPINAuthenticator(pin string) *PINAuthenticator {
	return &PINAuthenticator{pin: pin}
}

func (a *PINAuthenticator) Verify(role policy.Role, credential string) error {
	if role.Auth != policy.AuthPIN {
		return fmt.Errorf("role %q does not use pin auth", role.Name)
	}
	if a.pin == "" {
		return fmt.Errorf("no pin configured")
	}
	if subtle.ConstantTimeCompare([]byte(a.pin), []byte(credential)) != 1 {
		return fmt.Errorf("invalid pin")
	}
	return nil
}

// TOTPAuthenticator verifies RFC 6238 time-based one-time codes
// (SHA-1, 6 digits, 30-second step, one step of clock skew either way).
type TOTPAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewTOTPAuthenticator creates a TOTP authenticator from a base32 secret.
func NewTOTPAuthenticator(base32Secret string) (*TOTPAuthenticator, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(base32Secret, " ", ""))
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	return &TOTPAuthenticator{secret: secret, now: time.Now}, nil
}

func (a *TOTPAuthenticator) Verify(role policy.Role, credential string) error {
	if role.Auth != policy.AuthTOTP {
		return fmt.Errorf("role %q does not use totp auth", role.Name)
	}
	credential = strings.TrimSpace(credential)
	counter := uint64(a.now().Unix() / 30)
	for _, c := range []uint64{counter, counter - 1, counter + 1} {
		if subtle.ConstantTimeCompare([]byte(totpCode(a.secret, c)), []byte(credential)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("invalid totp code")
}

func totpCode(secret []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000)
}

// AuthenticatorFor selects an authenticator implementation for a role's
// configured auth method.
func AuthenticatorFor(role policy.Role, pin, totpSecret string) (Authenticator, error) {
	switch role.Auth {
	case policy.AuthPIN:
		return NewPINAuthenticator(pin), nil
	case policy.AuthTOTP:
		return NewTOTPAuthenticator(totpSecret)
	case policy.AuthNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown auth method %q", role.Auth)
}
