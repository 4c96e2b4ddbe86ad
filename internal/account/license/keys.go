package license

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	keyAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keySegmentLen = 4
	keySegments   = 2

	// Largest multiple of len(keyAlphabet) that fits in a byte; bytes at or
	// above it are rejected so every character is equally likely.
	keyByteCeiling = 252
)

var prefixPattern = regexp.MustCompile(`^[A-Z0-9]+$`)

// KeyFormat generates and validates keys shaped PREFIX-XXXX-XXXX.
type KeyFormat struct {
	prefix  string
	pattern *regexp.Regexp
}

// NewKeyFormat returns the key format for prefix (uppercase alphanumerics).
func NewKeyFormat(prefix string) (KeyFormat, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if !prefixPattern.MatchString(prefix) {
		return KeyFormat{}, fmt.Errorf("license key prefix %q must be uppercase letters and digits", prefix)
	}
	pattern := regexp.MustCompile(fmt.Sprintf(`^%s(-[A-Z0-9]{%d}){%d}$`, regexp.QuoteMeta(prefix), keySegmentLen, keySegments))
	return KeyFormat{prefix: prefix, pattern: pattern}, nil
}

// Prefix returns the configured key prefix.
func (f KeyFormat) Prefix() string {
	return f.prefix
}

// Valid reports whether key (already normalized) matches the format.
func (f KeyFormat) Valid(key string) bool {
	return f.pattern != nil && f.pattern.MatchString(key)
}

// Generate returns a random key. Uniqueness is the caller's job.
func (f KeyFormat) Generate() (string, error) {
	const n = keySegmentLen * keySegments
	chars := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(chars) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate license key: %w", err)
		}
		for _, b := range buf {
			if b >= keyByteCeiling {
				continue
			}
			chars = append(chars, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(chars) == n {
				break
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(f.prefix)
	for i := 0; i < keySegments; i++ {
		sb.WriteByte('-')
		sb.Write(chars[i*keySegmentLen : (i+1)*keySegmentLen])
	}
	return sb.String(), nil
}

// NormalizeKey trims and uppercases a presented key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
