// SPDX-License-Identifier: MIT

package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- RFC 6238 mandates HMAC-SHA1
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	totpDigits = 6
	totpPeriod = 30 * time.Second
	// totpSkew accepts one step either side to absorb clock drift.
	totpSkew = 1
)

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTOTPSecret returns a fresh base32 secret for enrollment.
func GenerateTOTPSecret() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base32NoPad.EncodeToString(buf)
}

// ValidateTOTP checks a 6-digit code against the secret at the given time,
// accepting adjacent steps for clock drift. Comparison is constant time.
func ValidateTOTP(secret, code string, at time.Time) bool {
	if len(code) != totpDigits {
		return false
	}
	key, err := base32NoPad.DecodeString(secret)
	if err != nil {
		return false
	}

	counter := uint64(at.Unix()) / uint64(totpPeriod.Seconds())
	for delta := -totpSkew; delta <= totpSkew; delta++ {
		expected := hotp(key, counter+uint64(int64(delta))) // #nosec G115 -- bounded skew
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotp computes RFC 4226 HMAC-based one-time passwords.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000)
}
