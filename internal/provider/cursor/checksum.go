package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// checksum builds the x-cursor-checksum header. The timestamp layout mirrors
// the official client, whose 32-bit shifts wrap the two leading bytes onto
// bits 8..15 and 0..7.
func checksum(token string, now time.Time) string {
	ts := now.UnixMilli() / 1e6
	b := []byte{
		byte(ts >> 8),
		byte(ts),
		byte(ts >> 24),
		byte(ts >> 16),
		byte(ts >> 8),
		byte(ts),
	}
	obfuscate(b)
	return base64.StdEncoding.EncodeToString(b) + hashHex(token+"machineId") + "/" + hashHex(token+"macMachineId")
}

func obfuscate(b []byte) {
	t := byte(165)
	for i := range b {
		b[i] = (b[i] ^ t) + byte(i)
		t = b[i]
	}
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// sessionID is stable per token.
func sessionID(token string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(token)).String()
}

// bearerToken strips the "userId::" prefix some exported tokens carry.
func bearerToken(token string) string {
	for _, sep := range []string{"::", "%3A%3A"} {
		if i := strings.Index(token, sep); i >= 0 {
			return token[i+len(sep):]
		}
	}
	return token
}
