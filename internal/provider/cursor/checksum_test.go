package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChecksum(t *testing.T) {
	got := checksum("test-token", time.UnixMilli(1767225600000))
	assert.Equal(t,
		"Umxud4TCa5bc8e5ea0589be62b4b1601e041ec15611d026fcb6abf44b9a67ea8c72dedcc/1538f40d643aa1019e96206111936ae78aace6b5fa57de94420001fcf4ea32a8",
		got)
}

func TestObfuscate(t *testing.T) {
	b := []byte{0, 0, 0, 0, 0, 0}
	obfuscate(b)
	assert.Equal(t, byte(165), b[0])
	assert.Equal(t, byte(165+1), b[1])
}

func TestIdentityHeaders(t *testing.T) {
	assert.Equal(t, "4c5dc9b7708905f77f5e5d16316b5dfb425e68cb326dcd55a860e90a7707031e", hashHex("test-token"))
	assert.Equal(t, "5c1603f1-95f2-5da8-a54d-be7355916214", sessionID("test-token"))
	assert.Equal(t, sessionID("test-token"), sessionID("test-token"))
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "tok", bearerToken("user_01::tok"))
	assert.Equal(t, "tok", bearerToken("user_01%3A%3Atok"))
	assert.Equal(t, "tok", bearerToken("tok"))
	assert.Empty(t, bearerToken(""))
}
