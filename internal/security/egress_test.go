package security

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"nowhere-ai/internal/domain"
)

func TestIsReservedIP(t *testing.T) {
	reserved := []string{
		"10.0.0.1", "10.255.255.255",
		"172.16.0.1", "172.31.255.255",
		"192.168.0.1", "127.0.0.1",
		"169.254.1.1", "0.0.0.0",
		"::1", "fc00::1", "fe80::1",
		"::ffff:192.168.1.1",
	}
	for _, s := range reserved {
		assert.True(t, IsReservedIP(net.ParseIP(s)), s)
	}

	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2606:4700::1111"}
	for _, s := range public {
		assert.False(t, IsReservedIP(net.ParseIP(s)), s)
	}
}

func TestValidateURLSchemes(t *testing.T) {
	g := EgressGuard{}
	assert.Error(t, g.ValidateURL("ftp://example.com/models"))
	assert.Error(t, g.ValidateURL("file:///etc/passwd"))
	assert.Error(t, g.ValidateURL("http://"))
}

func TestValidateURLBlocksReservedLiterals(t *testing.T) {
	g := EgressGuard{}
	for _, u := range []string{
		"http://127.0.0.1:8080/v1",
		"http://10.1.2.3/v1",
		"https://192.168.0.10/v1",
		"http://[::1]:9000/v1",
	} {
		err := g.ValidateURL(u)
		assert.True(t, errors.Is(err, domain.ErrProviderRejected), u)
	}
}

func TestValidateURLAllowPrivate(t *testing.T) {
	g := EgressGuard{AllowPrivate: true}
	assert.NoError(t, g.ValidateURL("http://127.0.0.1:8080/v1"))
	assert.NoError(t, g.ValidateURL("http://192.168.0.10/v1"))
	// Scheme policy still applies.
	assert.Error(t, g.ValidateURL("gopher://127.0.0.1/v1"))
}
