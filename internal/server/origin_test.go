package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOriginPolicyAllowed(t *testing.T) {
	policy := NewOriginPolicy([]string{
		"https://app.example",
		"HTTP://LOCALHOST:3000",
		"https://*.vercel.app",
		"not a url",
		"",
	})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"exact match", "https://app.example", true},
		{"case insensitive", "HTTPS://APP.EXAMPLE", true},
		{"port must match", "http://localhost:3000", true},
		{"other port", "http://localhost:3001", false},
		{"scheme must match", "http://app.example", false},
		{"wildcard subdomain", "https://my-app-git-main.vercel.app", true},
		{"wildcard needs a label", "https://vercel.app", false},
		{"wildcard is single label", "https://a.b.vercel.app", false},
		{"wildcard scheme", "http://preview.vercel.app", false},
		{"suffix lookalike", "https://evilvercel.app", false},
		{"unknown", "https://evil.example", false},
		{"missing origin", "", false},
		{"garbage", "::::", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Allowed(tt.origin))
		})
	}
	assert.False(t, policy.AllowAll())
}

func TestOriginPolicyAllowAll(t *testing.T) {
	policy := NewOriginPolicy([]string{" * "})

	assert.True(t, policy.AllowAll())
	assert.True(t, policy.Allowed(""))
	assert.True(t, policy.Allowed("https://anything.example"))
}

func TestOriginPolicyEmptyAllowsNothing(t *testing.T) {
	policy := NewOriginPolicy(nil)
	assert.False(t, policy.Allowed("https://app.example"))
	assert.True(t, policy.Empty())

	assert.True(t, NewOriginPolicy([]string{"not a url", " "}).Empty())
	assert.False(t, NewOriginPolicy([]string{"*"}).Empty())
	assert.False(t, NewOriginPolicy([]string{"https://*.vercel.app"}).Empty())
}

func TestCheckOrigin(t *testing.T) {
	check := NewOriginPolicy([]string{"https://app.example"}).CheckOrigin(zap.NewNop())

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://app.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
