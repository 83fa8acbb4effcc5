package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveKey(t *testing.T) {
	t.Parallel()

	anon := Request{Address: "10.0.0.1"}
	authed := Request{Address: "10.0.0.1", Identity: "user-42"}

	cases := []struct {
		name     string
		strategy KeyStrategy
		req      Request
		want     Key
	}{
		{"default anonymous", KeyByDefault, anon, Key{"addr:10.0.0.1", KeyKindAddress}},
		{"default authenticated", KeyByDefault, authed, Key{"identity:user-42", KeyKindIdentity}},
		{"empty strategy behaves as default", "", authed, Key{"identity:user-42", KeyKindIdentity}},
		{"auth uses attempted credential", KeyByAuth, Request{Address: "10.0.0.1", Identity: "user-42", Credential: " Alice@Example.com "}, Key{"auth:10.0.0.1:alice@example.com", KeyKindCredential}},
		{"auth without credential", KeyByAuth, anon, Key{"auth:10.0.0.1:-", KeyKindCredential}},
		{"kyc authenticated", KeyByKYC, authed, Key{"kyc:user-42", KeyKindIdentity}},
		{"kyc falls back to address", KeyByKYC, anon, Key{"addr:10.0.0.1", KeyKindAddress}},
		{"address ignores identity", KeyByAddress, authed, Key{"addr:10.0.0.1", KeyKindAddress}},
		{"missing address", KeyByDefault, Request{}, Key{"addr:unknown", KeyKindAddress}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ResolveKey(tc.strategy, tc.req), tc.name)
	}
}

func TestKey_Blockable(t *testing.T) {
	t.Parallel()

	assert.False(t, Key{Kind: KeyKindIdentity}.Blockable())
	assert.True(t, Key{Kind: KeyKindAddress}.Blockable())
	assert.True(t, Key{Kind: KeyKindCredential}.Blockable())
}

func TestLimitKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "api:addr:1.2.3.4", LimitKey("api", Key{Value: "addr:1.2.3.4"}))
}
