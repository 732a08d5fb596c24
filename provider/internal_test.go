package provider

import (
	"crypto"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effective-security/pkcs11sign/p11token"
)

var p11tokenTestConfig = p11token.TokenConfig{
	Path:       "/usr/lib/softhsm/libsofthsm2.so",
	TokenLabel: "unit-test",
	Pin:        "1234",
}

func Test_AsymMechanism(t *testing.T) {
	p := &Provider{}

	tcases := []struct {
		name string
		octx *OpCtx
		mech uint
	}{
		{"default", &OpCtx{}, pkcs11.CKM_RSA_PKCS},
		{"pkcs1", &OpCtx{PadMode: "pkcs1"}, pkcs11.CKM_RSA_PKCS},
		{"pkcs1-numeric", &OpCtx{PadMode: "1"}, pkcs11.CKM_RSA_PKCS},
		{"none", &OpCtx{PadMode: "none"}, pkcs11.CKM_RSA_X_509},
		{"none-numeric", &OpCtx{PadMode: "3"}, pkcs11.CKM_RSA_X_509},
		{"oaep", &OpCtx{PadMode: "oaep"}, pkcs11.CKM_RSA_PKCS_OAEP},
		{"oaep-numeric", &OpCtx{PadMode: "4", Digest: crypto.SHA256}, pkcs11.CKM_RSA_PKCS_OAEP},
		{"oaep-mgf1", &OpCtx{PadMode: "oaep", Digest: crypto.SHA256, MGF1: crypto.SHA1}, pkcs11.CKM_RSA_PKCS_OAEP},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mech, err := p.asymMechanism(tc.octx)
			require.NoError(t, err)
			assert.Equal(t, tc.mech, mech.Mechanism)
		})
	}

	_, err := p.asymMechanism(&OpCtx{PadMode: "pss"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid padding mode "pss"`)

	_, err = p.asymMechanism(&OpCtx{PadMode: "oaep", Digest: crypto.MD5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported digest")
}

func Test_HashByName(t *testing.T) {
	tcases := []struct {
		name string
		h    crypto.Hash
	}{
		{"SHA1", crypto.SHA1},
		{"SHA-1", crypto.SHA1},
		{"sha224", crypto.SHA224},
		{"SHA256", crypto.SHA256},
		{"SHA-256", crypto.SHA256},
		{"SHA2-256", crypto.SHA256},
		{"sha2-384", crypto.SHA384},
		{"SHA512", crypto.SHA512},
	}
	for _, tc := range tcases {
		h, err := hashByName(tc.name)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.h, h, tc.name)
	}

	_, err := hashByName("MD5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported digest: "MD5"`)
	_, err = hashByName("")
	require.Error(t, err)
}

func Test_ForwardName(t *testing.T) {
	assert.Equal(t, "default", (&Config{}).forwardName())
	assert.Equal(t, "base", (&Config{Forward: "base"}).forwardName())
	assert.Equal(t, "base", (&Config{Forward: "provider=base"}).forwardName())
	assert.Equal(t, "default", (&Config{Forward: "provider="}).forwardName())
}

func Test_NewConfig(t *testing.T) {
	assert.Equal(t, &Config{}, NewConfig(nil))

	cfg := NewConfig(&p11tokenTestConfig)
	assert.Equal(t, "/usr/lib/softhsm/libsofthsm2.so", cfg.ModulePath)
	assert.Equal(t, "unit-test", cfg.TokenLabel)
	assert.Equal(t, "1234", cfg.Pin)
	assert.Equal(t, "default", cfg.forwardName())

	tc := cfg.tokenConfig()
	assert.Equal(t, p11tokenTestConfig, *tc)
}
