package p11token_test

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"
	"slices"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effective-security/pkcs11sign/p11token"
)

type fakeObject struct {
	handle pkcs11.ObjectHandle
	attrs  []*pkcs11.Attribute
}

type fakeCtx struct {
	initErr  error
	loginErr error
	signErr  error

	tokens  map[uint]pkcs11.TokenInfo
	objects []fakeObject

	signOut    []byte
	decryptOut []byte

	finalized int
	destroyed int
	opened    int
	closed    int
	logins    []string

	pending  []pkcs11.ObjectHandle
	signKey  pkcs11.ObjectHandle
	signData []byte
	mechs    []*pkcs11.Mechanism
}

func (f *fakeCtx) Initialize() error { return f.initErr }
func (f *fakeCtx) Finalize() error   { f.finalized++; return nil }
func (f *fakeCtx) Destroy()          { f.destroyed++ }

func (f *fakeCtx) GetInfo() (pkcs11.Info, error) {
	return pkcs11.Info{
		CryptokiVersion:    pkcs11.Version{Major: 2, Minor: 40},
		ManufacturerID:     "fake",
		LibraryDescription: "fake pkcs11 module",
	}, nil
}

func (f *fakeCtx) GetSlotList(tokenPresent bool) ([]uint, error) {
	slots := make([]uint, 0, len(f.tokens))
	for id := range f.tokens {
		slots = append(slots, id)
	}
	slices.Sort(slots)
	return slots, nil
}

func (f *fakeCtx) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	return pkcs11.SlotInfo{SlotDescription: "fake slot", ManufacturerID: "fake"}, nil
}

func (f *fakeCtx) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	ti, ok := f.tokens[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return ti, nil
}

func (f *fakeCtx) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	f.opened++
	return pkcs11.SessionHandle(f.opened), nil
}

func (f *fakeCtx) CloseSession(sh pkcs11.SessionHandle) error {
	f.closed++
	return nil
}

func (f *fakeCtx) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	if f.loginErr != nil {
		return f.loginErr
	}
	f.logins = append(f.logins, pin)
	return nil
}

func (f *fakeCtx) Logout(sh pkcs11.SessionHandle) error { return nil }

func (f *fakeCtx) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	f.pending = nil
	for _, obj := range f.objects {
		if matchTemplate(obj.attrs, temp) {
			f.pending = append(f.pending, obj.handle)
		}
	}
	return nil
}

func (f *fakeCtx) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	n := len(f.pending)
	if n > max {
		n = max
	}
	res := f.pending[:n]
	f.pending = f.pending[n:]
	return res, len(f.pending) > 0, nil
}

func (f *fakeCtx) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	f.pending = nil
	return nil
}

func (f *fakeCtx) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	var obj *fakeObject
	for i := range f.objects {
		if f.objects[i].handle == o {
			obj = &f.objects[i]
			break
		}
	}
	if obj == nil {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}

	res := make([]*pkcs11.Attribute, 0, len(a))
	for _, req := range a {
		found := false
		for _, attr := range obj.attrs {
			if attr.Type == req.Type {
				res = append(res, pkcs11.NewAttribute(attr.Type, attr.Value))
				found = true
				break
			}
		}
		if !found {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
	}
	return res, nil
}

func (f *fakeCtx) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	f.mechs = m
	f.signKey = o
	return nil
}

func (f *fakeCtx) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	f.signData = message
	return f.signOut, nil
}

func (f *fakeCtx) DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	f.mechs = m
	return nil
}

func (f *fakeCtx) Decrypt(sh pkcs11.SessionHandle, cipher []byte) ([]byte, error) {
	return f.decryptOut, nil
}

func matchTemplate(attrs, temp []*pkcs11.Attribute) bool {
	for _, t := range temp {
		ok := false
		for _, a := range attrs {
			if a.Type == t.Type && bytes.Equal(a.Value, t.Value) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{
		tokens: map[uint]pkcs11.TokenInfo{
			0: {Label: "dev-token", SerialNumber: "0123", ManufacturerID: "fake ", Model: "soft "},
			1: {Label: "prod-token", SerialNumber: "4567", ManufacturerID: "fake ", Model: "soft "},
		},
	}
}

func withFakeCtx(t *testing.T, f *fakeCtx) {
	t.Helper()
	orig := p11token.CtxFactory
	p11token.CtxFactory = func(path string) p11token.Ctx {
		return f
	}
	t.Cleanup(func() {
		p11token.CtxFactory = orig
	})
}

func privKeyObject(handle pkcs11.ObjectHandle, label, id string, keyType uint) fakeObject {
	return fakeObject{
		handle: handle,
		attrs: []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
			pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(id)),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
		},
	}
}

func ecPublicObject(t *testing.T, handle pkcs11.ObjectHandle, label, id string, priv *ecdsa.PrivateKey) fakeObject {
	t.Helper()
	ecParams, err := asn1.Marshal(asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7})
	require.NoError(t, err)
	point, err := asn1.Marshal(elliptic.Marshal(elliptic.P256(), priv.X, priv.Y))
	require.NoError(t, err)
	return fakeObject{
		handle: handle,
		attrs: []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
			pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(id)),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, ecParams),
			pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, point),
		},
	}
}

func Test_Load(t *testing.T) {
	f := newFakeCtx()
	withFakeCtx(t, f)

	_, err := p11token.Load(nil)
	require.Error(t, err)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so", TokenSerial: "4567"})
	require.NoError(t, err)
	require.NotNil(t, m.Slot)
	assert.Equal(t, uint(1), m.Slot.ID)
	assert.Equal(t, "prod-token", m.Slot.Label)
	assert.Equal(t, "fake", m.Slot.Manufacturer)
	assert.Equal(t, "/usr/lib/fake.so", m.Path())

	m.Close()
	m.Close()
	assert.Equal(t, 1, f.finalized)
	assert.Equal(t, 1, f.destroyed)
}

func Test_LoadByLabel(t *testing.T) {
	f := newFakeCtx()
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so", TokenLabel: "dev-token"})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, uint(0), m.Slot.ID)
	assert.Equal(t, "0123", m.Slot.Serial)
}

func Test_LoadFirstToken(t *testing.T) {
	f := newFakeCtx()
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, uint(0), m.Slot.ID)
}

func Test_LoadTokenNotFound(t *testing.T) {
	f := newFakeCtx()
	withFakeCtx(t, f)

	_, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so", TokenSerial: "9999"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token not found")
	assert.Equal(t, 1, f.destroyed)
}

func Test_LoadAlreadyInitialized(t *testing.T) {
	f := newFakeCtx()
	f.initErr = pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	m.Close()
}

func Test_LoadInitError(t *testing.T) {
	f := newFakeCtx()
	f.initErr = pkcs11.Error(pkcs11.CKR_GENERAL_ERROR)
	withFakeCtx(t, f)

	_, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize module")
	assert.Equal(t, 1, f.destroyed)
}

func Test_TokensInfo(t *testing.T) {
	f := newFakeCtx()
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	list, err := m.TokensInfo()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dev-token", list[0].Label)
	assert.Equal(t, "soft", list[0].Model)
	assert.Equal(t, "prod-token", list[1].Label)
}

func Test_EnumKeys(t *testing.T) {
	f := newFakeCtx()
	f.objects = []fakeObject{
		privKeyObject(1, "signing-key", "01", pkcs11.CKK_EC),
		privKeyObject(2, "tls-key", "02", pkcs11.CKK_RSA),
		{
			handle: 3,
			attrs: []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, "signing-key"),
				pkcs11.NewAttribute(pkcs11.CKA_ID, []byte("01")),
				pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
			},
		},
	}
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so", Pin: "1234"})
	require.NoError(t, err)
	defer m.Close()

	keys, err := m.EnumKeys("")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "signing-key", keys[0].Label)
	assert.Equal(t, "EC", keys[0].Type)
	assert.Equal(t, "private", keys[0].Class)
	assert.Equal(t, "tls-key", keys[1].Label)
	assert.Equal(t, "RSA", keys[1].Type)

	keys, err = m.EnumKeys("tls")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "02", keys[0].ID)

	assert.Equal(t, []string{"1234", "1234"}, f.logins)
}

func Test_Sign(t *testing.T) {
	f := newFakeCtx()
	f.objects = []fakeObject{privKeyObject(7, "signing-key", "01", pkcs11.CKK_EC)}
	f.signOut = []byte("raw-signature")
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	digest := make([]byte, 32)
	mechs := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}

	sig, err := m.Sign("signing-key", "", mechs, digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-signature"), sig)
	assert.Equal(t, pkcs11.ObjectHandle(7), f.signKey)

	sig, err = m.Sign("", "01", mechs, digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-signature"), sig)

	_, err = m.Sign("missing", "", mechs, digest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key not found")
}

func Test_Decrypt(t *testing.T) {
	f := newFakeCtx()
	f.objects = []fakeObject{privKeyObject(4, "tls-key", "02", pkcs11.CKK_RSA)}
	f.decryptOut = []byte("plaintext")
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	plain, err := m.Decrypt("tls-key", "", []*pkcs11.Mechanism{
		pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil),
	}, []byte("ciphertext"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), plain)
}

func Test_PublicKeyEC(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	f := newFakeCtx()
	f.objects = []fakeObject{ecPublicObject(t, 1, "ec-key", "01", priv)}
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	pub, err := m.PublicKey("ec-key", "")
	require.NoError(t, err)
	ecPub, ok := pub.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, ecPub.X.Cmp(priv.X))
	assert.Equal(t, 0, ecPub.Y.Cmp(priv.Y))
}

func Test_PublicKeyRSA(t *testing.T) {
	modulus := make([]byte, 256)
	for i := range modulus {
		modulus[i] = byte(i + 1)
	}

	f := newFakeCtx()
	f.objects = []fakeObject{
		{
			handle: 1,
			attrs: []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, "rsa-key"),
				pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
				pkcs11.NewAttribute(pkcs11.CKA_MODULUS, modulus),
				pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
			},
		},
	}
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	pub, err := m.PublicKey("rsa-key", "")
	require.NoError(t, err)
	rsaPub, ok := pub.(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 65537, rsaPub.E)
	assert.Equal(t, new(big.Int).SetBytes(modulus), rsaPub.N)
}

func Test_PublicKeyFromPrivate(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	obj := ecPublicObject(t, 1, "ec-key", "01", priv)
	obj.attrs[0] = pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)

	f := newFakeCtx()
	f.objects = []fakeObject{obj}
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	pub, err := m.PublicKey("ec-key", "")
	require.NoError(t, err)
	ecPub, ok := pub.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, ecPub.X.Cmp(priv.X))
}

func Test_SignerECDSA(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("message"))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])

	f := newFakeCtx()
	f.objects = []fakeObject{
		ecPublicObject(t, 1, "ec-key", "01", priv),
		privKeyObject(2, "ec-key", "01", pkcs11.CKK_EC),
	}
	f.signOut = raw
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so", Pin: "1234"})
	require.NoError(t, err)
	defer m.Close()

	signer, err := p11token.NewSigner(m, "ec-key", "")
	require.NoError(t, err)
	require.NotNil(t, signer.Public())

	der, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&priv.PublicKey, digest[:], der))
	assert.Equal(t, uint(pkcs11.CKM_ECDSA), f.mechs[0].Mechanism)
}

func Test_SignerRSA(t *testing.T) {
	modulus := make([]byte, 256)
	for i := range modulus {
		modulus[i] = byte(i + 1)
	}

	f := newFakeCtx()
	f.objects = []fakeObject{
		{
			handle: 1,
			attrs: []*pkcs11.Attribute{
				pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
				pkcs11.NewAttribute(pkcs11.CKA_LABEL, "rsa-key"),
				pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_RSA),
				pkcs11.NewAttribute(pkcs11.CKA_MODULUS, modulus),
				pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
			},
		},
		privKeyObject(2, "rsa-key", "02", pkcs11.CKK_RSA),
	}
	f.signOut = []byte("rsa-signature")
	withFakeCtx(t, f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so"})
	require.NoError(t, err)
	defer m.Close()

	signer, err := p11token.NewSigner(m, "rsa-key", "")
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("message"))

	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.Equal(t, []byte("rsa-signature"), sig)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS), f.mechs[0].Mechanism)

	wantPrefix := []byte{
		0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01,
		0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20,
	}
	assert.Equal(t, append(wantPrefix, digest[:]...), f.signData)

	sig, err = signer.Sign(rand.Reader, digest[:], &rsa.PSSOptions{
		Hash:       crypto.SHA256,
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("rsa-signature"), sig)
	assert.Equal(t, uint(pkcs11.CKM_RSA_PKCS_PSS), f.mechs[0].Mechanism)
	assert.Equal(t, digest[:], f.signData)

	_, err = signer.Sign(rand.Reader, digest[:1], crypto.SHA256)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest length")
}
