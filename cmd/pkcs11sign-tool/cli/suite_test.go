package cli

import (
	"bytes"
	"slices"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/suite"

	"github.com/effective-security/pkcs11sign/p11token"
)

type testSuite struct {
	suite.Suite

	ctl *Cli
	// Out is the output buffer
	Out bytes.Buffer
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.ctl = &Cli{}

	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out)

	parser, err := kong.New(s.ctl,
		kong.Name("pkcs11sign-tool"),
		kong.Description("CLI tool for PKCS11 signing tokens"),
		kong.Writers(&s.Out, &s.Out),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

// HasText is a helper method to assert that the out stream contains the
// supplied text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

// withFactory substitutes the fake PKCS#11 module for the duration of
// the test.
func (s *testSuite) withFactory(f *fakeToken) {
	orig := p11token.CtxFactory
	p11token.CtxFactory = func(path string) p11token.Ctx {
		return f
	}
	s.T().Cleanup(func() {
		p11token.CtxFactory = orig
	})
}

// withModule loads a module over the fake and binds it to the CLI
// context.
func (s *testSuite) withModule(f *fakeToken) {
	s.withFactory(f)

	m, err := p11token.Load(&p11token.TokenConfig{Path: "/usr/lib/fake.so", Pin: "1234"})
	s.Require().NoError(err)
	s.T().Cleanup(m.Close)
	s.ctl.module = m
}

type fakeObject struct {
	handle pkcs11.ObjectHandle
	attrs  []*pkcs11.Attribute
}

// fakeToken implements p11token.Ctx over an in-memory object list.
type fakeToken struct {
	tokens  map[uint]pkcs11.TokenInfo
	objects []fakeObject
	signOut []byte

	pending []pkcs11.ObjectHandle
	signKey pkcs11.ObjectHandle
	mechs   []*pkcs11.Mechanism
}

func newFakeToken() *fakeToken {
	return &fakeToken{
		tokens: map[uint]pkcs11.TokenInfo{
			0: {Label: "dev-token", SerialNumber: "0123", ManufacturerID: "fake ", Model: "soft "},
			1: {Label: "prod-token", SerialNumber: "4567", ManufacturerID: "fake ", Model: "soft "},
		},
	}
}

func privObject(handle pkcs11.ObjectHandle, label, id string, keyType uint) fakeObject {
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

func (f *fakeToken) Initialize() error { return nil }
func (f *fakeToken) Finalize() error   { return nil }
func (f *fakeToken) Destroy()          {}

func (f *fakeToken) GetInfo() (pkcs11.Info, error) {
	return pkcs11.Info{ManufacturerID: "fake"}, nil
}

func (f *fakeToken) GetSlotList(tokenPresent bool) ([]uint, error) {
	slots := make([]uint, 0, len(f.tokens))
	for id := range f.tokens {
		slots = append(slots, id)
	}
	slices.Sort(slots)
	return slots, nil
}

func (f *fakeToken) GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error) {
	return pkcs11.SlotInfo{SlotDescription: "fake slot", ManufacturerID: "fake"}, nil
}

func (f *fakeToken) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	ti, ok := f.tokens[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	return ti, nil
}

func (f *fakeToken) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	return 1, nil
}

func (f *fakeToken) CloseSession(sh pkcs11.SessionHandle) error { return nil }

func (f *fakeToken) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	return nil
}

func (f *fakeToken) Logout(sh pkcs11.SessionHandle) error { return nil }

func (f *fakeToken) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	f.pending = nil
	for _, obj := range f.objects {
		if matchTemplate(obj.attrs, temp) {
			f.pending = append(f.pending, obj.handle)
		}
	}
	return nil
}

func (f *fakeToken) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	n := len(f.pending)
	if n > max {
		n = max
	}
	res := f.pending[:n]
	f.pending = f.pending[n:]
	return res, len(f.pending) > 0, nil
}

func (f *fakeToken) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	f.pending = nil
	return nil
}

func (f *fakeToken) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
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

func (f *fakeToken) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	f.mechs = m
	f.signKey = o
	return nil
}

func (f *fakeToken) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	return f.signOut, nil
}

func (f *fakeToken) DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	f.mechs = m
	return nil
}

func (f *fakeToken) Decrypt(sh pkcs11.SessionHandle, cipher []byte) ([]byte, error) {
	return nil, nil
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
