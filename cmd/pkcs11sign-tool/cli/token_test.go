package cli

import (
	"fmt"
	"strings"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/suite"

	"github.com/effective-security/pkcs11sign/sigutil"
)

type tokenSuite struct {
	testSuite
}

func TestTokenSuite(t *testing.T) {
	suite.Run(t, new(tokenSuite))
}

func (s *tokenSuite) TestSlots() {
	s.withModule(newFakeToken())

	cmd := SlotsCmd{}
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)

	s.HasText(
		"Slot: 0x0",
		"Description:  fake slot",
		"Token serial:  0123",
		"Token label:  dev-token",
		"Slot: 0x1",
		"Token label:  prod-token",
	)
}

func (s *tokenSuite) TestSlotsBySerial() {
	s.withModule(newFakeToken())

	cmd := SlotsCmd{Serial: "4567"}
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)

	s.HasText("prod-token")
	s.NotContains(s.Out.String(), "dev-token")
}

func (s *tokenSuite) TestKeys() {
	f := newFakeToken()
	f.objects = []fakeObject{
		privObject(1, "signing-key", "01", pkcs11.CKK_EC),
		privObject(2, "tls-key", "02", pkcs11.CKK_RSA),
	}
	s.withModule(f)

	cmd := KeysCmd{}
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)

	s.HasText(
		"[0]",
		"Id:    01",
		"Label: signing-key",
		"Type: EC",
		"Class: private",
		"[1]",
		"Label: tls-key",
		"Type: RSA",
	)

	s.Out.Reset()
	cmd = KeysCmd{Prefix: "none"}
	err = cmd.Run(s.ctl)
	s.Require().NoError(err)
	s.HasText("no keys found with prefix: none")
}

func (s *tokenSuite) TestSignECDSA() {
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = byte(i + 1)
	}

	f := newFakeToken()
	f.objects = []fakeObject{privObject(7, "signing-key", "01", pkcs11.CKK_EC)}
	f.signOut = raw
	s.withModule(f)

	cmd := SignCmd{
		Digest: strings.Repeat("ab", 32),
		Label:  "signing-key",
		Mech:   "ECDSA",
	}
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)

	der, err := sigutil.EncodeECDSAToDER(raw)
	s.Require().NoError(err)
	s.Equal(fmt.Sprintf("%x\n", der), s.Out.String())
	s.Equal(uint(pkcs11.CKM_ECDSA), f.mechs[0].Mechanism)
	s.Equal(pkcs11.ObjectHandle(7), f.signKey)
}

func (s *tokenSuite) TestSignPSS() {
	f := newFakeToken()
	f.objects = []fakeObject{privObject(3, "rsa-key", "02", pkcs11.CKK_RSA)}
	f.signOut = []byte("rsa-signature")
	s.withModule(f)

	cmd := SignCmd{
		Digest: strings.Repeat("00", 32),
		ID:     "02",
		Mech:   "rsa-pkcs-pss",
		Hash:   "SHA256",
	}
	err := cmd.Run(s.ctl)
	s.Require().NoError(err)

	s.HasText(fmt.Sprintf("%x", []byte("rsa-signature")))
	s.Equal(uint(pkcs11.CKM_RSA_PKCS_PSS), f.mechs[0].Mechanism)
}

func (s *tokenSuite) TestSignFlags() {
	cmd := SignCmd{Digest: "abcd"}
	err := cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal("either --label or --id is required", err.Error())

	cmd = SignCmd{Digest: "zz", Label: "signing-key"}
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid digest")

	cmd = SignCmd{Digest: "abcd", Label: "signing-key", Mech: "DSA"}
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal(`unsupported mechanism: "DSA"`, err.Error())

	cmd = SignCmd{Digest: "abcd", Label: "signing-key", Mech: "RSA-PKCS-PSS", Hash: "MD5"}
	err = cmd.Run(s.ctl)
	s.Require().Error(err)
	s.Equal(`unsupported hash: "MD5"`, err.Error())
}
