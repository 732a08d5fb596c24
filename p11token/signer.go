package p11token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"

	"github.com/effective-security/pkcs11sign/sigutil"
)

// Signer is a crypto.Signer backed by a private key on the token.
type Signer struct {
	module *Module
	label  string
	id     string
	pub    crypto.PublicKey
}

var _ crypto.Signer = (*Signer)(nil)

// NewSigner resolves the key pair identified by label or id and returns
// a signer for it.
func NewSigner(m *Module, keyLabel, keyID string) (*Signer, error) {
	pub, err := m.PublicKey(keyLabel, keyID)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to resolve key pair: label=%q, id=%q", keyLabel, keyID)
	}
	return &Signer{
		module: m,
		label:  keyLabel,
		id:     keyID,
		pub:    pub,
	}, nil
}

// Public returns the public key of the pair.
func (s *Signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign signs the digest on the token. ECDSA signatures are returned in
// the ASN.1 DER form, RSA uses PKCS#1 v1.5 or PSS depending on opts.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch s.pub.(type) {
	case *ecdsa.PublicKey:
		raw, err := s.module.Sign(s.label, s.id, []*pkcs11.Mechanism{
			pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil),
		}, digest)
		if err != nil {
			return nil, err
		}
		return sigutil.EncodeECDSAToDER(raw)

	case *rsa.PublicKey:
		if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
			return s.signPSS(digest, pssOpts)
		}
		return s.signPKCS1v15(digest, opts.HashFunc())

	default:
		return nil, errors.Errorf("unsupported key: %T", s.pub)
	}
}

func (s *Signer) signPSS(digest []byte, opts *rsa.PSSOptions) ([]byte, error) {
	hashAlg, mgf, err := DigestMechanism(opts.Hash)
	if err != nil {
		return nil, err
	}
	saltLen := opts.SaltLength
	switch saltLen {
	case rsa.PSSSaltLengthAuto, rsa.PSSSaltLengthEqualsHash:
		saltLen = opts.Hash.Size()
	}
	return s.module.Sign(s.label, s.id, []*pkcs11.Mechanism{
		pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, pkcs11.NewPSSParams(hashAlg, mgf, uint(saltLen))),
	}, digest)
}

// DigestMechanism returns the digest mechanism and MGF identifiers
// used in PSS and OAEP mechanism parameters.
func DigestMechanism(h crypto.Hash) (hashAlg uint, mgf uint, err error) {
	switch h {
	case crypto.SHA1:
		return pkcs11.CKM_SHA_1, pkcs11.CKG_MGF1_SHA1, nil
	case crypto.SHA224:
		return pkcs11.CKM_SHA224, pkcs11.CKG_MGF1_SHA224, nil
	case crypto.SHA256:
		return pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256, nil
	case crypto.SHA384:
		return pkcs11.CKM_SHA384, pkcs11.CKG_MGF1_SHA384, nil
	case crypto.SHA512:
		return pkcs11.CKM_SHA512, pkcs11.CKG_MGF1_SHA512, nil
	}
	return 0, 0, errors.Errorf("unsupported digest: %s", h.String())
}

// digestInfoPrefix is the DER prefix of the DigestInfo structure for
// each supported digest, per RFC 8017 section 9.2.
var digestInfoPrefix = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA224: {0x30, 0x2d, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x04, 0x05, 0x00, 0x04, 0x1c},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	crypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	crypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// DigestInfo wraps the digest in the DER DigestInfo structure required
// for CKM_RSA_PKCS signing, per RFC 8017 section 9.2.
func DigestInfo(h crypto.Hash, digest []byte) ([]byte, error) {
	prefix, ok := digestInfoPrefix[h]
	if !ok {
		return nil, errors.Errorf("unsupported digest: %s", h.String())
	}
	if h.Size() != len(digest) {
		return nil, errors.Errorf("digest length %d does not match %s", len(digest), h.String())
	}

	tbs := make([]byte, 0, len(prefix)+len(digest))
	tbs = append(tbs, prefix...)
	tbs = append(tbs, digest...)
	return tbs, nil
}

func (s *Signer) signPKCS1v15(digest []byte, h crypto.Hash) ([]byte, error) {
	tbs, err := DigestInfo(h, digest)
	if err != nil {
		return nil, err
	}

	return s.module.Sign(s.label, s.id, []*pkcs11.Mechanism{
		pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil),
	}, tbs)
}
