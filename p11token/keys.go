package p11token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"math/big"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

// RFC 5480, 2.1.1.1. Named Curve
var (
	oidNamedCurveP224 = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	oidNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidNamedCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

func namedCurveFromOID(oid asn1.ObjectIdentifier) elliptic.Curve {
	switch {
	case oid.Equal(oidNamedCurveP224):
		return elliptic.P224()
	case oid.Equal(oidNamedCurveP256):
		return elliptic.P256()
	case oid.Equal(oidNamedCurveP384):
		return elliptic.P384()
	case oid.Equal(oidNamedCurveP521):
		return elliptic.P521()
	}
	return nil
}

// PublicKey builds the crypto.PublicKey of the key pair identified by
// label or id. The public part is looked up first; for tokens that do
// not expose public key objects the private part is used.
func (m *Module) PublicKey(keyLabel, keyID string) (crypto.PublicKey, error) {
	session, err := m.OpenSessionLogin()
	if err != nil {
		return nil, err
	}
	defer m.CloseSession(session)

	obj, err := m.FindKey(session, keyLabel, keyID, pkcs11.CKO_PUBLIC_KEY)
	if err != nil {
		logger.Warningf("reason=not_found, type=CKO_PUBLIC_KEY, label=%q, id=%q", keyLabel, keyID)
		if obj, err = m.FindKey(session, keyLabel, keyID, pkcs11.CKO_PRIVATE_KEY); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	attrs, err := m.Ctx.GetAttributeValue(session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, 0),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "GetAttributeValue on key")
	}

	switch kt := BytesToUlong(attrs[0].Value); kt {
	case pkcs11.CKK_RSA:
		return m.rsaPublicKey(session, obj)
	case pkcs11.CKK_EC:
		return m.ecdsaPublicKey(session, obj)
	default:
		return nil, errors.Errorf("unsupported key type: 0x%X", kt)
	}
}

func (m *Module) rsaPublicKey(session pkcs11.SessionHandle, obj pkcs11.ObjectHandle) (*rsa.PublicKey, error) {
	attrs, err := m.Ctx.GetAttributeValue(session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, 0),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, 0),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "GetAttributeValue on RSA key")
	}

	n := new(big.Int).SetBytes(attrs[0].Value)
	e := new(big.Int).SetBytes(attrs[1].Value)
	if n.Sign() == 0 || !e.IsInt64() || e.Int64() == 0 {
		return nil, errors.New("malformed RSA public key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func (m *Module) ecdsaPublicKey(session pkcs11.SessionHandle, obj pkcs11.ObjectHandle) (*ecdsa.PublicKey, error) {
	attrs, err := m.Ctx.GetAttributeValue(session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, 0),
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, 0),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "GetAttributeValue on EC key")
	}

	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(attrs[0].Value, &oid); err != nil {
		return nil, errors.WithMessagef(err, "failed to unmarshal curve OID")
	}
	curve := namedCurveFromOID(oid)
	if curve == nil {
		return nil, errors.Errorf("unsupported curve: %s", oid.String())
	}

	x, y := elliptic.Unmarshal(curve, ecPoint(attrs[1].Value))
	if x == nil {
		return nil, errors.New("malformed EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// ecPoint strips the OCTET STRING wrapping of CKA_EC_POINT. Some
// modules return the point without it.
func ecPoint(raw []byte) []byte {
	var point []byte
	if _, err := asn1.Unmarshal(raw, &point); err == nil && len(point) > 0 {
		return point
	}
	return raw
}
