package p11token

import (
	"encoding/binary"

	"github.com/miekg/pkcs11"
)

// KeyTypeNames maps CKK_* values to readable names.
var KeyTypeNames = map[uint]string{
	pkcs11.CKK_RSA:            "RSA",
	pkcs11.CKK_DSA:            "DSA",
	pkcs11.CKK_DH:             "DH",
	pkcs11.CKK_EC:             "EC",
	pkcs11.CKK_AES:            "AES",
	pkcs11.CKK_GENERIC_SECRET: "GENERIC_SECRET",
}

// ObjectClassNames maps CKO_* values to readable names.
var ObjectClassNames = map[uint]string{
	pkcs11.CKO_DATA:        "data",
	pkcs11.CKO_CERTIFICATE: "cert",
	pkcs11.CKO_PUBLIC_KEY:  "public",
	pkcs11.CKO_PRIVATE_KEY: "private",
	pkcs11.CKO_SECRET_KEY:  "secret-key",
}

// ObjectClasses maps the type attribute of a PKCS#11 URI to the object
// class.
var ObjectClasses = map[string]uint{
	"data":       pkcs11.CKO_DATA,
	"cert":       pkcs11.CKO_CERTIFICATE,
	"public":     pkcs11.CKO_PUBLIC_KEY,
	"private":    pkcs11.CKO_PRIVATE_KEY,
	"secret-key": pkcs11.CKO_SECRET_KEY,
}

// SignMechanisms maps mechanism names accepted by the CLI to CKM_*
// values.
var SignMechanisms = map[string]uint{
	"ECDSA":        pkcs11.CKM_ECDSA,
	"RSA-PKCS":     pkcs11.CKM_RSA_PKCS,
	"RSA-PKCS-PSS": pkcs11.CKM_RSA_PKCS_PSS,
}

// BytesToUlong returns the value of a CK_ULONG attribute.
func BytesToUlong(bs []byte) uint {
	if len(bs) == 0 {
		return 0
	}
	var buf [8]byte
	copy(buf[:], bs)
	return uint(binary.NativeEndian.Uint64(buf[:]))
}
