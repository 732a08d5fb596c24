package forward

import "github.com/effective-security/pkcs11sign/core"

// KeyType identifies the public key type of a provider key object.
type KeyType int

// Supported key types.
const (
	UnknownKeyType KeyType = iota
	RSA
	RSAPSS
	EC
)

// String returns the key type name.
func (t KeyType) String() string {
	switch t {
	case RSA:
		return "RSA"
	case RSAPSS:
		return "RSA-PSS"
	case EC:
		return "EC"
	}
	return "unknown"
}

// AlgorithmName returns the backend algorithm name used to look up this
// key type in the given operation kind. Signature lookups for EC keys
// use "ECDSA"; key exchange is always resolved under "ECDH". An empty
// name means the key type has no forwarding target for the operation.
func (t KeyType) AlgorithmName(op core.Operation) string {
	switch op {
	case core.OpKeyExch:
		return "ECDH"
	case core.OpSignature:
		switch t {
		case RSA:
			return "RSA"
		case RSAPSS:
			return "RSA-PSS"
		case EC:
			return "ECDSA"
		}
	case core.OpKeyMgmt, core.OpAsymCipher:
		switch t {
		case RSA:
			return "RSA"
		case RSAPSS:
			return "RSA-PSS"
		case EC:
			return "EC"
		}
	}
	return ""
}
