package forward

import "github.com/effective-security/pkcs11sign/core"

// fn resolves a function for the key type and operation kind and asserts
// it to the requested signature. The zero value is returned when the
// capability is absent or registered with a different signature.
func fn[T any](b *Backend, op core.Operation, kt KeyType, funcID uint32) T {
	var zero T
	name := kt.AlgorithmName(op)
	if name == "" {
		return zero
	}
	f, ok := b.GetFunc(op, name, funcID).(T)
	if !ok {
		return zero
	}
	return f
}

// KeymgmtFn resolves a key-management function for the key type.
func KeymgmtFn[T any](b *Backend, kt KeyType, funcID uint32) T {
	return fn[T](b, core.OpKeyMgmt, kt, funcID)
}

// KeyexchFn resolves a key-exchange function. Key exchange is always
// resolved under the fixed "ECDH" name.
func KeyexchFn[T any](b *Backend, funcID uint32) T {
	var zero T
	f, ok := b.GetFunc(core.OpKeyExch, "ECDH", funcID).(T)
	if !ok {
		return zero
	}
	return f
}

// SignatureFn resolves a signature function for the key type.
func SignatureFn[T any](b *Backend, kt KeyType, funcID uint32) T {
	return fn[T](b, core.OpSignature, kt, funcID)
}

// AsymCipherFn resolves an asymmetric-cipher function for the key type.
func AsymCipherFn[T any](b *Backend, kt KeyType, funcID uint32) T {
	return fn[T](b, core.OpAsymCipher, kt, funcID)
}
