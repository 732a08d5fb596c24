package core

import "fmt"

// Operation identifies a category of cryptographic capability a backend
// may implement for zero or more algorithms.
type Operation uint32

// Operation kinds.
const (
	OpKeyMgmt Operation = iota + 1
	OpKeyExch
	OpSignature
	OpAsymCipher
	OpStore

	// OpHighest bounds the operation range accepted by resolvers.
	OpHighest = OpStore
)

// String returns the operation name used in logs and metric tags.
func (op Operation) String() string {
	switch op {
	case OpKeyMgmt:
		return "keymgmt"
	case OpKeyExch:
		return "keyexch"
	case OpSignature:
		return "signature"
	case OpAsymCipher:
		return "asym_cipher"
	case OpStore:
		return "store"
	}
	return fmt.Sprintf("op-%d", uint32(op))
}

// Algorithm describes one algorithm a backend implements for an operation
// kind. Names is a colon-delimited list of aliases, for example
// "RSA:rsaEncryption". Implementation is the function table; an entry
// with ID 0 terminates it.
type Algorithm struct {
	Names          string
	Properties     string
	Implementation Dispatch
	Description    string
}

// Key selection bits for key-management operations.
const (
	SelectPrivateKey = 1 << iota
	SelectPublicKey
	SelectDomainParams

	SelectKeypair = SelectPrivateKey | SelectPublicKey
	SelectAll     = SelectKeypair | SelectDomainParams
)

// Key-management function ids.
const (
	FnKeymgmtNew uint32 = iota + 1
	FnKeymgmtFree
	FnKeymgmtLoad
	FnKeymgmtHas
	FnKeymgmtMatch
	FnKeymgmtImport
	FnKeymgmtExport
	FnKeymgmtDup
)

type (
	// KeymgmtNewFunc creates an empty backend key object.
	KeymgmtNewFunc func(provctx any) (any, error)
	// KeymgmtFreeFunc releases a backend key object.
	KeymgmtFreeFunc func(key any)
	// KeymgmtLoadFunc turns a store reference into a key object.
	KeymgmtLoadFunc func(reference any) (any, error)
	// KeymgmtHasFunc reports whether the key holds the selected parts.
	KeymgmtHasFunc func(key any, selection int) bool
	// KeymgmtMatchFunc reports whether the selected parts of two keys match.
	KeymgmtMatchFunc func(key1, key2 any, selection int) bool
	// KeymgmtImportFunc imports the selected parts from parameters.
	KeymgmtImportFunc func(key any, selection int, params []*Param) error
	// KeymgmtExportFunc exports the selected parts as parameters.
	KeymgmtExportFunc func(key any, selection int) ([]*Param, error)
	// KeymgmtDupFunc duplicates the selected parts of a key object.
	KeymgmtDupFunc func(key any, selection int) (any, error)
)

// Key-exchange function ids.
const (
	FnKeyexchNewCtx uint32 = iota + 1
	FnKeyexchInit
	FnKeyexchSetPeer
	FnKeyexchDerive
	FnKeyexchSetCtxParams
	FnKeyexchFreeCtx
	FnKeyexchDupCtx
)

type (
	// KeyexchNewCtxFunc creates a key-exchange operation context.
	KeyexchNewCtxFunc func(provctx any) (any, error)
	// KeyexchInitFunc initializes the context with the own key.
	KeyexchInitFunc func(kctx, key any, params []*Param) error
	// KeyexchSetPeerFunc sets the peer key.
	KeyexchSetPeerFunc func(kctx, peer any) error
	// KeyexchDeriveFunc derives the shared secret.
	KeyexchDeriveFunc func(kctx any) ([]byte, error)
	// KeyexchSetCtxParamsFunc updates context parameters.
	KeyexchSetCtxParamsFunc func(kctx any, params []*Param) error
	// KeyexchFreeCtxFunc releases the context.
	KeyexchFreeCtxFunc func(kctx any)
	// KeyexchDupCtxFunc duplicates the context.
	KeyexchDupCtxFunc func(kctx any) (any, error)
)

// Signature function ids.
const (
	FnSignatureNewCtx uint32 = iota + 1
	FnSignatureFreeCtx
	FnSignatureDupCtx
	FnSignatureSignInit
	FnSignatureSign
	FnSignatureVerifyInit
	FnSignatureVerify
	FnSignatureDigestSignInit
	FnSignatureDigestSign
	FnSignatureDigestVerifyInit
	FnSignatureDigestVerify
	FnSignatureGetCtxParams
	FnSignatureSetCtxParams
)

type (
	// SignatureNewCtxFunc creates a signature operation context.
	SignatureNewCtxFunc func(provctx any, properties string) (any, error)
	// SignatureFreeCtxFunc releases the context.
	SignatureFreeCtxFunc func(sctx any)
	// SignatureDupCtxFunc duplicates the context.
	SignatureDupCtxFunc func(sctx any) (any, error)
	// SignatureSignInitFunc initializes the context for signing.
	SignatureSignInitFunc func(sctx, key any, params []*Param) error
	// SignatureSignFunc signs the digest and returns the encoded signature.
	SignatureSignFunc func(sctx any, tbs []byte) ([]byte, error)
	// SignatureVerifyInitFunc initializes the context for verification.
	SignatureVerifyInitFunc func(sctx, key any, params []*Param) error
	// SignatureVerifyFunc verifies the signature over the digest.
	SignatureVerifyFunc func(sctx any, sig, tbs []byte) error
	// SignatureDigestSignInitFunc initializes sign-with-digest.
	SignatureDigestSignInitFunc func(sctx any, digest string, key any, params []*Param) error
	// SignatureDigestSignFunc hashes the data and signs the digest.
	SignatureDigestSignFunc func(sctx any, data []byte) ([]byte, error)
	// SignatureDigestVerifyInitFunc initializes verify-with-digest.
	SignatureDigestVerifyInitFunc func(sctx any, digest string, key any, params []*Param) error
	// SignatureDigestVerifyFunc hashes the data and verifies the signature.
	SignatureDigestVerifyFunc func(sctx any, sig, data []byte) error
	// SignatureGetCtxParamsFunc fills context parameters.
	SignatureGetCtxParamsFunc func(sctx any, params []*Param) error
	// SignatureSetCtxParamsFunc updates context parameters.
	SignatureSetCtxParamsFunc func(sctx any, params []*Param) error
)

// Asymmetric-cipher function ids.
const (
	FnAsymCipherNewCtx uint32 = iota + 1
	FnAsymCipherFreeCtx
	FnAsymCipherDupCtx
	FnAsymCipherEncryptInit
	FnAsymCipherEncrypt
	FnAsymCipherDecryptInit
	FnAsymCipherDecrypt
	FnAsymCipherGetCtxParams
	FnAsymCipherSetCtxParams
)

type (
	// AsymCipherNewCtxFunc creates an asymmetric-cipher context.
	AsymCipherNewCtxFunc func(provctx any) (any, error)
	// AsymCipherFreeCtxFunc releases the context.
	AsymCipherFreeCtxFunc func(actx any)
	// AsymCipherDupCtxFunc duplicates the context.
	AsymCipherDupCtxFunc func(actx any) (any, error)
	// AsymCipherEncryptInitFunc initializes the context for encryption.
	AsymCipherEncryptInitFunc func(actx, key any, params []*Param) error
	// AsymCipherEncryptFunc encrypts the input.
	AsymCipherEncryptFunc func(actx any, in []byte) ([]byte, error)
	// AsymCipherDecryptInitFunc initializes the context for decryption.
	AsymCipherDecryptInitFunc func(actx, key any, params []*Param) error
	// AsymCipherDecryptFunc decrypts the input.
	AsymCipherDecryptFunc func(actx any, in []byte) ([]byte, error)
	// AsymCipherGetCtxParamsFunc fills context parameters.
	AsymCipherGetCtxParamsFunc func(actx any, params []*Param) error
	// AsymCipherSetCtxParamsFunc updates context parameters.
	AsymCipherSetCtxParamsFunc func(actx any, params []*Param) error
)

// Store function ids.
const (
	FnStoreOpen uint32 = iota + 1
	FnStoreLoad
	FnStoreEof
	FnStoreClose
)

type (
	// StoreOpenFunc opens a store context for the URI.
	StoreOpenFunc func(provctx any, uri string) (any, error)
	// StoreLoadFunc loads the next object from the store.
	StoreLoadFunc func(sctx any) (any, error)
	// StoreEofFunc reports whether the store is exhausted.
	StoreEofFunc func(sctx any) bool
	// StoreCloseFunc closes the store context.
	StoreCloseFunc func(sctx any) error
)
