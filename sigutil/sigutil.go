// Package sigutil converts between the raw fixed-width signature form
// produced by PKCS#11 tokens and the ASN.1 DER form required by callers.
// A raw ECDSA signature is the concatenation of the big-endian scalars r
// and s; the encoded form is SEQUENCE { INTEGER r, INTEGER s }.
package sigutil

import (
	"math/big"

	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// ErrInvalidSignature is returned when a raw signature is empty or
	// not an even-length scalar pair, or when a DER signature does not
	// parse.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrBufferTooSmall is returned when the destination buffer cannot
	// hold the encoded signature.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// EncodeECDSA converts a raw r||s signature into its DER encoding.
//
// When sig is nil the required encoded length is returned without
// producing any output. Otherwise the encoding is written into sig and
// the written length returned; a sig shorter than the required length
// fails with ErrBufferTooSmall and leaves sig untouched.
func EncodeECDSA(raw, sig []byte) (int, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return 0, errors.WithStack(ErrInvalidSignature)
	}

	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])

	n := encodedLen(r, s)
	if sig == nil {
		return n, nil
	}
	if len(sig) < n {
		return 0, errors.WithStack(ErrBufferTooSmall)
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	der, err := b.Bytes()
	if err != nil {
		return 0, errors.WithStack(err)
	}

	return copy(sig, der), nil
}

// EncodeECDSAToDER converts a raw r||s signature into a freshly
// allocated DER encoding.
func EncodeECDSAToDER(raw []byte) ([]byte, error) {
	n, err := EncodeECDSA(raw, nil)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, n)
	if _, err = EncodeECDSA(raw, sig); err != nil {
		return nil, err
	}
	return sig, nil
}

// DecodeECDSA converts a DER-encoded ECDSA signature into the raw
// fixed-width r||s form, left-padding each scalar to size bytes.
func DecodeECDSA(der []byte, size int) ([]byte, error) {
	var (
		r, s  = &big.Int{}, &big.Int{}
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, errors.WithStack(ErrInvalidSignature)
	}

	if size <= 0 || r.Sign() < 0 || s.Sign() < 0 ||
		r.BitLen() > size*8 || s.BitLen() > size*8 {
		return nil, errors.WithStack(ErrInvalidSignature)
	}

	raw := make([]byte, 2*size)
	r.FillBytes(raw[:size])
	s.FillBytes(raw[size:])
	return raw, nil
}

// encodedLen returns the exact DER length of SEQUENCE { r, s } without
// encoding it.
func encodedLen(r, s *big.Int) int {
	rl := intLen(r)
	sl := intLen(s)
	body := 2 + lenLen(rl) + lenLen(sl) + rl + sl
	return 1 + lenLen(body) + body
}

// intLen returns the DER INTEGER body length of a non-negative value:
// the minimal big-endian form, with a leading zero byte when the high
// bit is set. Zero encodes as a single byte.
func intLen(v *big.Int) int {
	if v.Sign() == 0 {
		return 1
	}
	n := (v.BitLen() + 7) / 8
	if v.BitLen()%8 == 0 {
		n++
	}
	return n
}

// lenLen returns the size of a DER length field for content length n.
func lenLen(n int) int {
	if n < 0x80 {
		return 1
	}
	l := 1
	for ; n > 0; n >>= 8 {
		l++
	}
	return l
}
