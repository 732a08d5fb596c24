package p11token

import (
	"time"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"

	"github.com/effective-security/pkcs11sign/metricskey"
)

// Sign signs data with the token key selected by label or id, using the
// given mechanism. The data must already be in the form the mechanism
// expects, a digest for CKM_ECDSA and CKM_RSA_PKCS_PSS, a DigestInfo
// for CKM_RSA_PKCS.
func (m *Module) Sign(keyLabel, keyID string, mechs []*pkcs11.Mechanism, data []byte) ([]byte, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "sign")

	session, err := m.OpenSessionLogin()
	if err != nil {
		return nil, err
	}
	defer m.CloseSession(session)

	key, err := m.FindKey(session, keyLabel, keyID, pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := m.Ctx.SignInit(session, mechs, key); err != nil {
		return nil, errors.WithMessagef(err, "SignInit")
	}
	sig, err := m.Ctx.Sign(session, data)
	if err != nil {
		return nil, errors.WithMessagef(err, "Sign")
	}

	logger.Tracef("label=%q, id=%q, sig=%d", keyLabel, keyID, len(sig))

	return sig, nil
}

// Decrypt decrypts ciphertext with the token key selected by label or
// id.
func (m *Module) Decrypt(keyLabel, keyID string, mechs []*pkcs11.Mechanism, ciphertext []byte) ([]byte, error) {
	defer metricskey.PerfTokenOperation.MeasureSince(time.Now(), "decrypt")

	session, err := m.OpenSessionLogin()
	if err != nil {
		return nil, err
	}
	defer m.CloseSession(session)

	key, err := m.FindKey(session, keyLabel, keyID, pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err := m.Ctx.DecryptInit(session, mechs, key); err != nil {
		return nil, errors.WithMessagef(err, "DecryptInit")
	}
	plain, err := m.Ctx.Decrypt(session, ciphertext)
	if err != nil {
		return nil, errors.WithMessagef(err, "Decrypt")
	}
	return plain, nil
}
