package p11token

import (
	"strings"

	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

const maxFindObjects = 100

// OpenSession opens a session on the module's slot.
func (m *Module) OpenSession(flags uint) (pkcs11.SessionHandle, error) {
	if m == nil || m.Ctx == nil || m.Slot == nil {
		return 0, errors.New("module not loaded")
	}
	session, err := m.Ctx.OpenSession(m.Slot.ID, flags)
	if err != nil {
		return 0, errors.WithMessagef(err, "OpenSession on slot %d", m.Slot.ID)
	}
	return session, nil
}

// OpenSessionLogin opens a read-only session and logs the user in with
// the configured PIN.
func (m *Module) OpenSessionLogin() (pkcs11.SessionHandle, error) {
	session, err := m.OpenSession(pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return 0, err
	}
	if m.pin != "" {
		err = m.Ctx.Login(session, pkcs11.CKU_USER, m.pin)
		if err != nil && err != pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			_ = m.Ctx.CloseSession(session)
			return 0, errors.WithMessagef(err, "Login on slot %d", m.Slot.ID)
		}
	}
	return session, nil
}

// CloseSession closes the session. The login state is left alone, a
// logout would apply to every session on the token.
func (m *Module) CloseSession(session pkcs11.SessionHandle) {
	if m == nil || m.Ctx == nil {
		return
	}
	_ = m.Ctx.CloseSession(session)
}

// FindKey returns the first object of the given class matching label or
// id. Empty selectors are not included in the search template.
func (m *Module) FindKey(session pkcs11.SessionHandle, keyLabel, keyID string, class uint) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if keyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, keyLabel))
	}
	if keyID != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(keyID)))
	}

	handles, err := m.findObjects(session, template, 1)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if len(handles) == 0 {
		return 0, errors.Errorf("key not found: label=%q, id=%q", keyLabel, keyID)
	}
	return handles[0], nil
}

// KeyInfo describes a key object on the token.
type KeyInfo struct {
	ID    string
	Label string
	Type  string
	Class string
}

// EnumKeys returns the private keys on the token, optionally filtered
// by label prefix.
func (m *Module) EnumKeys(prefix string) ([]KeyInfo, error) {
	session, err := m.OpenSessionLogin()
	if err != nil {
		return nil, err
	}
	defer m.CloseSession(session)

	keys, err := m.findObjects(session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
	}, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	res := make([]KeyInfo, 0, len(keys))
	for _, obj := range keys {
		attributes := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_ID, 0),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, 0),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, 0),
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, 0),
		}
		if attributes, err = m.Ctx.GetAttributeValue(session, obj, attributes); err != nil {
			return nil, errors.WithMessagef(err, "GetAttributeValue on key")
		}

		keyLabel := string(attributes[1].Value)
		if prefix != "" && !strings.HasPrefix(keyLabel, prefix) {
			continue
		}
		res = append(res, KeyInfo{
			ID:    string(attributes[0].Value),
			Label: keyLabel,
			Type:  KeyTypeNames[BytesToUlong(attributes[2].Value)],
			Class: ObjectClassNames[BytesToUlong(attributes[3].Value)],
		})
	}
	return res, nil
}

func (m *Module) findObjects(session pkcs11.SessionHandle, template []*pkcs11.Attribute, max int) ([]pkcs11.ObjectHandle, error) {
	if err := m.Ctx.FindObjectsInit(session, template); err != nil {
		return nil, errors.WithMessagef(err, "FindObjectsInit")
	}
	defer func() {
		_ = m.Ctx.FindObjectsFinal(session)
	}()

	list := []pkcs11.ObjectHandle{}
	for {
		handles, _, err := m.Ctx.FindObjects(session, maxFindObjects)
		if err != nil {
			return nil, errors.WithMessagef(err, "FindObjects")
		}
		if len(handles) == 0 {
			break
		}
		list = append(list, handles...)
		if max > 0 && len(list) >= max {
			break
		}
	}
	return list, nil
}
