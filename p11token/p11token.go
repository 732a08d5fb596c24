// Package p11token provides access to keys stored on a PKCS#11 token.
// A Module wraps one loaded PKCS#11 library bound to a single token,
// selected by serial number or label, and exposes the find, sign and
// decrypt operations used by the provider and the CLI.
package p11token

import (
	"strings"

	"github.com/effective-security/xlog"
	"github.com/miekg/pkcs11"
	"github.com/pkg/errors"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/pkcs11sign", "p11token")

// Ctx is the subset of the PKCS#11 interface used by Module.
// *pkcs11.Ctx implements it.
type Ctx interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetInfo() (pkcs11.Info, error)
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	DecryptInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Decrypt(sh pkcs11.SessionHandle, cipher []byte) ([]byte, error)
}

var _ Ctx = (*pkcs11.Ctx)(nil)

// CtxFactory creates the PKCS#11 context for a module path.
// Tests override it to substitute a fake module.
var CtxFactory = func(path string) Ctx {
	if p := pkcs11.New(path); p != nil {
		return p
	}
	return nil
}

// SlotTokenInfo describes a slot with a present token.
type SlotTokenInfo struct {
	ID           uint
	Description  string
	Label        string
	Manufacturer string
	Model        string
	Serial       string
	Flags        uint
}

// Module is a loaded PKCS#11 library bound to a single token.
type Module struct {
	Ctx  Ctx
	Slot *SlotTokenInfo

	path string
	pin  string
}

// Load opens the PKCS#11 library from cfg and selects the token.
//
// A token is identified either by serial number or label. If both
// are specified then the first match wins. Without a selector the
// first token is used.
func Load(cfg *TokenConfig) (*Module, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("module path is required")
	}

	ctx := CtxFactory(cfg.Path)
	if ctx == nil {
		return nil, errors.Errorf("failed to load module: %s", cfg.Path)
	}

	err := ctx.Initialize()
	if err != nil && err != pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		ctx.Destroy()
		return nil, errors.WithMessagef(err, "failed to initialize module: %s", cfg.Path)
	}
	if cfg.InitArgs != "" {
		// the reserved initialization argument cannot be passed through
		// this PKCS#11 binding
		logger.Warningf("reason=initargs_ignored, value=%q", cfg.InitArgs)
	}

	m := &Module{
		Ctx:  ctx,
		path: cfg.Path,
		pin:  cfg.Pin,
	}

	if info, err := ctx.GetInfo(); err == nil {
		logger.Infof("module=%q, cryptoki=%d.%d, manufacturer=%q, description=%q",
			cfg.Path,
			info.CryptokiVersion.Major, info.CryptokiVersion.Minor,
			strings.TrimSpace(info.ManufacturerID),
			strings.TrimSpace(info.LibraryDescription))
	}

	slot, err := m.findSlot(cfg)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.Slot = slot

	logger.Infof("slot=0x%X, token=%q, serial=%q", slot.ID, slot.Label, slot.Serial)

	return m, nil
}

// Close finalizes and releases the module. It is safe to call multiple
// times.
func (m *Module) Close() {
	if m == nil || m.Ctx == nil {
		return
	}
	if err := m.Ctx.Finalize(); err != nil {
		logger.Errorf("reason=finalize, module=%q, err=[%+v]", m.path, err)
	}
	m.Ctx.Destroy()
	m.Ctx = nil
	m.Slot = nil
}

// Path returns the library path the module was loaded from.
func (m *Module) Path() string {
	if m == nil {
		return ""
	}
	return m.path
}

// TokensInfo returns the tokens present in the module's slots.
func (m *Module) TokensInfo() ([]*SlotTokenInfo, error) {
	list := []*SlotTokenInfo{}
	slots, err := m.Ctx.GetSlotList(true)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	logger.Tracef("slots=%d", len(slots))

	for _, slotID := range slots {
		si, err := m.Ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
		}
		ti, err := m.Ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.Errorf(
				"reason=GetTokenInfo, slotID=%d, ManufacturerID=%q, SlotDescription=%q, err=[%+v]",
				slotID,
				si.ManufacturerID,
				si.SlotDescription,
				err,
			)
		} else if ti.SerialNumber != "" || ti.Label != "" {
			list = append(list, &SlotTokenInfo{
				ID:           slotID,
				Description:  si.SlotDescription,
				Label:        ti.Label,
				Manufacturer: strings.TrimSpace(ti.ManufacturerID),
				Model:        strings.TrimSpace(ti.Model),
				Serial:       ti.SerialNumber,
				Flags:        ti.Flags,
			})
		}
	}
	return list, nil
}

func (m *Module) findSlot(cfg *TokenConfig) (*SlotTokenInfo, error) {
	list, err := m.TokensInfo()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(list) == 0 {
		return nil, errors.Errorf("no tokens found: %s", m.path)
	}

	for _, ti := range list {
		if cfg.TokenSerial != "" && ti.Serial == cfg.TokenSerial {
			return ti, nil
		}
		if cfg.TokenLabel != "" && ti.Label == cfg.TokenLabel {
			return ti, nil
		}
	}
	if cfg.TokenSerial == "" && cfg.TokenLabel == "" {
		return list[0], nil
	}
	return nil, errors.Errorf("token not found: serial=%q, label=%q", cfg.TokenSerial, cfg.TokenLabel)
}
