package p11token

import (
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Scheme is the URI scheme of PKCS#11 object references.
const Scheme = "pkcs11"

// URI holds the attributes of an RFC 7512 PKCS#11 URI. Path attributes
// select the token and the object, query attributes carry module and
// PIN hints. Unrecognized attributes are collected in PathAttrs and
// QueryAttrs.
type URI struct {
	Token        string
	Manufacturer string
	Serial       string
	Model        string
	SlotID       string

	Object string
	ID     string
	Type   string

	ModuleName string
	ModulePath string
	PinValue   string
	PinSource  string

	PathAttrs  map[string]string
	QueryAttrs map[string]string
}

// ParseURI parses a PKCS#11 URI. Attribute values are percent-decoded.
func ParseURI(uri string) (*URI, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+":")
	if !ok {
		return nil, errors.Errorf("invalid scheme, expected %q", Scheme+":")
	}

	path, query, _ := strings.Cut(rest, "?")

	u := &URI{
		PathAttrs:  map[string]string{},
		QueryAttrs: map[string]string{},
	}

	for _, seg := range strings.Split(path, ";") {
		if seg == "" {
			continue
		}
		key, value, err := cutAttr(seg)
		if err != nil {
			return nil, err
		}
		switch key {
		case "token":
			u.Token = value
		case "manufacturer":
			u.Manufacturer = value
		case "serial":
			u.Serial = value
		case "model":
			u.Model = value
		case "slot-id":
			u.SlotID = value
		case "object":
			u.Object = value
		case "id":
			u.ID = value
		case "type":
			u.Type = value
		default:
			u.PathAttrs[key] = value
		}
	}

	if query != "" {
		for _, seg := range strings.Split(query, "&") {
			if seg == "" {
				continue
			}
			key, value, err := cutAttr(seg)
			if err != nil {
				return nil, err
			}
			switch key {
			case "module-name":
				u.ModuleName = value
			case "module-path":
				u.ModulePath = value
			case "pin-value":
				u.PinValue = value
			case "pin-source":
				u.PinSource = value
			default:
				u.QueryAttrs[key] = value
			}
		}
	}

	return u, nil
}

func cutAttr(seg string) (string, string, error) {
	key, value, found := strings.Cut(seg, "=")
	if !found || key == "" {
		return "", "", errors.Errorf("malformed attribute: %q", seg)
	}
	decoded, err := url.PathUnescape(value)
	if err != nil {
		return "", "", errors.WithMessagef(err, "malformed attribute: %q", key)
	}
	return key, decoded, nil
}

// PIN returns the PIN of the object, either directly from pin-value or
// loaded from the pin-source file.
func (u *URI) PIN() (string, error) {
	if u.PinValue != "" {
		return u.PinValue, nil
	}
	if u.PinSource == "" {
		return "", nil
	}

	src := strings.TrimPrefix(u.PinSource, "file:")
	pb, err := os.ReadFile(src)
	if err != nil {
		return "", errors.WithMessagef(err, "unable to load PIN: %s", src)
	}
	return strings.TrimSpace(string(pb)), nil
}
