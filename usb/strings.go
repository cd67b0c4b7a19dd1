package usb

import (
	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/rzusb/pkg"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// StringDescriptorTo writes s as a UTF-16LE string descriptor, truncated
// to the largest descriptor size. It returns 0 if buf is too small.
func StringDescriptorTo(buf []byte, s string) int {
	enc, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return 0
	}
	enc = enc[:min(len(enc), (MaxStringDescriptorSize-2)&^1)]
	n := 2 + len(enc)
	if !putHeader(buf, n, DescriptorTypeString) {
		return 0
	}
	copy(buf[2:], enc)
	return n
}

// LanguageDescriptorTo writes string descriptor zero listing langIDs. It
// returns 0 if buf is too small.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	n := 2 + 2*len(langIDs)
	if !putHeader(buf, n, DescriptorTypeString) {
		return 0
	}
	for i, id := range langIDs {
		le.PutUint16(buf[2+2*i:], id)
	}
	return n
}

// ParseString decodes a string descriptor. The length byte bounds the
// payload; a trailing odd byte is ignored.
func ParseString(data []byte) (string, error) {
	payload, err := stringPayload(data)
	if err != nil {
		return "", err
	}
	s, err := utf16le.NewDecoder().Bytes(payload)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// ParseLanguages decodes string descriptor zero into its language IDs.
func ParseLanguages(data []byte) ([]uint16, error) {
	payload, err := stringPayload(data)
	if err != nil {
		return nil, err
	}
	ids := make([]uint16, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		ids = append(ids, le.Uint16(payload[i:]))
	}
	return ids, nil
}

func stringPayload(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] < 2 {
		return nil, pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeString {
		return nil, pkg.ErrDescriptorTypeMismatch
	}
	payload := data[2:min(int(data[0]), len(data))]
	return payload[:len(payload)&^1], nil
}
