package emulatedclient

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// HexCase controls the letter case of percent-escape sequences a client
// emits, e.g. "%3a" versus "%3A" — a detail real trackers sometimes use to
// fingerprint clients and this emulator must reproduce faithfully.
type HexCase int

const (
	HexCaseNone HexCase = iota
	HexCaseLower
	HexCaseUpper
)

var hexCaseNames = map[string]HexCase{
	"none":  HexCaseNone,
	"lower": HexCaseLower,
	"upper": HexCaseUpper,
}

func (c *HexCase) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	cc, ok := hexCaseNames[name]
	if !ok {
		return errors.Errorf("urlEncoder: unknown hex case %q", name)
	}
	*c = cc
	return nil
}

// Encode percent-escapes str the way this client's tracker requests do,
// applying the configured hex case to the two-digit escape sequences.
func (c HexCase) Encode(str string) string {
	escaped := url.QueryEscape(str)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	if c == HexCaseNone {
		return escaped
	}

	var sb strings.Builder
	sb.Grow(len(escaped))
	for i := 0; i < len(escaped); i++ {
		sb.WriteByte(escaped[i])
		if escaped[i] == '%' && i+2 < len(escaped) {
			hex := escaped[i+1 : i+3]
			if c == HexCaseUpper {
				sb.WriteString(strings.ToUpper(hex))
			} else {
				sb.WriteString(strings.ToLower(hex))
			}
			i += 2
		}
	}
	return sb.String()
}
