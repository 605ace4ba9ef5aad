package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrUndecodable = errors.New("envelope: payload is neither hex nor base64")

// PayloadDecoder turns one wire representation of a payload into bytes.
type PayloadDecoder struct {
	Name   string
	Decode func(s string) ([]byte, error)
}

// PayloadDecoders are tried in order; the first success wins.
var PayloadDecoders = []PayloadDecoder{
	{Name: "hex-0x", Decode: decodePrefixedHex},
	{Name: "hex", Decode: hex.DecodeString},
	{Name: "base64", Decode: base64.StdEncoding.DecodeString},
}

var errNoPrefix = errors.New("missing 0x prefix")

func decodePrefixedHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, errNoPrefix
	}
	return hex.DecodeString(s[2:])
}

// DecodePayload decodes a relay payload given as 0x-prefixed hex, bare hex or base64.
func DecodePayload(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	for _, d := range PayloadDecoders {
		if b, err := d.Decode(s); err == nil {
			return b, nil
		}
	}
	return nil, ErrUndecodable
}
