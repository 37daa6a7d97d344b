package serialcomm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// lookupEncoding resolves WHATWG encoding names and labels ("utf-8",
// "latin1", "windows-1252", "shift_jis", ...). An empty name is UTF-8.
func lookupEncoding(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown text encoding %q", ErrConfiguration, name)
	}
	return enc, nil
}

// DecodeText converts bytes to text, substituting U+FFFD for sequences the
// encoding cannot decode.
func DecodeText(data []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDecodeFailed, name, err)
	}
	return string(out), nil
}

// DecodeTextStrict converts bytes to text and fails on the first byte
// sequence the encoding cannot represent.
func DecodeTextStrict(data []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	if enc == unicode.UTF8 {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: invalid UTF-8 sequence", ErrDecodeFailed)
		}
		return string(data), nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDecodeFailed, name, err)
	}
	if i := strings.IndexRune(string(out), utf8.RuneError); i >= 0 {
		return "", fmt.Errorf("%w: %s: undecodable byte sequence", ErrDecodeFailed, name)
	}
	return string(out), nil
}

// EncodeText converts text to bytes in the named encoding. Runes the
// encoding cannot represent are a configuration error.
func EncodeText(text, name string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: payload not representable in %q: %w", ErrConfiguration, name, err)
	}
	return out, nil
}
