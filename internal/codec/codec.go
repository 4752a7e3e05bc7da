// Package codec provides a unified registry of the image formats the
// pipeline reads and writes. It consolidates format definitions, magic
// signatures, aliases and capability information, and is the IO
// boundary between container bytes and pixel buffers. Standard formats
// are delegated to the stdlib and x/image; the only format implemented
// in this repo is the raster frame (internal/wire).
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmylchreest/imgarr/internal/wire"
)

// ErrUnknownFormat indicates input that matches no registered format.
var ErrUnknownFormat = errors.New("unknown image format")

// ErrUnsupportedEncode indicates a format the registry can detect but
// not write (webp and gif are decode-only).
var ErrUnsupportedEncode = errors.New("unsupported output format")

// Format represents an image container format.
type Format string

// Format constants.
const (
	FormatIRF  Format = "irf" // raster frame (internal/wire)
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"  // decode only
	FormatWebP Format = "webp" // decode only
	FormatBMP  Format = "bmp"
	FormatTIFF Format = "tiff"
)

// String returns the string representation of the format.
func (f Format) String() string {
	return string(f)
}

// magicSegment is one byte run of a signature at a fixed offset.
type magicSegment struct {
	offset int
	bytes  []byte
}

// signature matches when every segment matches.
type signature []magicSegment

// formatInfo contains metadata about an image format.
type formatInfo struct {
	// Canonical name (png, jpeg, etc.)
	Name Format
	// All known aliases that map to this format
	Aliases []string
	// File extensions, first entry canonical (with dot)
	Extensions []string
	// Magic signatures; any one matching identifies the format. The
	// raster frame has none and is sniffed structurally instead.
	Signatures []signature
	// MIME type for HTTP responses
	ContentType string
	// Whether a decoder is registered
	Decodable bool
	// Whether an encoder is available
	Encodable bool
}

// formatRegistry contains all format definitions.
var formatRegistry = map[Format]*formatInfo{
	FormatIRF: {
		Name:        FormatIRF,
		Aliases:     []string{"irf", "frame", "raw"},
		Extensions:  []string{".irf"},
		ContentType: "application/octet-stream",
		Decodable:   true,
		Encodable:   true,
	},
	FormatPNG: {
		Name:       FormatPNG,
		Aliases:    []string{"png"},
		Extensions: []string{".png"},
		Signatures: []signature{
			{{offset: 0, bytes: []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}}},
		},
		ContentType: "image/png",
		Decodable:   true,
		Encodable:   true,
	},
	FormatJPEG: {
		Name:       FormatJPEG,
		Aliases:    []string{"jpeg", "jpg", "jfif"},
		Extensions: []string{".jpg", ".jpeg"},
		Signatures: []signature{
			{{offset: 0, bytes: []byte{0xff, 0xd8, 0xff}}},
		},
		ContentType: "image/jpeg",
		Decodable:   true,
		Encodable:   true,
	},
	FormatGIF: {
		Name:       FormatGIF,
		Aliases:    []string{"gif"},
		Extensions: []string{".gif"},
		Signatures: []signature{
			{{offset: 0, bytes: []byte("GIF87a")}},
			{{offset: 0, bytes: []byte("GIF89a")}},
		},
		ContentType: "image/gif",
		Decodable:   true,
		Encodable:   false,
	},
	FormatWebP: {
		Name:       FormatWebP,
		Aliases:    []string{"webp"},
		Extensions: []string{".webp"},
		Signatures: []signature{
			{{offset: 0, bytes: []byte("RIFF")}, {offset: 8, bytes: []byte("WEBP")}},
		},
		ContentType: "image/webp",
		Decodable:   true,
		Encodable:   false,
	},
	FormatBMP: {
		Name:       FormatBMP,
		Aliases:    []string{"bmp", "dib"},
		Extensions: []string{".bmp"},
		Signatures: []signature{
			{{offset: 0, bytes: []byte("BM")}},
		},
		ContentType: "image/bmp",
		Decodable:   true,
		Encodable:   true,
	},
	FormatTIFF: {
		Name:       FormatTIFF,
		Aliases:    []string{"tiff", "tif"},
		Extensions: []string{".tif", ".tiff"},
		Signatures: []signature{
			{{offset: 0, bytes: []byte{'I', 'I', 0x2a, 0x00}}},
			{{offset: 0, bytes: []byte{'M', 'M', 0x00, 0x2a}}},
		},
		ContentType: "image/tiff",
		Decodable:   true,
		Encodable:   true,
	},
}

// aliasIndex maps lowercase aliases and extensions to canonical formats.
var aliasIndex = map[string]Format{}

func init() {
	for name, info := range formatRegistry {
		for _, alias := range info.Aliases {
			aliasIndex[strings.ToLower(alias)] = name
		}
		for _, ext := range info.Extensions {
			aliasIndex[strings.ToLower(strings.TrimPrefix(ext, "."))] = name
		}
	}
}

// ParseFormat parses a format name, alias or extension to its
// canonical Format. Returns the format and whether the parse was
// successful.
func ParseFormat(s string) (Format, bool) {
	if s == "" {
		return "", false
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, ".")
	format, ok := aliasIndex[s]
	return format, ok
}

// ParseOutputFormat parses and validates a format for writing.
func ParseOutputFormat(s string) (Format, error) {
	if s == "" {
		return FormatIRF, nil
	}
	format, ok := ParseFormat(s)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	if !format.CanEncode() {
		return "", fmt.Errorf("%w: %s is read-only", ErrUnsupportedEncode, format)
	}
	return format, nil
}

// Ext returns the canonical file extension including the dot.
func (f Format) Ext() string {
	if info, ok := formatRegistry[f]; ok && len(info.Extensions) > 0 {
		return info.Extensions[0]
	}
	return ""
}

// ContentType returns the MIME type for HTTP responses.
func (f Format) ContentType() string {
	if info, ok := formatRegistry[f]; ok {
		return info.ContentType
	}
	return "application/octet-stream"
}

// CanDecode returns true if the registry can read this format.
func (f Format) CanDecode() bool {
	info, ok := formatRegistry[f]
	return ok && info.Decodable
}

// CanEncode returns true if the registry can write this format.
func (f Format) CanEncode() bool {
	info, ok := formatRegistry[f]
	return ok && info.Encodable
}

// Formats lists all registered formats for help text and capability
// reports: encodable formats first, alphabetical within each block.
func Formats() []Format {
	var enc, dec []Format
	for name, info := range formatRegistry {
		if info.Encodable {
			enc = append(enc, name)
		} else {
			dec = append(dec, name)
		}
	}
	sort.Slice(enc, func(i, j int) bool { return enc[i] < enc[j] })
	sort.Slice(dec, func(i, j int) bool { return dec[i] < dec[j] })
	return append(enc, dec...)
}

// SniffLen is how many leading bytes Sniff needs to see every
// registered signature.
const SniffLen = 16

// Sniff detects the format of an input from its leading bytes. total
// is the full input length when known, or negative for streams. The
// raster frame format has no signature and is matched last by
// validating its declared geometry against the input size; detection
// never guesses dimensions.
func Sniff(prefix []byte, total int64) (Format, error) {
	for _, info := range formatRegistry {
		for _, sig := range info.Signatures {
			if sig.matches(prefix) {
				return info.Name, nil
			}
		}
	}
	if wire.SniffFrame(prefix, total) {
		return FormatIRF, nil
	}
	return "", ErrUnknownFormat
}

func (s signature) matches(prefix []byte) bool {
	for _, seg := range s {
		end := seg.offset + len(seg.bytes)
		if len(prefix) < end {
			return false
		}
		for i, b := range seg.bytes {
			if prefix[seg.offset+i] != b {
				return false
			}
		}
	}
	return len(s) > 0
}
