package weave

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/mod/semver"

	"github.com/PatchLens/go-aspect-weaver/il"
)

const (
	imageMagic  = "AKIM"
	symbolMagic = "AKSY"
	// FormatVersion is the image and symbol format written by this package. Files with the same
	// major version can be read.
	FormatVersion = "v1.0.0"
	// ImageExt is the conventional extension of an assembly image.
	ImageExt = ".akim"
	// SymbolExt is the extension of the symbol file kept next to an image.
	SymbolExt = ".aksym"
)

// SymbolPath returns the symbol file path for an image path.
func SymbolPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + SymbolExt
}

func writeHeader(buf *bytes.Buffer, magic string) {
	buf.WriteString(magic)
	buf.WriteByte(byte(len(FormatVersion)))
	buf.WriteString(FormatVersion)
}

func readHeader(data []byte, magic string) ([]byte, error) {
	if len(data) < len(magic)+1 || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: missing %s header", ErrUnsupportedFormat, magic)
	}
	data = data[len(magic):]
	n := int(data[0])
	if len(data) < n+1 {
		return nil, fmt.Errorf("%w: truncated header", ErrUnsupportedFormat)
	}
	version := string(data[1 : n+1])
	if !semver.IsValid(version) {
		return nil, fmt.Errorf("%w: invalid version %q", ErrUnsupportedFormat, version)
	} else if semver.Major(version) != semver.Major(FormatVersion) {
		return nil, fmt.Errorf("%w: version %s, supported %s", ErrUnsupportedFormat, version, semver.Major(FormatVersion))
	}
	return data[n+1:], nil
}

// EncodeImage encodes the assembly into the compressed image format.
func EncodeImage(a *Assembly) ([]byte, error) {
	payload, err := a.MarshalMsgpack()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeHeader(&buf, imageMagic)
	return compressImage(buf.Bytes(), payload), nil
}

// DecodeImage decodes an image produced by EncodeImage.
func DecodeImage(data []byte) (*Assembly, error) {
	body, err := readHeader(data, imageMagic)
	if err != nil {
		return nil, err
	}
	payload, err := decompressImage(nil, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	a := &Assembly{}
	if err := a.UnmarshalMsgpack(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return a, nil
}

// ReadImage loads the assembly image at path, without symbols.
func ReadImage(path string) (*Assembly, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.Path = path
	return a, nil
}

// ReadAssembly loads the image at path and binds its symbol file when one exists next to it.
// Reports if symbols were found.
func ReadAssembly(path string) (*Assembly, bool, error) {
	a, err := ReadImage(path)
	if err != nil {
		return nil, false, err
	}
	hasSymbols, err := loadSymbols(a, path)
	if err != nil {
		return nil, false, err
	}
	return a, hasSymbols, nil
}

// loadSymbols applies the symbol file next to the image path, if present.
func loadSymbols(a *Assembly, path string) (bool, error) {
	symPath := SymbolPath(path)
	if !FileExists(symPath) {
		return false, nil
	}
	data, err := os.ReadFile(symPath)
	if err != nil {
		return false, err
	} else if err = ApplySymbols(a, data); err != nil {
		return false, fmt.Errorf("%s: %w", symPath, err)
	}
	return true, nil
}

// WriteAssembly assigns a new module id and writes the image to path, and the symbol file in
// lockstep when withSymbols is set. Either every file is replaced or none is.
func WriteAssembly(a *Assembly, path string, withSymbols bool) error {
	_, err := writeAssembly(a, path, withSymbols)
	return err
}

func writeAssembly(a *Assembly, path string, withSymbols bool) ([]byte, error) {
	mvid, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	previous := a.Mvid
	a.Mvid = mvid

	files := make(map[string][]byte, 2)
	if files[path], err = EncodeImage(a); err != nil {
		a.Mvid = previous
		return nil, err
	}
	if withSymbols {
		if files[SymbolPath(path)], err = EncodeSymbols(a); err != nil {
			a.Mvid = previous
			return nil, err
		}
	}
	if err = writeFilesAtomic(files); err != nil {
		a.Mvid = previous
		return nil, err
	}
	a.Path = path
	return files[path], nil
}

type encSymbols struct {
	Mvid    string                `msgpack:"id"`
	Methods map[string][]encPoint `msgpack:"m"`
}

type encPoint struct {
	Offset      int    `msgpack:"o"`
	Document    string `msgpack:"d"`
	StartLine   int    `msgpack:"sl"`
	StartColumn int    `msgpack:"sc"`
	EndLine     int    `msgpack:"el"`
	EndColumn   int    `msgpack:"ec"`
}

// EncodeSymbols encodes the sequence points of every method keyed by the method full name, with
// instruction offsets recomputed from the current bodies.
func EncodeSymbols(a *Assembly) ([]byte, error) {
	es := encSymbols{Mvid: a.Mvid.String(), Methods: make(map[string][]encPoint)}
	for _, t := range a.Types() {
		for _, m := range t.Methods {
			if m.Body == nil || len(m.Body.Points) == 0 {
				continue
			}
			m.Body.ComputeOffsets()
			points := make([]encPoint, 0, len(m.Body.Points))
			for _, p := range m.Body.Points {
				if p.Instr == nil || !m.Body.Contains(p.Instr) {
					continue
				}
				points = append(points, encPoint{
					Offset:      p.Instr.Offset,
					Document:    p.Document,
					StartLine:   p.StartLine,
					StartColumn: p.StartColumn,
					EndLine:     p.EndLine,
					EndColumn:   p.EndColumn,
				})
			}
			es.Methods[m.FullName()] = points
		}
	}
	payload, err := marshalMsgpack(&es)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeHeader(&buf, symbolMagic)
	return compressSymbols(buf.Bytes(), payload), nil
}

// ApplySymbols binds the sequence points of a symbol file to the assembly's instructions by
// offset. The symbol file must carry the assembly's module id.
func ApplySymbols(a *Assembly, data []byte) error {
	body, err := readHeader(data, symbolMagic)
	if err != nil {
		return err
	}
	payload, err := decompressSymbols(nil, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	var es encSymbols
	if err := msgpack.Unmarshal(payload, &es); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	} else if es.Mvid != a.Mvid.String() {
		return fmt.Errorf("%w: symbols for module %s, image is %s", ErrUnsupportedFormat, es.Mvid, a.Mvid)
	}

	for _, t := range a.Types() {
		for _, m := range t.Methods {
			points, ok := es.Methods[m.FullName()]
			if !ok || m.Body == nil {
				continue
			}
			m.Body.ComputeOffsets()
			byOffset := make(map[int]*il.Instruction, m.Body.Len())
			for i := m.Body.First(); i != nil; i = i.Next() {
				byOffset[i.Offset] = i
			}
			m.Body.Points = m.Body.Points[:0]
			for _, p := range points {
				if instr, ok := byOffset[p.Offset]; ok {
					m.Body.Points = append(m.Body.Points, &il.SequencePoint{
						Instr:       instr,
						Document:    p.Document,
						StartLine:   p.StartLine,
						StartColumn: p.StartColumn,
						EndLine:     p.EndLine,
						EndColumn:   p.EndColumn,
					})
				}
			}
		}
	}
	return nil
}
