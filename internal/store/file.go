// Package store writes the node's cache files: a magic string, the network
// magic, a JSON payload and a trailing double-SHA256 over all of it.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"coralnode/internal/crypto"
	"coralnode/internal/logging"
)

// ReadResult classifies the outcome of reading a cache file.
type ReadResult int

const (
	Ok ReadResult = iota
	FileError
	HashReadError
	IncorrectHash
	IncorrectMagicMessage
	IncorrectMagicNumber
	IncorrectFormat
)

func (r ReadResult) String() string {
	switch r {
	case Ok:
		return "ok"
	case FileError:
		return "file error"
	case HashReadError:
		return "hash read error"
	case IncorrectHash:
		return "incorrect hash"
	case IncorrectMagicMessage:
		return "incorrect magic message"
	case IncorrectMagicNumber:
		return "incorrect network magic"
	case IncorrectFormat:
		return "incorrect format"
	}
	return "unknown"
}

var (
	ErrFile            = errors.New("cannot open cache file")
	ErrHashRead        = errors.New("cache file too short for checksum")
	ErrIncorrectHash   = errors.New("checksum mismatch, data corrupted")
	ErrMagicMessage    = errors.New("invalid magic message")
	ErrMagicNumber     = errors.New("invalid network magic number")
	ErrIncorrectFormat = errors.New("invalid payload format")
)

const hashSize = 32

// File is one framed cache file holding a T.
type File[T any] struct {
	path  string
	magic string
	net   [4]byte
	log   *zap.Logger
}

func NewFile[T any](path, magic string, network [4]byte, log *zap.Logger) *File[T] {
	return &File[T]{path: path, magic: magic, net: network, log: logging.OrNop(log).Named("store")}
}

func (f *File[T]) Path() string { return f.path }

// Encode frames v.
func (f *File[T]) Encode(v T) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", filepath.Base(f.path), err)
	}
	var buf bytes.Buffer
	writeVarString(&buf, f.magic)
	buf.Write(f.net[:])
	buf.Write(payload)
	sum := crypto.DoubleSHA256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// Decode checks the frame of data and unmarshals its payload into dst.
func (f *File[T]) Decode(data []byte, dst *T) (ReadResult, error) {
	if len(data) < hashSize {
		return HashReadError, ErrHashRead
	}
	body, sum := data[:len(data)-hashSize], data[len(data)-hashSize:]
	if got := crypto.DoubleSHA256(body); !bytes.Equal(got[:], sum) {
		return IncorrectHash, ErrIncorrectHash
	}
	magic, rest, ok := readVarString(body)
	if !ok || magic != f.magic {
		return IncorrectMagicMessage, ErrMagicMessage
	}
	if len(rest) < len(f.net) || !bytes.Equal(rest[:len(f.net)], f.net[:]) {
		return IncorrectMagicNumber, ErrMagicNumber
	}
	if err := json.Unmarshal(rest[len(f.net):], dst); err != nil {
		return IncorrectFormat, fmt.Errorf("%w: %v", ErrIncorrectFormat, err)
	}
	return Ok, nil
}

// Read loads the file into dst. Failures are classified, never fatal.
func (f *File[T]) Read(dst *T) (ReadResult, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return FileError, fmt.Errorf("%w: %v", ErrFile, err)
	}
	res, err := f.Decode(data, dst)
	if err != nil {
		f.log.Warn("cache file unreadable", zap.String("path", f.path), zap.Stringer("result", res), zap.Error(err))
		return res, err
	}
	f.log.Debug("cache file loaded", zap.String("path", f.path), zap.Int("bytes", len(data)))
	return Ok, nil
}

// Write replaces the file atomically.
func (f *File[T]) Write(v T) error {
	data, err := f.Encode(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(f.path, data, 0600)
}

// Dump checks that the file on disk is ours before overwriting it. A
// missing file or an unparseable payload is recreated; any other failure
// leaves the file alone for the operator to inspect.
func (f *File[T]) Dump(v T) error {
	var probe T
	res, err := f.Read(&probe)
	switch res {
	case Ok:
	case FileError:
		f.log.Info("cache file missing, creating", zap.String("path", f.path))
	case IncorrectFormat:
		f.log.Warn("cache file payload invalid, recreating", zap.String("path", f.path))
	default:
		return fmt.Errorf("refusing to overwrite %s (%s): %w", f.path, res, err)
	}
	if err := f.Write(v); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	f.log.Debug("cache file written", zap.String("path", f.path))
	return nil
}

func writeVarString(buf *bytes.Buffer, s string) {
	// Magic strings are short; a one byte length covers them.
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func readVarString(b []byte) (string, []byte, bool) {
	if len(b) == 0 {
		return "", nil, false
	}
	n := int(b[0])
	if n >= 0xfd || len(b) < 1+n {
		return "", nil, false
	}
	return string(b[1 : 1+n]), b[1+n:], true
}
