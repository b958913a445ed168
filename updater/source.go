package updater

import (
	"github.com/go-errors/errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source produces the payload of one update.
type Source interface {
	// Phase is the progress reported while the payload is being acquired.
	Phase() Progress
	Acquire() (Payload, error)
	String() string
}

// Payload is exclusively owned by the update worker until Release.
type Payload interface {
	Bytes() []byte
	Release()
}

type bufferPayload struct {
	once sync.Once
	data []byte
}

func (p *bufferPayload) Bytes() []byte {
	return p.data
}

func (p *bufferPayload) Release() {
	p.once.Do(func() {
		p.data = nil
	})
}

// FileSource loads a named image from a firmware directory.
type FileSource struct {
	dir  string
	name string
}

func NewFileSource(dir string, name string) *FileSource {
	return &FileSource{
		dir:  dir,
		name: name,
	}
}

func (s *FileSource) Phase() Progress {
	return Reading
}

func (s *FileSource) String() string {
	return s.name
}

func (s *FileSource) Acquire() (Payload, error) {
	name := filepath.Clean(s.name)
	if name == "." || filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return nil, errors.Errorf("invalid firmware name %q", s.name)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, errors.Errorf("could not read firmware %v: %v", s.name, err)
	}

	if len(data) == 0 || uint64(len(data)) > math.MaxUint32 {
		return nil, errors.Errorf("firmware %v has unsupported size %d", s.name, len(data))
	}

	return &bufferPayload{data: data}, nil
}

// BufferSource hands an in-memory image to the worker. The caller must not
// modify buf after passing it in.
type BufferSource struct {
	buf []byte
}

func NewBufferSource(buf []byte) *BufferSource {
	return &BufferSource{buf: buf}
}

func (s *BufferSource) Phase() Progress {
	return Preparing
}

func (s *BufferSource) String() string {
	return "buffer"
}

func (s *BufferSource) Size() uint32 {
	return uint32(len(s.buf))
}

func (s *BufferSource) Acquire() (Payload, error) {
	if len(s.buf) == 0 || uint64(len(s.buf)) > math.MaxUint32 {
		return nil, errors.Errorf("unsupported image size %d", len(s.buf))
	}

	p := &bufferPayload{data: s.buf}
	s.buf = nil

	return p, nil
}
