package cpu

import (
	"unsafe"

	"github.com/djeday123/transblock/backend"
)

// storage is CPU memory. It is allocated in 32-bit words so float32 views
// of the bytes are always aligned.
type storage struct {
	words   []uint32
	byteLen int
	dev     backend.Device
}

// Alloc returns zeroed CPU storage of the given byte length.
func Alloc(byteLen int) backend.Storage {
	return &storage{words: make([]uint32, (byteLen+3)/4), byteLen: byteLen, dev: backend.CPU0}
}

func (s *storage) Device() backend.Device { return s.dev }
func (s *storage) ByteLen() int           { return s.byteLen }

func (s *storage) Bytes() []byte {
	if s.byteLen == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s.words[0])), s.byteLen)
}

// Free drops the buffer; later views of s are empty.
func (s *storage) Free() {
	s.words, s.byteLen = nil, 0
}
