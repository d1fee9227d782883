package proc

import (
	"bytes"
	"encoding/binary"
	"io"
)

const (
	_AT_NULL  = 0
	_AT_ENTRY = 9
)

// entryPointFromAuxv searches the elf auxiliary vector for the entry point
// address. The auxiliary vector reflects the program the kernel actually
// loaded, so it works even when the binary header was too corrupted to
// resolve.
func entryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}

		switch tag {
		case _AT_NULL:
			return 0
		case _AT_ENTRY:
			return val
		}
	}
}

func readUintRaw(rd io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(rd, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	default:
		var n uint64
		if err := binary.Read(rd, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
}
