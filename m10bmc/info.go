package m10bmc

import (
	"encoding/binary"
	"github.com/go-errors/errors"
	"math/bits"
)

// UserFlashCount returns how often the user image has been written. The BMC
// clears one bit of a 4 KiB vector per update.
func (s *Sec) UserFlashCount() (int, error) {
	buf := make([]byte, flashCountSize)
	if err := s.regmap.BulkRead(UserFlashCountAddr, buf); err != nil {
		return 0, errors.Errorf("unable to read flash count: %v", err)
	}

	set := 0
	for _, b := range buf {
		set += bits.OnesCount8(b)
	}

	return flashCountSize*8 - set, nil
}

// RootEntryHash returns the root entry hash programmed for image, or nil when
// no hash has been programmed.
func (s *Sec) RootEntryHash(image string) ([]byte, error) {
	regs, ok := imageTable[image]
	if !ok {
		return nil, errors.Errorf("unknown image %q", image)
	}

	magic, err := s.regmap.Read(regs.progAddr)
	if err != nil {
		return nil, errors.Errorf("unable to read %s program magic: %v", image, err)
	}

	if magic&0xffff != regs.magic {
		return nil, nil
	}

	shaBytes := (magic >> 16) / 8
	if shaBytes != 32 && shaBytes != 48 {
		return nil, errors.Errorf("%s root entry hash has unsupported size %d", image, shaBytes)
	}

	hash := make([]byte, shaBytes)
	if err := s.regmap.BulkRead(regs.rehAddr, hash); err != nil {
		return nil, errors.Errorf("unable to read %s root entry hash: %v", image, err)
	}

	return hash, nil
}

// CanceledCSKs returns the ids of the code signing keys canceled for image.
// Flash stores a cleared bit for every canceled key.
func (s *Sec) CanceledCSKs(image string) ([]int, error) {
	regs, ok := imageTable[image]
	if !ok {
		return nil, errors.Errorf("unknown image %q", image)
	}

	buf := make([]byte, CSKBitLen/8)
	if err := s.regmap.BulkRead(regs.progAddr+cskVecOffset, buf); err != nil {
		return nil, errors.Errorf("unable to read %s canceled keys: %v", image, err)
	}

	var ids []int
	for word := 0; word < len(buf)/4; word++ {
		val := ^binary.LittleEndian.Uint32(buf[word*4:])
		for bit := 0; bit < 32; bit++ {
			if val&(1<<uint(bit)) != 0 {
				ids = append(ids, word*32+bit)
			}
		}
	}

	return ids, nil
}

// CanceledCSKBits is the size of the canceled key vector.
func (s *Sec) CanceledCSKBits() int {
	return CSKBitLen
}
