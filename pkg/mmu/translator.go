package mmu

import (
	"fmt"
)

// Bank is one owned, bounds-checked memory region.
type Bank struct {
	// ID is the value stored in the bank field of packed addresses.
	ID uint8
	// Base is the bank's address in the runtime's physical address space.
	Base uint64
	// Data is the backing storage. len(Data) is the bank capacity.
	Data []byte
}

// Size returns the bank capacity in bytes.
func (b *Bank) Size() uint64 {
	return uint64(len(b.Data))
}

// Contains reports whether phys lies inside the bank.
func (b *Bank) Contains(phys uint64) bool {
	return phys >= b.Base && phys-b.Base < b.Size()
}

// Translator converts between packed and physical addresses.
// It is read-only after construction and may be shared between schedulers.
type Translator struct {
	banks []Bank
	byID  [MaxBanks]int
}

// NewTranslator builds a translator over a fixed bank table.
// Banks are scanned in the given order by Pack.
func NewTranslator(banks ...Bank) (*Translator, error) {
	if len(banks) == 0 {
		return nil, fmt.Errorf("at least one memory bank is required")
	}
	if len(banks) > MaxBanks {
		return nil, fmt.Errorf("%d banks configured, at most %d supported", len(banks), MaxBanks)
	}

	t := &Translator{banks: make([]Bank, len(banks))}
	for i := range t.byID {
		t.byID[i] = -1
	}
	for i, b := range banks {
		if int(b.ID) >= MaxBanks {
			return nil, fmt.Errorf("bank id %d exceeds %d", b.ID, MaxBanks-1)
		}
		if t.byID[b.ID] >= 0 {
			return nil, fmt.Errorf("duplicate bank id %d", b.ID)
		}
		t.byID[b.ID] = i
		t.banks[i] = b
	}
	return t, nil
}

// Banks returns the configured bank table in scan order.
func (t *Translator) Banks() []Bank {
	return t.banks
}

// Bank returns the bank with the given id.
func (t *Translator) Bank(id uint8) (*Bank, error) {
	if int(id) >= MaxBanks || t.byID[id] < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBank, id)
	}
	return &t.banks[t.byID[id]], nil
}

// Pack encodes a physical address. A bank holding the address is preferred,
// so the result always resolves; addresses outside every bank go to the
// first bank in table order whose window reaches them. Within a bank the
// smallest extension is used.
func (t *Translator) Pack(phys uint64) (PackedAddress, error) {
	for i := range t.banks {
		b := &t.banks[i]
		if !b.Contains(phys) {
			continue
		}
		if ext, off, ok := fit(int64(phys - b.Base)); ok {
			return Encode(b.ID, off, ext)
		}
	}
	for i := range t.banks {
		b := &t.banks[i]
		if ext, off, ok := fit(int64(phys - b.Base)); ok {
			return Encode(b.ID, off, ext)
		}
	}
	return 0, fmt.Errorf("%w: %#x", ErrNoBankMatch, phys)
}

// fit finds the smallest extension that represents delta exactly.
func fit(delta int64) (uint8, int32, bool) {
	for ext := uint8(0); ext <= MaxExtension; ext++ {
		shift := 2 * uint(ext)
		if delta&((1<<shift)-1) != 0 {
			return 0, 0, false
		}
		off := delta >> shift
		if off >= minOffset && off <= maxOffset {
			return ext, int32(off), true
		}
	}
	return 0, 0, false
}

// Unpack decodes a packed address to its physical address.
func (t *Translator) Unpack(p PackedAddress) (uint64, error) {
	b, err := t.Bank(p.Bank())
	if err != nil {
		return 0, err
	}
	return b.Base + uint64(p.ByteOffset()), nil
}

// Locate finds the bank holding phys and the byte offset inside it.
func (t *Translator) Locate(phys uint64) (*Bank, uint64, error) {
	for i := range t.banks {
		b := &t.banks[i]
		if b.Contains(phys) {
			return b, phys - b.Base, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %#x", ErrNoBankMatch, phys)
}

// Resolve returns the n-byte view addressed by p. The whole range must lie
// within the bank named by p.
func (t *Translator) Resolve(p PackedAddress, n int) ([]byte, error) {
	b, err := t.Bank(p.Bank())
	if err != nil {
		return nil, err
	}
	off := p.ByteOffset()
	if n < 0 || off < 0 || uint64(off)+uint64(n) > b.Size() {
		return nil, fmt.Errorf("%w: %s len %d (bank size %d)", ErrOutOfBounds, p, n, b.Size())
	}
	return b.Data[off : off+int64(n) : off+int64(n)], nil
}
