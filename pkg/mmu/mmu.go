// Package mmu implements the portable packed-address translator used by graph
// images to reference memory independently of the physical layout.
//
// A runtime configures a small table of memory banks once at boot. Every
// address stored in a graph image is a PackedAddress: a bank id, a signed
// offset from that bank's base and an extension shift that scales the offset
// by 4^shift. Packed addresses are only turned into byte slices at the point
// of use, through Resolve, which bounds-checks the access against the bank.
package mmu

import (
	"fmt"

	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Layout of a packed address.
const (
	OffsetBits    = 21
	ExtensionBits = 3
	BankBits      = 3

	offsetShift    = 0
	extensionShift = OffsetBits
	bankShift      = OffsetBits + ExtensionBits

	offsetMask    = (1 << OffsetBits) - 1
	extensionMask = (1 << ExtensionBits) - 1
	bankMask      = (1 << BankBits) - 1

	// AddressBits is the number of significant bits in a PackedAddress.
	AddressBits = OffsetBits + ExtensionBits + BankBits

	// MaxBanks is the size of the bank table.
	MaxBanks = 1 << BankBits

	// MaxExtension is the largest extension shift.
	MaxExtension = extensionMask

	maxOffset = (1 << (OffsetBits - 1)) - 1
	minOffset = -(1 << (OffsetBits - 1))
)

var (
	// ErrNoBankMatch is returned by Pack when no configured bank can represent an address.
	ErrNoBankMatch = rterrors.NewError(rterrors.CodeAddress, "no bank matches address", rterrors.ErrAddress)

	// ErrUnknownBank is returned when a packed address names a bank that is not configured.
	ErrUnknownBank = rterrors.NewError(rterrors.CodeAddress, "unknown bank id", rterrors.ErrAddress)

	// ErrOutOfBounds is returned when a resolved range falls outside its bank.
	ErrOutOfBounds = rterrors.NewError(rterrors.CodeAddress, "address range outside bank", rterrors.ErrAddress)
)

// PackedAddress is the portable (bank, signed offset, extension) encoding.
type PackedAddress uint32

// Encode builds a packed address from its fields. The offset is expressed in
// units of 4^ext bytes and must fit the signed offset field.
func Encode(bank uint8, offset int32, ext uint8) (PackedAddress, error) {
	if int(bank) >= MaxBanks {
		return 0, fmt.Errorf("bank id %d exceeds %d", bank, MaxBanks-1)
	}
	if ext > MaxExtension {
		return 0, fmt.Errorf("extension %d exceeds %d", ext, MaxExtension)
	}
	if offset < minOffset || offset > maxOffset {
		return 0, fmt.Errorf("offset %d outside signed %d-bit field", offset, OffsetBits)
	}
	return PackedAddress(uint32(bank)<<bankShift |
		uint32(ext)<<extensionShift |
		(uint32(offset)&offsetMask)<<offsetShift), nil
}

// Bank returns the bank id field.
func (p PackedAddress) Bank() uint8 {
	return uint8((uint32(p) >> bankShift) & bankMask)
}

// Extension returns the extension shift field.
func (p PackedAddress) Extension() uint8 {
	return uint8((uint32(p) >> extensionShift) & extensionMask)
}

// Offset returns the sign-extended offset field, in 4^ext byte units.
func (p PackedAddress) Offset() int32 {
	raw := int32((uint32(p) >> offsetShift) & offsetMask)
	return raw << (32 - OffsetBits) >> (32 - OffsetBits)
}

// ByteOffset returns the signed byte offset from the bank base.
func (p PackedAddress) ByteOffset() int64 {
	return int64(p.Offset()) << (2 * uint(p.Extension()))
}

func (p PackedAddress) String() string {
	return fmt.Sprintf("bank%d%+d<<%d", p.Bank(), p.Offset(), 2*p.Extension())
}
