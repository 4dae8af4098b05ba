package mmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func twoBanks(t *testing.T) *Translator {
	t.Helper()
	tr, err := NewTranslator(
		Bank{ID: 0, Base: 0x2000_0000, Data: make([]byte, 64*1024)},
		Bank{ID: 1, Base: 0x8000_0000, Data: make([]byte, 256*1024)},
	)
	require.NoError(t, err)
	return tr
}

func TestEncodeFields(t *testing.T) {
	p, err := Encode(5, -3, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), p.Bank())
	assert.Equal(t, uint8(2), p.Extension())
	assert.Equal(t, int32(-3), p.Offset())
	assert.Equal(t, int64(-48), p.ByteOffset())
	assert.Zero(t, uint32(p)>>AddressBits, "packed address must stay within its significant bits")

	_, err = Encode(8, 0, 0)
	assert.Error(t, err)
	_, err = Encode(0, 0, 8)
	assert.Error(t, err)
	_, err = Encode(0, 1<<20, 0)
	assert.Error(t, err)
}

func TestNewTranslatorValidation(t *testing.T) {
	_, err := NewTranslator()
	assert.Error(t, err)

	_, err = NewTranslator(Bank{ID: 1}, Bank{ID: 1})
	assert.Error(t, err)

	banks := make([]Bank, MaxBanks+1)
	for i := range banks {
		banks[i].ID = uint8(i % MaxBanks)
	}
	_, err = NewTranslator(banks...)
	assert.Error(t, err)
}

func TestRoundTripEveryBankAndExtension(t *testing.T) {
	tr := twoBanks(t)
	offsets := []int32{0, 1, -1, 7, -8, 1000, -1000, maxOffset, minOffset, 123456, -654321}

	for _, b := range tr.Banks() {
		for ext := uint8(0); ext <= MaxExtension; ext++ {
			for _, off := range offsets {
				p, err := Encode(b.ID, off, ext)
				require.NoError(t, err)
				addr, err := tr.Unpack(p)
				require.NoError(t, err)

				packed, err := tr.Pack(addr)
				require.NoError(t, err, "bank %d ext %d off %d", b.ID, ext, off)
				back, err := tr.Unpack(packed)
				require.NoError(t, err)
				assert.Equal(t, addr, back, "bank %d ext %d off %d", b.ID, ext, off)
			}
		}
	}
}

func TestPackSecondBank(t *testing.T) {
	tr := twoBanks(t)
	addr := uint64(0x8000_0000 + 0x1234)

	p, err := tr.Pack(addr)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), p.Bank())
	assert.Equal(t, uint8(0), p.Extension())

	back, err := tr.Unpack(p)
	require.NoError(t, err)
	assert.Equal(t, addr, back)
}

func TestPackPrefersContainingBank(t *testing.T) {
	tr := twoBanks(t)

	// Aligned addresses in bank 1 are also reachable from bank 0 with a
	// large extension; they must still land in the bank that holds them.
	for _, addr := range []uint64{0x8000_0000, 0x8000_1000, 0x8003_F000, 0x8000_0100} {
		p, err := tr.Pack(addr)
		require.NoError(t, err)
		assert.Equal(t, uint8(1), p.Bank(), "%#x", addr)

		back, err := tr.Unpack(p)
		require.NoError(t, err)
		assert.Equal(t, addr, back)

		view, err := tr.Resolve(p, 16)
		require.NoError(t, err, "%#x", addr)
		assert.Len(t, view, 16)
	}

	p, err := tr.Pack(0x2000_1000)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), p.Bank())
	_, err = tr.Resolve(p, 16)
	require.NoError(t, err)
}

func TestPackUsesSmallestExtension(t *testing.T) {
	tr, err := NewTranslator(Bank{ID: 2, Base: 0, Data: make([]byte, 16)})
	require.NoError(t, err)

	p, err := tr.Pack(2 << 20)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), p.Extension())
	assert.Equal(t, int32(1<<21), p.Offset()<<2)
}

func TestPackNoBankMatch(t *testing.T) {
	tr, err := NewTranslator(Bank{ID: 0, Base: 0x1000_0000, Data: make([]byte, 1024)})
	require.NoError(t, err)

	// Odd distance beyond the extension-0 window cannot be represented.
	_, err = tr.Pack(0x1000_0000 + (1 << 21) + 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoBankMatch)
	assert.ErrorIs(t, err, rterrors.ErrAddress)
}

func TestUnpackUnknownBank(t *testing.T) {
	tr := twoBanks(t)
	p, err := Encode(6, 0, 0)
	require.NoError(t, err)

	_, err = tr.Unpack(p)
	assert.ErrorIs(t, err, ErrUnknownBank)
}

func TestResolveBounds(t *testing.T) {
	tr := twoBanks(t)
	p, err := Encode(0, 16, 0)
	require.NoError(t, err)

	view, err := tr.Resolve(p, 32)
	require.NoError(t, err)
	assert.Len(t, view, 32)
	view[0] = 0xAB

	b, err := tr.Bank(0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), b.Data[16], "views alias bank storage")

	_, err = tr.Resolve(p, 64*1024)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	neg, err := Encode(0, -4, 0)
	require.NoError(t, err)
	_, err = tr.Resolve(neg, 4)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestLocate(t *testing.T) {
	tr := twoBanks(t)
	b, off, err := tr.Locate(0x8000_0010)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), b.ID)
	assert.Equal(t, uint64(0x10), off)

	_, _, err = tr.Locate(0x4000_0000)
	assert.ErrorIs(t, err, ErrNoBankMatch)
}
