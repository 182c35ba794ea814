package binary

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSwap16(t *testing.T) {
	assert.Equal(t, uint16(0x0300), Swap16(3))
	assert.Equal(t, uint16(0x3412), Swap16(0x1234))
	assert.Equal(t, uint16(0x1234), Swap16(Swap16(0x1234)))
}

func TestSwap32(t *testing.T) {
	assert.Equal(t, uint32(0x78563412), Swap32(0x12345678))
	assert.Equal(t, uint32(0x12345678), Swap32(Swap32(0x12345678)))
}

func TestHtons16(t *testing.T) {
	if IsBigEndian() {
		assert.Equal(t, uint16(0x0806), Htons16(0x0806))
		return
	}
	assert.Equal(t, uint16(0x0608), Htons16(0x0806))
}
