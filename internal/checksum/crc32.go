// Package checksum computes the CRC-32 used to validate chunk acknowledgments.
package checksum

import "sync"

// Polynomial is the reflected form of the IEEE 802.3 / ISO-3309 polynomial.
const Polynomial uint32 = 0xEDB88320

var (
	tableOnce sync.Once
	table     [256]uint32
)

func crcTable() *[256]uint32 {
	tableOnce.Do(func() {
		for i := range table {
			crc := uint32(i)
			for range 8 {
				if crc&1 == 1 {
					crc = (crc >> 1) ^ Polynomial
				} else {
					crc >>= 1
				}
			}
			table[i] = crc
		}
	})
	return &table
}

// Checksum returns the CRC-32 of data. The checksum of an empty slice is 0.
func Checksum(data []byte) uint32 {
	t := crcTable()
	crc := ^uint32(0)
	for _, b := range data {
		crc = (crc >> 8) ^ t[byte(crc)^b]
	}
	return ^crc
}

// AckByte returns the single byte a receiver echoes back in a CHUNK_ACK
// for the given fragment: the low byte of its checksum.
func AckByte(fragment []byte) byte {
	return byte(Checksum(fragment))
}
