// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the CRC8 measurement checksum.
package common

// CRC8 calculates the 8-bit CRC of the byte slice parameter and returns the
// calculated value. The polynomial is x^8 + x^5 + x^4 + 1 with a zero
// initial value, the variant used by Measurement Specialties sensors such as
// the HTU21D.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		crc ^= val
		for i := 0; i < 8; i++ {
			if (crc & 0x80) == 0 {
				crc <<= 1
			} else {
				crc = (byte)((crc << 1) ^ 0x31)
			}
		}
	}
	return crc
}

// CheckFrame reports whether a measurement frame of two data bytes followed
// by a checksum byte is self-consistent. Dividing the full 24 bit value by
// the CRC polynomial must leave a zero remainder, which is the same as the
// CRC of the data bytes matching the third byte.
func CheckFrame(frame []byte) bool {
	return len(frame) == 3 && CRC8(frame[:2]) == frame[2]
}
