// SPDX-License-Identifier: MIT

// Package modbus drives the relay bank over RS-485 Modbus RTU. A single
// dispatcher goroutine owns the serial port; all relay operations are
// submitted as jobs and applied in submission order with mandatory
// inter-command spacing.
package modbus

import (
	"errors"
	"fmt"
)

const (
	// funcWriteSingleCoil is Modbus function 0x05.
	funcWriteSingleCoil = 0x05

	coilOn  = 0xFF00
	coilOff = 0x0000
)

// ErrBadResponse indicates a malformed or mismatched slave response.
var ErrBadResponse = errors.New("modbus: bad response")

// crc16 computes the Modbus RTU CRC over data (poly 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// writeCoilFrame builds the 8-byte write-single-coil request.
func writeCoilFrame(unit uint8, coil uint16, on bool) []byte {
	value := uint16(coilOff)
	if on {
		value = coilOn
	}
	frame := []byte{
		unit,
		funcWriteSingleCoil,
		byte(coil >> 8), byte(coil),
		byte(value >> 8), byte(value),
	}
	crc := crc16(frame)
	// CRC is transmitted low byte first.
	return append(frame, byte(crc), byte(crc>>8))
}

// validateEcho checks the slave's echo of a write-single-coil request.
// A healthy slave echoes the request frame byte for byte.
func validateEcho(request, response []byte) error {
	if len(response) != len(request) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBadResponse, len(response), len(request))
	}
	for i := range request {
		if request[i] != response[i] {
			return fmt.Errorf("%w: byte %d is 0x%02x, want 0x%02x", ErrBadResponse, i, response[i], request[i])
		}
	}
	return nil
}
