// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import "encoding/binary"

// ByteSum adds up the bytes of b modulo 2^32.
func ByteSum(b []byte) uint32 {
	var s uint32
	for _, v := range b {
		s += uint32(v)
	}
	return s
}

// Checksum returns the mailbox checksum of a request: the two's complement
// of the byte sum of the little-endian command id and the data, where the
// data excludes the checksum field itself. Responses use command 0.
func Checksum(cmd CommandID, data []byte) uint32 {
	return ChecksumFromSum(cmd, ByteSum(data))
}

// ChecksumFromSum is Checksum for data whose byte sum is already known,
// such as a payload streamed from staging memory.
func ChecksumFromSum(cmd CommandID, sum uint32) uint32 {
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], uint32(cmd))
	return 0 - (ByteSum(id[:]) + sum)
}

// VerifyChecksum checks a message whose first four bytes carry the
// checksum of the rest.
func VerifyChecksum(cmd CommandID, msg []byte) bool {
	if len(msg) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(msg) == Checksum(cmd, msg[4:])
}
