// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package refengine

import "math/bits"

// Modulus is the Goldilocks prime 2^64 - 2^32 + 1.
const Modulus uint64 = 0xFFFFFFFF00000001

// fieldAdd returns a+b mod p for a, b < p.
func fieldAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		// 2^64 + sum - p == sum + 2^32 - 1
		return sum + 0xFFFFFFFF
	}
	if sum >= Modulus {
		return sum - Modulus
	}
	return sum
}

// fieldMul returns a*b mod p for a, b < p.
func fieldMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi%Modulus, lo, Modulus)
	return rem
}

// dot returns the sparse row product sum(val * z[col]).
func dot(row []entry, z []uint64) uint64 {
	var acc uint64
	for _, e := range row {
		acc = fieldAdd(acc, fieldMul(e.Val, z[e.Col]))
	}
	return acc
}
