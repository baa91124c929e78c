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

import "encoding/json"

// ToySquareExport returns an export for the circuit x*x = y with the given
// number of witness steps, x running from 2 upward.
func ToySquareExport(steps int) []byte {
	exp := Export{
		NumConstraints: 1,
		NumVariables:   3,
		R1CS: R1CSExport{
			A: [][3]uint64{{0, 1, 1}},
			B: [][3]uint64{{0, 1, 1}},
			C: [][3]uint64{{0, 2, 1}},
		},
	}
	for i := range steps {
		x := uint64(i + 2)
		exp.Witness = append(exp.Witness, []uint64{1, x, x * x})
	}
	// Marshalling fixed-shape integer data cannot fail.
	data, _ := json.Marshal(exp)
	return data
}
