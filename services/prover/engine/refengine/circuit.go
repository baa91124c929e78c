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

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianProver/services/prover/engine"
)

// =============================================================================
// Export Document
// =============================================================================

// Export is the circuit export document accepted by NewSession and
// AddStepsFromExport.
//
// # Description
//
// An R1CS instance over the Goldilocks field plus zero or more witness steps.
// Matrix entries are [row, col, value] triples. Every witness step is a full
// assignment z of length NumVariables; by convention z[0] is 1.
//
// Unknown fields are ignored, so a session can be created from a full export
// that also carries steps.
type Export struct {
	NumConstraints int        `json:"num_constraints"`
	NumVariables   int        `json:"num_variables"`
	R1CS           R1CSExport `json:"r1cs"`
	Witness        [][]uint64 `json:"witness"`
}

// R1CSExport holds the three sparse matrices.
type R1CSExport struct {
	A [][3]uint64 `json:"a"`
	B [][3]uint64 `json:"b"`
	C [][3]uint64 `json:"c"`
}

// Upper bounds on export dimensions. Larger values are rejected before any
// per-row or per-variable allocation.
const (
	MaxConstraints = 1 << 20
	MaxVariables   = 1 << 20
)

type entry struct {
	Col int
	Val uint64
}

// circuit is a validated R1CS instance in row-major sparse form.
type circuit struct {
	constraints int
	variables   int
	a, b, c     [][]entry
	nnz         [3]int
	digest      [32]byte
}

func parseExport(data []byte) (*Export, error) {
	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidCircuit, err)
	}
	return &exp, nil
}

// buildCircuit validates the R1CS part of an export.
func buildCircuit(exp *Export) (*circuit, error) {
	if exp.NumConstraints <= 0 {
		return nil, fmt.Errorf("%w: num_constraints must be positive", engine.ErrInvalidCircuit)
	}
	if exp.NumVariables <= 0 {
		return nil, fmt.Errorf("%w: num_variables must be positive", engine.ErrInvalidCircuit)
	}
	if exp.NumConstraints > MaxConstraints {
		return nil, fmt.Errorf("%w: num_constraints %d exceeds limit %d", engine.ErrInvalidCircuit, exp.NumConstraints, MaxConstraints)
	}
	if exp.NumVariables > MaxVariables {
		return nil, fmt.Errorf("%w: num_variables %d exceeds limit %d", engine.ErrInvalidCircuit, exp.NumVariables, MaxVariables)
	}

	c := &circuit{
		constraints: exp.NumConstraints,
		variables:   exp.NumVariables,
	}
	h := sha256.New()
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(c.constraints))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(c.variables))
	h.Write(hdr[:])

	for i, m := range []struct {
		name    string
		entries [][3]uint64
		dst     *[][]entry
	}{
		{"a", exp.R1CS.A, &c.a},
		{"b", exp.R1CS.B, &c.b},
		{"c", exp.R1CS.C, &c.c},
	} {
		rows := make([][]entry, c.constraints)
		for _, t := range m.entries {
			row, col, val := t[0], t[1], t[2]
			if row >= uint64(c.constraints) {
				return nil, fmt.Errorf("%w: matrix %s row %d out of range", engine.ErrInvalidCircuit, m.name, row)
			}
			if col >= uint64(c.variables) {
				return nil, fmt.Errorf("%w: matrix %s col %d out of range", engine.ErrInvalidCircuit, m.name, col)
			}
			if val >= Modulus {
				return nil, fmt.Errorf("%w: matrix %s value %d is not a field element", engine.ErrInvalidCircuit, m.name, val)
			}
			rows[row] = append(rows[row], entry{Col: int(col), Val: val})
			var buf [24]byte
			binary.LittleEndian.PutUint64(buf[:8], row)
			binary.LittleEndian.PutUint64(buf[8:16], col)
			binary.LittleEndian.PutUint64(buf[16:], val)
			h.Write(buf[:])
		}
		*m.dst = rows
		c.nnz[i] = len(m.entries)
	}
	copy(c.digest[:], h.Sum(nil))
	return c, nil
}

// checkStep validates one witness assignment against the circuit.
func (c *circuit) checkStep(idx int, z []uint64) error {
	if len(z) != c.variables {
		return fmt.Errorf("%w: witness step %d has %d values, want %d", engine.ErrInvalidCircuit, idx, len(z), c.variables)
	}
	for j, v := range z {
		if v >= Modulus {
			return fmt.Errorf("%w: witness step %d value %d is not a field element", engine.ErrInvalidCircuit, idx, j)
		}
	}
	for i := 0; i < c.constraints; i++ {
		if fieldMul(dot(c.a[i], z), dot(c.b[i], z)) != dot(c.c[i], z) {
			return fmt.Errorf("%w: witness step %d does not satisfy constraint %d", engine.ErrInvalidCircuit, idx, i)
		}
	}
	return nil
}

// paddedN is the constraint count rounded up to a power of two.
func (c *circuit) paddedN() int {
	n := 1
	for n < c.constraints {
		n <<= 1
	}
	return n
}
