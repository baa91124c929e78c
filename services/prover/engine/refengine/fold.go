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
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"golang.org/x/sync/errgroup"
)

// Domain separators.
var (
	commitDomain = []byte("neo/commit/v1")
	accDomain    = []byte("neo/acc/v1")
	vkDomain     = []byte("neo/vk/v1")
)

// Compressed proof magics. The layout after the magic is
//
//	u32 steps | u32 width | acc[32] | folded digest[32] | binding[32]
//
// where binding = sha256(vk || acc || folded digest).
var (
	snarkMagic   = []byte("NEOSPK01")
	rv32Magic    = []byte("NEORVS01")
	snarkBodyLen = 4 + 4 + 32*3
)

// foldResult is the output of folding a sequence of committed steps.
type foldResult struct {
	commitments   [][32]byte
	accumulator   [32]byte
	folded        []uint64
	stepDurations []time.Duration
}

// commitStep commits to one step's assignment.
func commitStep(digest [32]byte, idx int, z []uint64) [32]byte {
	h := sha256.New()
	h.Write(commitDomain)
	h.Write(digest[:])
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(idx))
	h.Write(buf[:])
	for _, v := range z {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// commitAll computes n commitments, in parallel when workers > 1.
func commitAll(ctx context.Context, workers, n int, commit func(i int) [32]byte) ([][32]byte, error) {
	out := make([][32]byte, n)
	if workers <= 1 {
		for i := range n {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out[i] = commit(i)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = commit(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// foldCommitments chains commitments into the accumulator and folds the
// witnesses with accumulator-derived challenges. steps may be nil, in which
// case only the accumulator is computed.
func foldCommitments(digest [32]byte, commits [][32]byte, steps [][]uint64, width int) *foldResult {
	res := &foldResult{
		commitments:   commits,
		stepDurations: make([]time.Duration, len(commits)),
	}
	if steps != nil {
		res.folded = make([]uint64, width)
	}

	h := sha256.New()
	h.Write(accDomain)
	h.Write(digest[:])
	copy(res.accumulator[:], h.Sum(nil))

	for i, c := range commits {
		start := time.Now()
		h.Reset()
		h.Write(res.accumulator[:])
		h.Write(c[:])
		copy(res.accumulator[:], h.Sum(nil))

		if steps != nil {
			r := binary.LittleEndian.Uint64(res.accumulator[:8]) % Modulus
			for j, v := range steps[i] {
				res.folded[j] = fieldAdd(res.folded[j], fieldMul(r, v))
			}
		}
		res.stepDurations[i] = time.Since(start)
	}
	return res
}

func equalWitness(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func verifierKey(digest [32]byte) []byte {
	h := sha256.New()
	h.Write(vkDomain)
	h.Write(digest[:])
	return h.Sum(nil)
}

// packSnark serializes a fold result into the compressed layout.
func packSnark(magic, vk []byte, res *foldResult) []byte {
	h := sha256.New()
	var buf [8]byte
	for _, v := range res.folded {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	foldedDigest := h.Sum(nil)

	h.Reset()
	h.Write(vk)
	h.Write(res.accumulator[:])
	h.Write(foldedDigest)
	binding := h.Sum(nil)

	out := make([]byte, 0, len(magic)+snarkBodyLen)
	out = append(out, magic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(res.commitments)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(res.folded)))
	out = append(out, res.accumulator[:]...)
	out = append(out, foldedDigest...)
	out = append(out, binding...)
	return out
}
