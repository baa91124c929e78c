// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "time"

// SetupTimings reports session construction phases.
type SetupTimings struct {
	ParamsSetup  time.Duration
	BuildCircuit time.Duration
	SessionInit  time.Duration
}

// ParamsSummary describes the proving parameters of a session.
type ParamsSummary struct {
	Field       string `json:"field"`
	Base        uint32 `json:"b"`
	Degree      uint32 `json:"d"`
	Kappa       uint32 `json:"kappa"`
	Security    uint32 `json:"lambda"`
	Commitments string `json:"commitments"`
}

// CircuitSummary describes a circuit and its witness.
type CircuitSummary struct {
	Constraints         int     `json:"r1cs_constraints"`
	Variables           int     `json:"r1cs_variables"`
	PaddedN             int     `json:"r1cs_padded_n"`
	ANonZero            int     `json:"r1cs_a_nnz"`
	BNonZero            int     `json:"r1cs_b_nnz"`
	CNonZero            int     `json:"r1cs_c_nnz"`
	WitnessSteps        int     `json:"witness_steps"`
	WitnessFields       int     `json:"witness_fields_total"`
	WitnessNonZero      int     `json:"witness_nonzero_fields_total"`
	WitnessNonZeroRatio float64 `json:"witness_nonzero_ratio"`
}

// ProofEstimate reports proof size estimates.
type ProofEstimate struct {
	ProofSteps      int `json:"proof_steps"`
	Commitments     int `json:"total_commitments"`
	CommitmentBytes int `json:"commitment_bytes"`
	EstimatedBytes  int `json:"estimated_commitment_bytes"`
}

// FoldingSummary reports the folding shape per step.
type FoldingSummary struct {
	InputsPerStep       []int `json:"k_in"`
	AccumulatorLenAfter []int `json:"acc_len_after"`
}
