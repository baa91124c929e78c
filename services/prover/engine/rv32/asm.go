// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rv32 assembles and executes a small RV32I subset used as the guest
// language of the monolithic program prover.
//
// # Supported Syntax
//
//	addi rd, rs1, imm      add rd, rs1, rs2
//	lw rd, off(rs1)        sw rs2, off(rs1)
//	beq rs1, rs2, label    jal [rd,] label     j label
//	li rd, imm             mv rd, rs
//	ecall | halt           nop
//
// Labels end with ':', comments start with '#' or '//', lines starting with
// '.' (directives) are ignored. Registers accept x0..x31 and ABI names.
package rv32

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax wraps every assembly error.
var ErrSyntax = errors.New("rv32 syntax error")

// Op is an instruction opcode.
type Op uint8

const (
	OpNop Op = iota
	OpAddi
	OpAdd
	OpLw
	OpSw
	OpBeq
	OpJal
	OpHalt
)

var opNames = map[Op]string{
	OpNop:  "nop",
	OpAddi: "addi",
	OpAdd:  "add",
	OpLw:   "lw",
	OpSw:   "sw",
	OpBeq:  "beq",
	OpJal:  "jal",
	OpHalt: "halt",
}

// String returns the mnemonic.
func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

// Instruction is one decoded instruction. Branch and jump immediates are
// byte offsets relative to the instruction's own pc.
type Instruction struct {
	Op  Op
	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Imm int32
}

// String renders the instruction in assembly form.
func (i Instruction) String() string {
	switch i.Op {
	case OpAddi:
		return fmt.Sprintf("addi x%d, x%d, %d", i.Rd, i.Rs1, i.Imm)
	case OpAdd:
		return fmt.Sprintf("add x%d, x%d, x%d", i.Rd, i.Rs1, i.Rs2)
	case OpLw:
		return fmt.Sprintf("lw x%d, %d(x%d)", i.Rd, i.Imm, i.Rs1)
	case OpSw:
		return fmt.Sprintf("sw x%d, %d(x%d)", i.Rs2, i.Imm, i.Rs1)
	case OpBeq:
		return fmt.Sprintf("beq x%d, x%d, %d", i.Rs1, i.Rs2, i.Imm)
	case OpJal:
		return fmt.Sprintf("jal x%d, %d", i.Rd, i.Imm)
	default:
		return i.Op.String()
	}
}

var abiNames = map[string]uint8{
	"zero": 0, "ra": 1, "sp": 2, "gp": 3, "tp": 4,
	"t0": 5, "t1": 6, "t2": 7,
	"s0": 8, "fp": 8, "s1": 9,
	"a0": 10, "a1": 11, "a2": 12, "a3": 13, "a4": 14, "a5": 15, "a6": 16, "a7": 17,
	"s2": 18, "s3": 19, "s4": 20, "s5": 21, "s6": 22, "s7": 23, "s8": 24, "s9": 25, "s10": 26, "s11": 27,
	"t3": 28, "t4": 29, "t5": 30, "t6": 31,
}

// pending is an instruction whose label operand is resolved in the second pass.
type pending struct {
	line   int
	instr  Instruction
	target string
}

// Assemble parses program text into instructions.
//
// # Description
//
// Two passes: the first parses lines and records label positions, the second
// resolves label operands of beq/jal/j into pc-relative byte offsets.
//
// # Outputs
//
//   - []Instruction: the program, instruction i lives at pc 4*i
//   - error: wraps ErrSyntax with the offending line number
func Assemble(text string) ([]Instruction, error) {
	labels := make(map[string]int)
	var out []pending

	for idx, line := range strings.Split(text, "\n") {
		if err := parseLine(idx+1, line, labels, &out); err != nil {
			return nil, err
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: assembled program is empty", ErrSyntax)
	}

	program := make([]Instruction, 0, len(out))
	for i, p := range out {
		if p.target != "" {
			at, ok := labels[p.target]
			if !ok {
				return nil, syntaxErr(p.line, "unknown label '%s'", p.target)
			}
			p.instr.Imm = int32((at - i) * 4)
		}
		program = append(program, p.instr)
	}
	return program, nil
}

func syntaxErr(line int, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, line, fmt.Sprintf(format, args...))
}

func stripComment(line string) string {
	cut := len(line)
	if i := strings.Index(line, "#"); i >= 0 && i < cut {
		cut = i
	}
	if i := strings.Index(line, "//"); i >= 0 && i < cut {
		cut = i
	}
	return line[:cut]
}

func parseLine(lineNo int, line string, labels map[string]int, out *[]pending) error {
	raw := strings.TrimSpace(stripComment(line))
	if raw == "" || strings.HasPrefix(raw, ".") {
		return nil
	}

	rest := raw
	if label, after, found := strings.Cut(raw, ":"); found {
		if name := strings.TrimSpace(label); name != "" {
			labels[name] = len(*out)
		}
		rest = strings.TrimSpace(after)
		if rest == "" {
			return nil
		}
	}

	fields := strings.Fields(rest)
	op := strings.ToLower(fields[0])
	args := parseOperands(strings.Join(fields[1:], " "))

	if len(fields) == 1 && isNumeric(op) {
		return syntaxErr(lineNo, "raw instruction words are not supported")
	}

	p := pending{line: lineNo}
	var err error

	switch op {
	case "addi":
		if len(args) != 3 {
			return syntaxErr(lineNo, "addi expects 3 operands: addi rd, rs1, imm")
		}
		p.instr.Op = OpAddi
		if p.instr.Rd, err = parseReg(args[0], lineNo); err != nil {
			return err
		}
		if p.instr.Rs1, err = parseReg(args[1], lineNo); err != nil {
			return err
		}
		if p.instr.Imm, err = parseImm(args[2], lineNo); err != nil {
			return err
		}

	case "add":
		if len(args) != 3 {
			return syntaxErr(lineNo, "add expects 3 operands: add rd, rs1, rs2")
		}
		p.instr.Op = OpAdd
		if p.instr.Rd, err = parseReg(args[0], lineNo); err != nil {
			return err
		}
		if p.instr.Rs1, err = parseReg(args[1], lineNo); err != nil {
			return err
		}
		if p.instr.Rs2, err = parseReg(args[2], lineNo); err != nil {
			return err
		}

	case "lw":
		if len(args) != 2 {
			return syntaxErr(lineNo, "lw expects 2 operands: lw rd, off(rs1)")
		}
		p.instr.Op = OpLw
		if p.instr.Rd, err = parseReg(args[0], lineNo); err != nil {
			return err
		}
		if p.instr.Imm, p.instr.Rs1, err = parseMemOperand(args[1], lineNo); err != nil {
			return err
		}

	case "sw":
		if len(args) != 2 {
			return syntaxErr(lineNo, "sw expects 2 operands: sw rs2, off(rs1)")
		}
		p.instr.Op = OpSw
		if p.instr.Rs2, err = parseReg(args[0], lineNo); err != nil {
			return err
		}
		if p.instr.Imm, p.instr.Rs1, err = parseMemOperand(args[1], lineNo); err != nil {
			return err
		}

	case "beq":
		if len(args) != 3 {
			return syntaxErr(lineNo, "beq expects 3 operands: beq rs1, rs2, label|imm")
		}
		p.instr.Op = OpBeq
		if p.instr.Rs1, err = parseReg(args[0], lineNo); err != nil {
			return err
		}
		if p.instr.Rs2, err = parseReg(args[1], lineNo); err != nil {
			return err
		}
		if imm, immErr := parseImm(args[2], lineNo); immErr == nil {
			p.instr.Imm = imm
		} else {
			p.target = args[2]
		}

	case "jal":
		p.instr.Op = OpJal
		switch len(args) {
		case 1:
			p.instr.Rd = 1
			p.target = args[0]
		case 2:
			if p.instr.Rd, err = parseReg(args[0], lineNo); err != nil {
				return err
			}
			if imm, immErr := parseImm(args[1], lineNo); immErr == nil {
				p.instr.Imm = imm
			} else {
				p.target = args[1]
			}
		default:
			return syntaxErr(lineNo, "jal expects 1 or 2 operands: jal label OR jal rd, label|imm")
		}

	case "j":
		if len(args) != 1 {
			return syntaxErr(lineNo, "j expects 1 operand: j label")
		}
		p.instr.Op = OpJal
		p.target = args[0]

	case "li":
		if len(args) != 2 {
			return syntaxErr(lineNo, "li expects 2 operands: li rd, imm")
		}
		p.instr.Op = OpAddi
		if p.instr.Rd, err = parseReg(args[0], lineNo); err != nil {
			return err
		}
		if p.instr.Imm, err = parseImm(args[1], lineNo); err != nil {
			return err
		}
		if p.instr.Imm < -2048 || p.instr.Imm > 2047 {
			return syntaxErr(lineNo, "li immediate out of range (-2048..2047)")
		}

	case "mv":
		if len(args) != 2 {
			return syntaxErr(lineNo, "mv expects 2 operands: mv rd, rs")
		}
		p.instr.Op = OpAddi
		if p.instr.Rd, err = parseReg(args[0], lineNo); err != nil {
			return err
		}
		if p.instr.Rs1, err = parseReg(args[1], lineNo); err != nil {
			return err
		}

	case "ecall", "halt":
		if len(args) != 0 {
			return syntaxErr(lineNo, "%s takes no operands", op)
		}
		p.instr.Op = OpHalt

	case "nop":
		if len(args) != 0 {
			return syntaxErr(lineNo, "nop takes no operands")
		}
		p.instr.Op = OpNop

	default:
		return syntaxErr(lineNo, "unsupported opcode '%s' (supported: addi, add, lw, sw, beq, jal, j, li, mv, ecall, nop)", op)
	}

	*out = append(*out, p)
	return nil
}

func isNumeric(s string) bool {
	if hex, ok := strings.CutPrefix(s, "0x"); ok {
		_, err := strconv.ParseUint(hex, 16, 32)
		return err == nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func parseOperands(rest string) []string {
	var args []string
	for _, part := range strings.Split(rest, ",") {
		if s := strings.TrimSpace(part); s != "" {
			args = append(args, s)
		}
	}
	return args
}

func parseReg(token string, lineNo int) (uint8, error) {
	t := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(token, ",")))
	if t == "" {
		return 0, syntaxErr(lineNo, "expected register, got empty token")
	}
	if num, ok := strings.CutPrefix(t, "x"); ok {
		idx, err := strconv.ParseUint(num, 10, 8)
		if err != nil || idx > 31 {
			return 0, syntaxErr(lineNo, "invalid register '%s' (x0..x31)", token)
		}
		return uint8(idx), nil
	}
	if reg, ok := abiNames[t]; ok {
		return reg, nil
	}
	return 0, syntaxErr(lineNo, "unknown register '%s' (expected x0..x31 or ABI names like a0/t0)", token)
}

func parseImm(token string, lineNo int) (int32, error) {
	s := strings.ReplaceAll(strings.TrimSpace(strings.TrimSuffix(token, ",")), "_", "")
	if s == "" {
		return 0, syntaxErr(lineNo, "expected immediate, got empty token")
	}
	neg := false
	if rest, ok := strings.CutPrefix(s, "-"); ok {
		neg = true
		s = rest
	}
	var val int64
	var err error
	if hex, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		val, err = strconv.ParseInt(hex, 16, 64)
	} else {
		val, err = strconv.ParseInt(s, 10, 64)
	}
	if err != nil {
		return 0, syntaxErr(lineNo, "invalid immediate '%s'", token)
	}
	if neg {
		val = -val
	}
	if val < -(1<<31) || val > (1<<31)-1 {
		return 0, syntaxErr(lineNo, "immediate out of range for i32: '%s'", token)
	}
	return int32(val), nil
}

func parseMemOperand(token string, lineNo int) (int32, uint8, error) {
	t := strings.TrimSpace(strings.TrimSuffix(token, ","))
	open := strings.Index(t, "(")
	closing := strings.LastIndex(t, ")")
	if open < 0 || closing < 0 {
		return 0, 0, syntaxErr(lineNo, "expected mem operand like '0(x1)', got '%s'", token)
	}
	if closing <= open {
		return 0, 0, syntaxErr(lineNo, "invalid mem operand '%s'", token)
	}
	var off int32
	if offStr := strings.TrimSpace(t[:open]); offStr != "" {
		var err error
		if off, err = parseImm(offStr, lineNo); err != nil {
			return 0, 0, err
		}
	}
	base, err := parseReg(t[open+1:closing], lineNo)
	if err != nil {
		return 0, 0, err
	}
	return off, base, nil
}
