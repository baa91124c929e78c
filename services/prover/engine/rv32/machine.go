// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rv32

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Guest memory layout of the fibonacci program.
const (
	// InputAddr is where the host writes the guest input n.
	InputAddr = 0x104

	// OutputAddr is where the guest writes fib(n).
	OutputAddr = 0x100

	// DefaultRAMBytes is the guest RAM size when the caller passes zero.
	DefaultRAMBytes = 0x200

	// DefaultMaxSteps bounds execution when the caller passes zero.
	DefaultMaxSteps = 1 << 20

	// MinRAMBytes covers the input and output words.
	MinRAMBytes = InputAddr + 4

	// MaxRAMBytes is the largest guest RAM a caller may request.
	MaxRAMBytes = 1 << 24

	// MaxStepLimit is the largest step budget a caller may request.
	MaxStepLimit = 1 << 22
)

var (
	// ErrMaxSteps indicates the program did not halt within the step budget.
	ErrMaxSteps = errors.New("exceeded max steps")

	// ErrMemoryFault indicates an unaligned or out-of-range load/store.
	ErrMemoryFault = errors.New("memory fault")

	// ErrPCOutOfRange indicates control flow left the program.
	ErrPCOutOfRange = errors.New("pc out of program range")
)

// Step is one executed instruction, reported to the step observer.
type Step struct {
	Index int
	PC    uint32
	Instr Instruction

	// Written is the value written to Rd (or stored to memory for sw).
	Written uint32
}

// Machine is a register machine executing an assembled program against a
// flat little-endian RAM. Program memory is separate from RAM.
type Machine struct {
	program []Instruction
	regs    [32]uint32
	pc      uint32
	ram     []byte
	halted  bool
	steps   int
}

// NewMachine creates a machine with ramBytes of zeroed RAM.
func NewMachine(program []Instruction, ramBytes int) *Machine {
	if ramBytes <= 0 {
		ramBytes = DefaultRAMBytes
	}
	return &Machine{
		program: program,
		ram:     make([]byte, ramBytes),
	}
}

// Store writes a word to RAM.
func (m *Machine) Store(addr uint32, value uint32) error {
	if err := m.checkAddr(addr); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.ram[addr:], value)
	return nil
}

// Load reads a word from RAM.
func (m *Machine) Load(addr uint32) (uint32, error) {
	if err := m.checkAddr(addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.ram[addr:]), nil
}

// Reg returns the value of register r.
func (m *Machine) Reg(r uint8) uint32 {
	return m.regs[r&31]
}

// Steps returns the number of executed instructions.
func (m *Machine) Steps() int {
	return m.steps
}

// Halted reports whether the machine executed a halt.
func (m *Machine) Halted() bool {
	return m.halted
}

func (m *Machine) checkAddr(addr uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("%w: unaligned address 0x%x", ErrMemoryFault, addr)
	}
	if uint64(addr)+4 > uint64(len(m.ram)) {
		return fmt.Errorf("%w: address 0x%x outside %d bytes of RAM", ErrMemoryFault, addr, len(m.ram))
	}
	return nil
}

// Run executes until halt or until maxSteps instructions have run.
//
// # Inputs
//
//   - maxSteps: step budget, zero means DefaultMaxSteps
//   - observe: optional callback invoked after every executed instruction
//
// # Outputs
//
//   - error: ErrMaxSteps, ErrMemoryFault or ErrPCOutOfRange, wrapped
func (m *Machine) Run(maxSteps int, observe func(Step)) error {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	for !m.halted {
		if m.steps >= maxSteps {
			return fmt.Errorf("%w: %d", ErrMaxSteps, maxSteps)
		}
		step, err := m.step()
		if err != nil {
			return err
		}
		if observe != nil {
			observe(step)
		}
	}
	return nil
}

func (m *Machine) step() (Step, error) {
	idx := m.pc / 4
	if m.pc%4 != 0 || int(idx) >= len(m.program) {
		return Step{}, fmt.Errorf("%w: pc=0x%x", ErrPCOutOfRange, m.pc)
	}
	ins := m.program[idx]
	st := Step{Index: m.steps, PC: m.pc, Instr: ins}
	next := m.pc + 4

	switch ins.Op {
	case OpNop:
	case OpAddi:
		st.Written = m.regs[ins.Rs1] + uint32(ins.Imm)
		m.write(ins.Rd, st.Written)
	case OpAdd:
		st.Written = m.regs[ins.Rs1] + m.regs[ins.Rs2]
		m.write(ins.Rd, st.Written)
	case OpLw:
		v, err := m.Load(m.regs[ins.Rs1] + uint32(ins.Imm))
		if err != nil {
			return Step{}, err
		}
		st.Written = v
		m.write(ins.Rd, v)
	case OpSw:
		st.Written = m.regs[ins.Rs2]
		if err := m.Store(m.regs[ins.Rs1]+uint32(ins.Imm), st.Written); err != nil {
			return Step{}, err
		}
	case OpBeq:
		if m.regs[ins.Rs1] == m.regs[ins.Rs2] {
			next = m.pc + uint32(ins.Imm)
		}
	case OpJal:
		st.Written = next
		m.write(ins.Rd, next)
		next = m.pc + uint32(ins.Imm)
	case OpHalt:
		m.halted = true
		next = m.pc
	default:
		return Step{}, fmt.Errorf("illegal opcode %d at pc=0x%x", ins.Op, m.pc)
	}

	m.pc = next
	m.steps++
	return st, nil
}

// write assigns a register. x0 is hardwired to zero.
func (m *Machine) write(rd uint8, v uint32) {
	if rd != 0 {
		m.regs[rd] = v
	}
}

// Fib returns fib(n) modulo 2^32, the value the guest program is expected to
// leave at OutputAddr.
func Fib(n uint32) uint32 {
	var a, b uint32 = 0, 1
	for i := uint32(0); i < n; i++ {
		a, b = b, a+b
	}
	return a
}
