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

// FibProgram computes fib(n) for n at RAM[0x104] and stores it at RAM[0x100].
// It is the default guest of the alternate pipeline.
const FibProgram = `# fib(n): n at 0x104, result at 0x100
    lw   a0, 0x104(zero)
    li   t0, 0
    li   t1, 1
loop:
    beq  a0, zero, done
    add  t2, t0, t1
    mv   t0, t1
    mv   t1, t2
    addi a0, a0, -1
    j    loop
done:
    sw   t0, 0x100(zero)
    ecall
`
