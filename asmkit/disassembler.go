// Package asmkit disassembles compiled Go functions so the machine code
// of the hammering loop can be inspected.
package asmkit

import (
	"fmt"
	"runtime"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

type DisassemblySyntax string

type DisassemblerConfig struct {
	Syntax     DisassemblySyntax
	ArchConfig interface{}
}

type X86Config struct {
	Bits int
}

type ARMConfig struct {
	Mode armasm.Mode
}

type ARM64Config struct{}

// HostConfig returns the architecture configuration of the running
// program.
func HostConfig() (interface{}, error) {
	switch runtime.GOARCH {
	case "amd64":
		return X86Config{Bits: 64}, nil
	case "386":
		return X86Config{Bits: 32}, nil
	case "arm":
		return ARMConfig{Mode: armasm.ModeARM}, nil
	case "arm64":
		return ARM64Config{}, nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", runtime.GOARCH)
	}
}

// Inst is one decoded instruction.
type Inst struct {
	Bin   []byte
	Len   int
	Index int
	Dis   string
	Inst  interface{}

	// MemoryOperands counts the operands that access memory.
	MemoryOperands int

	// Return is set for instructions that return from the function.
	Return bool
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	switch assertedConfig := config.ArchConfig.(type) {
	case ARMConfig:
		var disassemblyFn func(inst armasm.Inst) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = armasm.GNUSyntax
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm: %s", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte) (Inst, error) {
				armInst, err := armasm.Decode(remainingInsts, assertedConfig.Mode)
				if err != nil {
					return Inst{}, err
				}

				inst := Inst{
					Bin:  copySlice(remainingInsts, armInst.Len),
					Len:  armInst.Len,
					Inst: armInst,
				}

				if disassemblyFn != nil {
					inst.Dis = disassemblyFn(armInst)
				}

				for _, arg := range armInst.Args {
					_, isMem := arg.(armasm.Mem)
					if isMem {
						inst.MemoryOperands++
					}
				}

				inst.Return = armInst.Op == armasm.BX && armInst.Args[0] == armasm.LR

				return inst, nil
			},
		}, nil
	case ARM64Config:
		var disassemblyFn func(inst arm64asm.Inst) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = arm64asm.GNUSyntax
		case GoSyntax:
			disassemblyFn = func(inst arm64asm.Inst) string {
				return arm64asm.GoSyntax(inst, 0, nil, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for arm64: %s", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte) (Inst, error) {
				arm64Inst, err := arm64asm.Decode(remainingInsts)
				if err != nil {
					return Inst{}, err
				}

				inst := Inst{
					Bin:  copySlice(remainingInsts, 4),
					Len:  4,
					Inst: arm64Inst,
				}

				if disassemblyFn != nil {
					inst.Dis = disassemblyFn(arm64Inst)
				}

				for _, arg := range arm64Inst.Args {
					switch arg.(type) {
					case arm64asm.MemImmediate, arm64asm.MemExtend:
						inst.MemoryOperands++
					}
				}

				inst.Return = arm64Inst.Op == arm64asm.RET

				return inst, nil
			},
		}, nil
	case X86Config:
		var disassemblyFn func(inst x86asm.Inst) string
		switch config.Syntax {
		case SkipSyntax:
			// Do nothing.
		case ATTSyntax:
			disassemblyFn = func(inst x86asm.Inst) string {
				return x86asm.GNUSyntax(inst, 0, nil)
			}
		case GoSyntax:
			disassemblyFn = func(inst x86asm.Inst) string {
				return x86asm.GoSyntax(inst, 0, nil)
			}
		case IntelSyntax:
			disassemblyFn = func(inst x86asm.Inst) string {
				return x86asm.IntelSyntax(inst, 0, nil)
			}
		default:
			return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
		}

		return &Disassembler{
			disassOneInstFn: func(remainingInsts []byte) (Inst, error) {
				x86Inst, err := x86asm.Decode(remainingInsts, assertedConfig.Bits)
				if err != nil {
					return Inst{}, err
				}

				inst := Inst{
					Bin:  copySlice(remainingInsts, x86Inst.Len),
					Len:  x86Inst.Len,
					Inst: x86Inst,
				}

				if disassemblyFn != nil {
					inst.Dis = disassemblyFn(x86Inst)
				}

				for _, arg := range x86Inst.Args {
					_, isMem := arg.(x86asm.Mem)
					if isMem {
						inst.MemoryOperands++
					}
				}

				// LEA computes an address without loading it.
				if x86Inst.Op == x86asm.LEA {
					inst.MemoryOperands = 0
				}

				inst.Return = x86Inst.Op == x86asm.RET

				return inst, nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported config type: %T", assertedConfig)
	}
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

type Disassembler struct {
	disassOneInstFn func(remainingInsts []byte) (Inst, error)
}

func (o *Disassembler) All(rawInstructions []byte, onDecodeFn func(Inst) error) error {
	index := 0

	for index < len(rawInstructions) {
		inst, err := o.disassOneInstFn(rawInstructions[index:])
		if err != nil {
			return fmt.Errorf("failed to decode instruction %d - %w - remaining data: 0x%x",
				index, err, rawInstructions[index:])
		}

		inst.Index = index

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

func (o *Disassembler) Next(rawInstructions []byte) (Inst, error) {
	return o.disassOneInstFn(rawInstructions)
}
