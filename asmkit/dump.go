package asmkit

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

// ErrNoReturn is returned by DumpUntilReturn when the code ends without
// a return instruction.
var ErrNoReturn = errors.New("no return instruction found")

// FuncBytes returns up to max bytes of machine code starting at the entry
// point of fn, which must be a func value, and the function's name.
// The result stops at the last byte the runtime attributes to fn, so it
// never runs past the end of the text segment.
//
// The slice aliases the program's text segment and must not be written.
func FuncBytes(fn interface{}, max int) ([]byte, string, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, "", fmt.Errorf("expected a non-nil func - got %T", fn)
	}

	if max <= 0 {
		return nil, "", fmt.Errorf("max must be greater than zero - got %d", max)
	}

	pc := v.Pointer()

	f := runtime.FuncForPC(pc)
	if f == nil {
		return nil, "", fmt.Errorf("no symbol information for code at 0x%x", pc)
	}

	entry := f.Entry()
	code := unsafe.Add(v.UnsafePointer(), int(entry)-int(pc))

	return unsafe.Slice((*byte)(code), funcLen(entry, max)), f.Name(), nil
}

// funcLen returns the number of bytes, up to max, from entry that belong
// to the function starting at entry. Inlined frames report the entry of
// their outermost function.
func funcLen(entry uintptr, max int) int {
	n := 0
	for n < max {
		f := runtime.FuncForPC(entry + uintptr(n))
		if f == nil || f.Entry() != entry {
			break
		}
		n++
	}
	return n
}

// Dump is the decoded code of one function.
type Dump struct {
	Name  string
	Insts []Inst

	// Loads is the number of memory operands before the return.
	Loads int
}

// DumpUntilReturn decodes raw until the first return instruction.
func DumpUntilReturn(d *Disassembler, name string, raw []byte) (Dump, error) {
	dump := Dump{
		Name: name,
	}

	index := 0
	for index < len(raw) {
		inst, err := d.Next(raw[index:])
		if err != nil {
			return dump, fmt.Errorf("failed to decode instruction at 0x%x - %w", index, err)
		}

		inst.Index = index
		dump.Insts = append(dump.Insts, inst)
		dump.Loads += inst.MemoryOperands

		if inst.Return {
			return dump, nil
		}

		index += inst.Len
	}

	return dump, ErrNoReturn
}

// DumpFunc disassembles fn on the host architecture.
func DumpFunc(fn interface{}, syntax DisassemblySyntax, max int) (Dump, error) {
	arch, err := HostConfig()
	if err != nil {
		return Dump{}, err
	}

	d, err := NewDisassembler(DisassemblerConfig{
		Syntax:     syntax,
		ArchConfig: arch,
	})
	if err != nil {
		return Dump{}, err
	}

	raw, name, err := FuncBytes(fn, max)
	if err != nil {
		return Dump{}, err
	}

	return DumpUntilReturn(d, name, raw)
}
