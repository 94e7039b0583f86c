package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/colorfulnotion/ppurec/ppu/guest"
	"github.com/colorfulnotion/ppurec/ppu/instr"
)

const (
	defaultMemSize = 16 << 20
	defaultBase    = 0x10000
	demoIterations = 1000
)

type imageFlags struct {
	path    string
	base    string
	entry   string
	memSize string
}

func (f *imageFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.path, "image", "", "raw big-endian code image (empty runs the built-in demo)")
	fs.StringVar(&f.base, "base", fmt.Sprintf("%#x", defaultBase), "load address of the image")
	fs.StringVar(&f.entry, "entry", "", "entry address (defaults to the load address)")
	fs.StringVar(&f.memSize, "mem", fmt.Sprintf("%#x", defaultMemSize), "guest memory size in bytes")
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint32(v), nil
}

// load maps guest memory and places the image (or the demo) in it.
func (f *imageFlags) load() (*guest.Memory, uint32, error) {
	size, err := parseAddr(f.memSize)
	if err != nil {
		return nil, 0, err
	}
	base, err := parseAddr(f.base)
	if err != nil {
		return nil, 0, err
	}
	entry := base
	if f.entry != "" {
		if entry, err = parseAddr(f.entry); err != nil {
			return nil, 0, err
		}
	}

	mem, err := guest.NewMemory(size)
	if err != nil {
		return nil, 0, err
	}
	if f.path == "" {
		for _, a := range demoProgram(base, demoIterations) {
			err = mem.Load(a.Origin, a.Bytes())
			if err != nil {
				break
			}
		}
	} else {
		var image []byte
		image, err = os.ReadFile(f.path)
		if err == nil {
			err = mem.Load(base, image)
		}
	}
	if err != nil {
		mem.Close()
		return nil, 0, fmt.Errorf("load image: %w", err)
	}
	return mem, entry, nil
}

// demoProgram calls a leaf n times from a counted loop; the leaf adds 7 to
// r3 and truncates it to 16 bits, so the result is (7*n) & 0xFFFF.
func demoProgram(base uint32, n int32) []*instr.Asm {
	leafAddr := base + 0x100
	main := instr.NewAsm(base).
		Mflr(30).
		Li(3, 0).
		Li(4, n).
		Mtctr(4)
	head := main.PC()
	main.Bl(leafAddr).
		Bdnz(head).
		Mtlr(30).
		Blr()

	leaf := instr.NewAsm(leafAddr).
		Addi(3, 3, 7).
		Rlwinm(3, 3, 0, 16, 31).
		Blr()
	return []*instr.Asm{main, leaf}
}
