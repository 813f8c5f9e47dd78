package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257  // Absolute 64-bit symbol reference
	R_AARCH64_GLOB_DAT  = 1025 // GOT entry for global data symbol
	R_AARCH64_JUMP_SLOT = 1026 // PLT GOT entry for function call
	R_AARCH64_RELATIVE  = 1027 // Position-independent data reference
)

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // File size
	MemSz  uint64 // Memory size (may be larger due to .bss)
	Flags  elf.ProgFlag
	Data   []byte
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// IsWritable returns true if the segment is writable
func (s *Segment) IsWritable() bool {
	return s.Flags&elf.PF_W != 0
}

// IsReadable returns true if the segment is readable
func (s *Segment) IsReadable() bool {
	return s.Flags&elf.PF_R != 0
}

// Reloc is one relocation entry from .rela.dyn or .rela.plt.
type Reloc struct {
	Offset uint64
	Type   uint32
	SymIdx int
	Addend int64
}

// image holds everything parsed from an ELF file before it is given a base
// address. Addresses in here are file virtual addresses, not relocated ones.
type image struct {
	path     string
	entry    uint64
	fileBase uint64
	fileEnd  uint64
	segments []Segment
	dynSyms  []elf.Symbol // index i corresponds to ELF symbol index i+1
	symbols  map[string]uint64
	needed   []string
	runpath  string
	relocs   []Reloc
}

// parseELF reads a shared object and collects segments, symbols, dependency
// names and relocations. Only ET_DYN ARM64 objects are accepted, matching the
// loader's single supported target.
func parseELF(path string) (*image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("expected ARM64 (EM_AARCH64), got %v", f.Machine)
	}
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("not a shared object (type %v)", f.Type)
	}

	img := &image{
		path:    path,
		entry:   f.Entry,
		symbols: make(map[string]uint64),
	}

	// Find file base address (lowest PT_LOAD vaddr)
	img.fileBase = ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < img.fileBase {
			img.fileBase = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > img.fileEnd {
			img.fileEnd = end
		}
	}
	if img.fileBase == ^uint64(0) {
		return nil, fmt.Errorf("no PT_LOAD segments found")
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := Segment{
			VAddr:  prog.Vaddr,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			seg.Data = fileData[prog.Off : prog.Off+prog.Filesz]
		}
		img.segments = append(img.segments, seg)
	}

	// Defined symbols from .dynsym and .symtab.
	// Strip version suffixes (@@VERSION or @VERSION) for consistent lookup.
	dynSyms, err := f.DynamicSymbols()
	if err == nil {
		img.dynSyms = dynSyms
		for _, sym := range dynSyms {
			addDefinedSymbol(img.symbols, sym)
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			addDefinedSymbol(img.symbols, sym)
		}
	}

	// DT_NEEDED and DT_RUNPATH from the dynamic section
	if needed, err := f.DynString(elf.DT_NEEDED); err == nil {
		img.needed = needed
	}
	if runpath, err := f.DynString(elf.DT_RUNPATH); err == nil && len(runpath) > 0 {
		img.runpath = runpath[0]
	}

	// Relocations from .rela.dyn and .rela.plt. The PLT set is resolved
	// eagerly at initialization (RTLD_NOW semantics); there is no lazy
	// binding trampoline in the emulated host.
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		if sec.Name != ".rela.dyn" && sec.Name != ".rela.plt" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		// Each RELA entry is 24 bytes: r_offset (8), r_info (8), r_addend (8)
		const entrySize = 24
		for i := 0; i+entrySize <= len(data); i += entrySize {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := int64(binary.LittleEndian.Uint64(data[i+16:]))
			img.relocs = append(img.relocs, Reloc{
				Offset: rOffset,
				Type:   uint32(rInfo & 0xFFFFFFFF),
				SymIdx: int(rInfo >> 32),
				Addend: rAddend,
			})
		}
	}

	return img, nil
}

func addDefinedSymbol(symbols map[string]uint64, sym elf.Symbol) {
	if sym.Value == 0 || sym.Name == "" {
		return
	}
	symbols[sym.Name] = sym.Value
	if idx := strings.Index(sym.Name, "@@"); idx != -1 {
		symbols[sym.Name[:idx]] = sym.Value
	} else if idx := strings.Index(sym.Name, "@"); idx != -1 {
		symbols[sym.Name[:idx]] = sym.Value
	}
}

// dynSymbol returns the dynamic symbol for an ELF symbol index.
// Go's DynamicSymbols() skips STN_UNDEF at index 0, so the table is 1-based.
func (img *image) dynSymbol(symIdx int) (elf.Symbol, bool) {
	arrayIdx := symIdx - 1
	if arrayIdx < 0 || arrayIdx >= len(img.dynSyms) {
		return elf.Symbol{}, false
	}
	return img.dynSyms[arrayIdx], true
}

// stripVersion removes @@VERSION / @VERSION suffixes from a symbol name.
func stripVersion(name string) string {
	if idx := strings.Index(name, "@@"); idx != -1 {
		return name[:idx]
	}
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}
