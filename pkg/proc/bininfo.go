package proc

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tracectl/tracectl/pkg/logflags"
)

// BinaryInfo holds the metadata resolved from the target executable:
// architecture, entry point and symbol table. Resolution is failure
// tolerant: a malformed binary produces a degraded-but-usable BinaryInfo
// instead of an error, since a corrupted executable can still be made to
// run. BinaryInfo is immutable after ResolveBinary returns.
type BinaryInfo struct {
	// Path of the executable the metadata was resolved from.
	Path string

	// Arch is the architecture tag of the binary ("amd64", "386", "arm64",
	// ...). Empty when architecture detection failed.
	Arch string

	// EntryPoint is the entry point address declared by the binary header.
	// Only meaningful when EntryPointValid returns true.
	EntryPoint uint64

	entryValid bool
	degraded   bool

	symbols map[string]uint64
	symTrie *trie.Trie
}

type binCacheKey struct {
	path  string
	mtime int64
	size  int64
}

// Resolved metadata is cached per (path, mtime, size); test suites attach to
// the same fixture repeatedly. Degraded results are never cached so that
// every resolution of a malformed binary re-emits its diagnostics.
var binCache, _ = lru.New(8)

var resolverLog = logflags.ResolverLogger()

// ResolveBinary loads the metadata of the executable at path. It never
// fails: architecture detection, entry point extraction and symbol table
// parsing are attempted independently, and each sub-step that cannot
// complete emits a warning and leaves its field at a sentinel value.
func ResolveBinary(path string) *BinaryInfo {
	key, statErr := cacheKeyFor(path)
	if statErr == nil {
		if cached, ok := binCache.Get(key); ok {
			return cached.(*BinaryInfo)
		}
	}

	log := resolverLog
	bi := &BinaryInfo{
		Path:    path,
		symbols: make(map[string]uint64),
		symTrie: trie.New(),
	}

	f, err := elf.Open(path)
	if err != nil {
		// Header unusable: every field degrades, one diagnostic each.
		bi.degraded = true
		log.Warnf("Failed to get the architecture of the binary: %v", err)
		log.Warnf("Failed to get the entry point for the given binary: %v", err)
		log.Warnf("Failed to parse the symbol table of the binary: %v", err)
		return bi
	}
	defer f.Close()

	if arch := archTag(f.Machine); arch != "" {
		bi.Arch = arch
	} else {
		bi.degraded = true
		log.Warnf("Failed to get the architecture of the binary: unknown machine %v", f.Machine)
	}

	if f.Entry != 0 {
		bi.EntryPoint = f.Entry
		bi.entryValid = true
	} else {
		bi.degraded = true
		log.Warnf("Failed to get the entry point for the given binary: the file header declares no entry point")
	}

	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		bi.degraded = true
		log.Warnf("Failed to parse the symbol table of the binary: %v", err)
	}
	dsyms, err := f.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		bi.degraded = true
		log.Warnf("Failed to parse the symbol table of the binary: %v", err)
	}
	for _, sym := range append(syms, dsyms...) {
		if sym.Name == "" || sym.Value == 0 {
			continue
		}
		if _, ok := bi.symbols[sym.Name]; ok {
			continue
		}
		bi.symbols[sym.Name] = sym.Value
		bi.symTrie.Add(sym.Name, sym.Value)
	}

	if statErr == nil && !bi.degraded {
		binCache.Add(key, bi)
	}
	return bi
}

// EntryPointValid reports whether the entry point could be resolved from the
// binary header.
func (bi *BinaryInfo) EntryPointValid() bool {
	return bi.entryValid
}

// Degraded reports whether one or more metadata fields could not be
// resolved.
func (bi *BinaryInfo) Degraded() bool {
	return bi.degraded
}

// LookupSymbol returns the address of the named symbol. Looking up a name
// that is absent, or any name when the symbol table is empty, fails with an
// invalid-argument error; this is distinguishable from "binary failed to
// load", which is reported only through resolution warnings.
func (bi *BinaryInfo) LookupSymbol(name string) (uint64, error) {
	if len(bi.symbols) == 0 {
		return 0, InvalidArgumentError{fmt.Sprintf("no symbols in %s", bi.Path)}
	}
	addr, ok := bi.symbols[name]
	if !ok {
		return 0, InvalidArgumentError{fmt.Sprintf("symbol %q not found", name)}
	}
	return addr, nil
}

// SymbolsWithPrefix returns the names of all symbols starting with prefix,
// sorted.
func (bi *BinaryInfo) SymbolsWithPrefix(prefix string) []string {
	names := bi.symTrie.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

// SymbolCount returns the number of symbols resolved from the binary.
func (bi *BinaryInfo) SymbolCount() int {
	return len(bi.symbols)
}

func cacheKeyFor(path string) (binCacheKey, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return binCacheKey{}, err
	}
	return binCacheKey{path: path, mtime: fi.ModTime().UnixNano(), size: fi.Size()}, nil
}

func archTag(machine elf.Machine) string {
	switch machine {
	case elf.EM_X86_64:
		return "amd64"
	case elf.EM_386:
		return "386"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_RISCV:
		return "riscv64"
	default:
		return ""
	}
}
