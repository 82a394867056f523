package abi

import (
	"fmt"

	"github.com/wippyai/pybridge/abi/internal/layout"
	"github.com/wippyai/pybridge/errors"
)

// Generation identifies one interpreter ABI layout family.
type Generation uint8

const (
	GenUnknown Generation = iota
	// GenPrint is 3.8: three-slot async table, and the type object keeps a
	// deprecated tp_print slot after tp_vectorcall.
	GenPrint
	// GenLegacy is 3.9: three-slot async table.
	GenLegacy
	// GenSend covers 3.10 and 3.11: am_send joins the async table.
	GenSend
	// GenWatched is 3.12: the type object gains tp_watched.
	GenWatched
	// GenVersioned is 3.13: the type object gains tp_versions_used.
	GenVersioned
)

var generationNames = map[Generation]string{
	GenUnknown:   "unknown",
	GenPrint:     "print (3.8)",
	GenLegacy:    "legacy (3.9)",
	GenSend:      "send (3.10-3.11)",
	GenWatched:   "watched (3.12)",
	GenVersioned: "versioned (3.13)",
}

func (g Generation) String() string {
	if s, ok := generationNames[g]; ok {
		return s
	}
	return fmt.Sprintf("generation(%d)", uint8(g))
}

// Generations lists every supported generation, oldest first.
func Generations() []Generation {
	return []Generation{GenPrint, GenLegacy, GenSend, GenWatched, GenVersioned}
}

// HasPrint reports whether the type object carries the trailing tp_print.
func (g Generation) HasPrint() bool {
	return g == GenPrint
}

// HasSend reports whether the async table carries am_send.
func (g Generation) HasSend() bool {
	return g >= GenSend
}

// HasWatched reports whether the type object carries tp_watched.
func (g Generation) HasWatched() bool {
	return g >= GenWatched
}

// HasVersionsUsed reports whether the type object carries tp_versions_used.
func (g Generation) HasVersionsUsed() bool {
	return g >= GenVersioned
}

// Detect maps an interpreter version onto its generation. Versions outside
// the supported range fail: using a neighbouring layout would corrupt
// interpreter memory.
func Detect(v Version) (Generation, error) {
	if v.Major != 3 {
		return GenUnknown, errors.ABIMismatch(v.String(), "only CPython 3 layouts are described")
	}
	switch v.Minor {
	case 8:
		return GenPrint, nil
	case 9:
		return GenLegacy, nil
	case 10, 11:
		return GenSend, nil
	case 12:
		return GenWatched, nil
	case 13:
		return GenVersioned, nil
	}
	return GenUnknown, errors.ABIMismatch(v.String(), "no descriptor for this interpreter version (supported: 3.8-3.13)")
}

// DetectString parses and detects in one step.
func DetectString(s string) (Version, Generation, error) {
	v, err := ParseVersion(s)
	if err != nil {
		return Version{}, GenUnknown, err
	}
	g, err := Detect(v)
	return v, g, err
}

// Platform is the data model of the host the interpreter was built for.
type Platform uint8

const (
	PlatformUnknown Platform = iota
	// PlatformLP64 is Linux and macOS on 64-bit targets.
	PlatformLP64
	// PlatformLLP64 is 64-bit Windows, where unsigned long stays 32 bits.
	PlatformLLP64
)

func (p Platform) String() string {
	switch p {
	case PlatformLP64:
		return "LP64"
	case PlatformLLP64:
		return "LLP64"
	}
	return "unknown"
}

func (p Platform) model() (layout.Model, bool) {
	switch p {
	case PlatformLP64:
		return layout.LP64, true
	case PlatformLLP64:
		return layout.LLP64, true
	}
	return layout.Model{}, false
}

var wide = map[string]bool{
	"amd64":    true,
	"arm64":    true,
	"ppc64":    true,
	"ppc64le":  true,
	"riscv64":  true,
	"s390x":    true,
	"loong64":  true,
	"mips64":   true,
	"mips64le": true,
}

// DetectPlatform maps GOOS/GOARCH onto a data model. 32-bit targets are not
// described.
func DetectPlatform(goos, goarch string) (Platform, error) {
	if !wide[goarch] {
		return PlatformUnknown, errors.ABIMismatch(goos+"/"+goarch, "32-bit targets are not described")
	}
	if goos == "windows" {
		return PlatformLLP64, nil
	}
	return PlatformLP64, nil
}
