// Package selfmap implements the process-map oracle (spec.md §4.A,
// component A): classifying an instruction pointer as belonging to this
// tool, the threading library, libc, the application, or nothing known,
// and resolving addresses/filenames to mappings. Grounded on
// original_source/source/selfmap.hh.
package selfmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Classification is the result of classifying an instruction pointer.
type Classification int

const (
	Unknown Classification = iota
	Tool
	Pthread
	Libc
	Application
)

func (c Classification) String() string {
	switch c {
	case Tool:
		return "tool"
	case Pthread:
		return "pthread"
	case Libc:
		return "libc"
	case Application:
		return "application"
	default:
		return "unknown"
	}
}

// Mapping is a single parsed line of /proc/self/maps.
type Mapping struct {
	Base, Limit uintptr
	Readable    bool
	Writable    bool
	Executable  bool
	CopyOnWrite bool
	Offset      uint64
	File        string
}

// Valid reports whether the mapping was actually populated.
func (m Mapping) Valid() bool { return m.Limit != 0 || m.File != "" || m.Base != 0 }

func (m Mapping) contains(addr uintptr) bool {
	return addr >= m.Base && addr < m.Limit
}

func (m Mapping) isText() bool {
	return m.Readable && !m.Writable && m.Executable
}

// Oracle owns a parsed snapshot of this process's memory map and the
// classification boundaries derived from it.
type Oracle struct {
	mainExe string

	toolStart, toolEnd       uintptr
	pthreadStart, pthreadEnd uintptr
	libcStart, libcEnd       uintptr
	appStart, appEnd         uintptr

	pthreadFile string
	libcFile    string

	byAddress  []Mapping // sorted by Base, for classify/mapping lookups
	byFileName map[string]Mapping
}

// New parses /proc/self/maps and builds an Oracle. toolFileHint and
// appFileHint are substrings used to recognize this tool's own mapping and
// the application's main executable mapping respectively (mirroring the
// original's hardcoded "/mylibrary" check and main-exe-by-first-mapping
// heuristic) — pass "" for appFileHint to use the first mapping's file, as
// the original does.
func New(toolFileHint, appFileHint string) (*Oracle, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("selfmap: open /proc/self/maps: %w", err)
	}
	defer f.Close()
	return build(f, toolFileHint, appFileHint)
}

// Reinit re-parses the process map, for use after fork in the child where
// addresses may have shifted relative to the parent's last snapshot (in
// practice they won't on Linux fork, but re-init keeps classification
// consistent with whatever the new /proc/self/maps reports).
func (o *Oracle) Reinit(toolFileHint, appFileHint string) error {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return fmt.Errorf("selfmap: reinit open /proc/self/maps: %w", err)
	}
	defer f.Close()
	fresh, err := build(f, toolFileHint, appFileHint)
	if err != nil {
		return err
	}
	*o = *fresh
	return nil
}

func build(r io.Reader, toolFileHint, appFileHint string) (*Oracle, error) {
	o := &Oracle{byFileName: make(map[string]Mapping)}
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		m, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		if first {
			if appFileHint == "" {
				o.mainExe = m.File
			}
			first = false
		}
		o.byAddress = append(o.byAddress, m)
		if m.File != "" {
			if _, exists := o.byFileName[m.File]; !exists {
				o.byFileName[m.File] = m
			}
		}

		if !m.isText() {
			continue
		}
		switch {
		case toolFileHint != "" && strings.Contains(m.File, toolFileHint):
			o.toolStart, o.toolEnd = m.Base, m.Limit
		case strings.Contains(m.File, "/libpthread-") || strings.Contains(m.File, "libc.so"):
			// glibc >= 2.34 folds pthread into libc; treat libc.so text as
			// the pthread region too so classify(Pthread) still matches
			// the thread-library frames the trap handler needs to skip.
			if strings.Contains(m.File, "/libpthread-") {
				o.pthreadStart, o.pthreadEnd = m.Base, m.Limit
				o.pthreadFile = m.File
			}
		case strings.Contains(m.File, "/libc-") || strings.Contains(m.File, "/libc.so"):
			o.libcStart, o.libcEnd = m.Base, m.Limit
			o.libcFile = m.File
		case appFileHint != "" && strings.Contains(m.File, appFileHint):
			o.appStart, o.appEnd = m.Base, m.Limit
		case o.mainExe != "" && m.File == o.mainExe:
			o.appStart, o.appEnd = m.Base, m.Limit
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("selfmap: scan maps: %w", err)
	}
	return o, nil
}

func parseLine(line string) (Mapping, bool) {
	// "<base>-<limit> <perms> <offset> <major:minor> <inode> [path]"
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Mapping{}, false
	}
	base, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	limit, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	perms := fields[1]
	if len(perms) < 4 {
		return Mapping{}, false
	}
	offset, _ := strconv.ParseUint(fields[2], 16, 64)

	path := ""
	for i := 5; i < len(fields); i++ {
		path += strings.TrimSpace(fields[i])
	}
	return Mapping{
		Base:        uintptr(base),
		Limit:       uintptr(limit),
		Readable:    perms[0] == 'r',
		Writable:    perms[1] == 'w',
		Executable:  perms[2] == 'x',
		CopyOnWrite: perms[3] == 'p',
		Offset:      offset,
		File:        path,
	}, true
}

// Classify returns which region addr falls in, along with the byte offset
// from the start of that region (spec.md §4.A: "classify(ip) ->
// {...} with the file-offset for the given mapping").
func (o *Oracle) Classify(addr uintptr) (Classification, uintptr) {
	switch {
	case addr >= o.toolStart && addr < o.toolEnd && o.toolEnd != 0:
		return Tool, addr - o.toolStart
	case addr >= o.pthreadStart && addr < o.pthreadEnd && o.pthreadEnd != 0:
		return Pthread, addr - o.pthreadStart
	case addr >= o.libcStart && addr < o.libcEnd && o.libcEnd != 0:
		return Libc, addr - o.libcStart
	case addr >= o.appStart && addr < o.appEnd && o.appEnd != 0:
		return Application, addr - o.appStart
	default:
		return Unknown, 0
	}
}

// IsTool, IsPthread, IsLibc, IsApplication are convenience predicates
// mirroring original_source's isCauserLibrary/isPthreadLibrary/
// isLibcLibrary/isApplication.
func (o *Oracle) IsTool(addr uintptr) bool        { c, _ := o.Classify(addr); return c == Tool }
func (o *Oracle) IsPthread(addr uintptr) bool     { c, _ := o.Classify(addr); return c == Pthread }
func (o *Oracle) IsLibc(addr uintptr) bool        { c, _ := o.Classify(addr); return c == Libc }
func (o *Oracle) IsApplication(addr uintptr) bool { c, _ := o.Classify(addr); return c == Application }

// LibcFile returns the file path backing the recognized libc mapping, "" if none.
func (o *Oracle) LibcFile() string { return o.libcFile }

// MainExecutable returns the path of the application's main executable.
func (o *Oracle) MainExecutable() string { return o.mainExe }

// MappingByAddress finds the mapping containing addr, if any.
func (o *Oracle) MappingByAddress(addr uintptr) (Mapping, bool) {
	// byAddress isn't huge (a few hundred entries); linear scan is fine
	// and keeps this free of an interval-tree dependency for a component
	// this small.
	for _, m := range o.byAddress {
		if m.contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// MappingByFileName finds a mapping backed by the given file path, used
// when rehydrating a persisted call stack so saved file+offset pairs can
// be relocated through ASLR (spec.md §4.A).
func (o *Oracle) MappingByFileName(name string) (Mapping, bool) {
	m, ok := o.byFileName[name]
	return m, ok
}
