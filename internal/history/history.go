// Package history implements the persisted historical profile (spec.md
// §3, §4.H, §6, component H): a plain-text, line-based dump of every
// call-site record so a later run of the same binary can pre-seed its
// watched_ratio table instead of starting cold.
//
// Grounded on original_source/source/causer.cpp's operator<</operator>>
// and saveHistoryInfo/loadHistoryInfo.
package history

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/watchcause/causer/internal/callstack"
	"github.com/watchcause/causer/internal/selfmap"
	"github.com/watchcause/causer/internal/wallclock"
	"github.com/watchcause/causer/internal/xdefines"
)

// Save writes every record in m to w in the original's line grammar:
// a record-count header line, then per record a stats line
// ("depth called watched ratio offset") followed by depth lines of
// "file offset absolute_ip".
//
// Boost heuristic (spec.md §4.H + the SUPPLEMENTED global-suppression
// rule from operator<<): a site watched fewer than 5 times has its
// persisted ratio nudged upward so a cold-start run doesn't immediately
// forget a rarely-hit but not-yet-proven-safe site — unless ANY site in
// the map is already pinned at R_cap, in which case boosting is skipped
// for every record in this save (a confirmed overflow elsewhere already
// makes this run's history trustworthy without the compensating nudge).
func Save(w io.Writer, cfg *xdefines.Config, m *callstack.Map, oracle *selfmap.Oracle) error {
	var records []*callstack.Record
	suppressBoost := false
	m.ForEach(func(r *callstack.Record) {
		records = append(records, r)
		r.Lock()
		pinned := r.WatchedRatio == int64(cfg.RatioCap)
		r.Unlock()
		if pinned {
			suppressBoost = true
		}
	})

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", len(records))

	for _, r := range records {
		r.Lock()
		depth := r.Depth
		called := r.CalledCounter
		watched := r.WatchedCounter
		ratio := r.WatchedRatio
		offset := r.Offset
		frames := append([]uintptr(nil), r.FramesSlice()...)
		r.Unlock()

		boosted := ratio
		if !suppressBoost && ratio != int64(cfg.RatioCap) {
			switch {
			case watched < 2:
				boosted += int64(cfg.RatioCap>>1) * 1
			case watched < 5:
				boosted += int64(cfg.RatioCap) / (watched + 1)
			}
			if boosted > int64(cfg.RatioCap) {
				boosted = int64(cfg.RatioCap) - 1
			}
		}

		fmt.Fprintf(bw, "%d %d %d %d %d\n", depth, called, watched, boosted, offset)
		for _, ip := range frames {
			file, base := "_", uintptr(0)
			if oracle != nil {
				if mm, ok := oracle.MappingByAddress(ip); ok {
					file, base = mm.File, mm.Base
				}
			}
			fmt.Fprintf(bw, "%s %d %d\n", file, ip-base, ip)
		}
	}
	return bw.Flush()
}

// Load reads a file written by Save and inserts every record with
// depth >= 1 into m, rehydrating each frame's address against the
// current process map so ASLR relocation between the saving and loading
// run doesn't corrupt the fingerprint (loadHistoryInfo/operator>>).
func Load(r io.Reader, m *callstack.Map, oracle *selfmap.Oracle) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !sc.Scan() {
		return 0, nil
	}
	total, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil {
		return 0, fmt.Errorf("history: bad record-count header: %w", err)
	}

	loaded := 0
	for loaded < total && sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			return loaded, fmt.Errorf("history: malformed record header %q", sc.Text())
		}
		depth, _ := strconv.Atoi(fields[0])
		called, _ := strconv.ParseInt(fields[1], 10, 64)
		watched, _ := strconv.ParseInt(fields[2], 10, 64)
		ratio, _ := strconv.ParseInt(fields[3], 10, 64)
		offset, _ := strconv.ParseUint(fields[4], 10, 64)

		frames := make([]uintptr, 0, depth)
		for i := 0; i < depth; i++ {
			if !sc.Scan() {
				return loaded, fmt.Errorf("history: truncated frame list for record %d", loaded)
			}
			parts := strings.Fields(sc.Text())
			if len(parts) < 3 {
				return loaded, fmt.Errorf("history: malformed frame line %q", sc.Text())
			}
			file := parts[0]
			off, _ := strconv.ParseUint(parts[1], 10, 64)
			orig, _ := strconv.ParseUint(parts[2], 10, 64)

			addr := uintptr(orig)
			if oracle != nil && file != "_" {
				if mm, ok := oracle.MappingByFileName(file); ok {
					addr = mm.Base + uintptr(off)
				}
			}
			frames = append(frames, addr)
		}

		if depth < 1 {
			continue // loadHistoryInfo skips zero-depth records
		}

		rec := &callstack.Record{
			Offset:         offset,
			CalledCounter:  called,
			WatchedCounter: watched,
			WatchedRatio:   ratio,
			PeriodStart:    wallclock.NowMillis(),
		}
		rec.PopulateFrames(frames)
		m.Insert(rec)
		loaded++
	}
	if err := sc.Err(); err != nil {
		return loaded, fmt.Errorf("history: scan: %w", err)
	}
	return loaded, nil
}
