package main

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/mrzor/flextrace/internal/events"
	"github.com/mrzor/flextrace/internal/probes"
	"github.com/mrzor/flextrace/internal/profile"
	"github.com/mrzor/flextrace/internal/stacks"
)

// defaultTopStacks is how many stacks are printed per process.
const defaultTopStacks = 3

type report struct {
	profiles []profile.Data
	probes   []probes.Probe
	// stacks is nil when stacks cannot be resolved.
	stacks    *stacks.Reader
	topStacks int
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func writeReport(w io.Writer, r report) error {
	if len(r.profiles) == 0 {
		_, err := fmt.Fprintln(w, "No samples collected")
		return err
	}

	tw := newTabWriter(w)
	fmt.Fprintln(tw, "PID\tTGID\tCOMM\tUID\tGID\tSAMPLES\tEVENTS\tSTACKS")
	for _, d := range r.profiles {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\t%s\t%d\n",
			d.Pid, d.Tgid, d.Name, d.UID, d.GID, d.Total(), formatCounts(d.Counts), len(d.StackCounts))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.probes) > 0 {
		hits := make(map[uint64]uint64)
		for _, d := range r.profiles {
			for cookie, n := range d.ProbeHits {
				hits[cookie] += n
			}
		}

		fmt.Fprintln(w)
		tw = newTabWriter(w)
		fmt.Fprintln(tw, "COOKIE\tTARGET\tFUNCTION\tPID\tARGS\tHITS")
		for _, p := range r.probes {
			pid := "*"
			if p.PID != 0 {
				pid = fmt.Sprint(p.PID)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\n",
				p.Cookie, p.Target, p.Function, pid, p.Config.NumArgs, hits[p.Cookie])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if r.stacks != nil {
		return writeStacks(w, r)
	}
	return nil
}

func writeStacks(w io.Writer, r report) error {
	top := r.topStacks
	if top <= 0 {
		top = defaultTopStacks
	}

	header := false
	for _, d := range r.profiles {
		if len(d.StackCounts) == 0 {
			continue
		}
		resolved := r.stacks.Resolve(d.StackCounts)

		ids := slices.Collect(maps.Keys(d.StackCounts))
		slices.SortFunc(ids, func(a, b int64) int {
			if c := cmp.Compare(d.StackCounts[b], d.StackCounts[a]); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
		if len(ids) > top {
			ids = ids[:top]
		}

		if !header {
			if _, err := fmt.Fprintln(w, "\nTop stacks:"); err != nil {
				return err
			}
			header = true
		}
		for _, id := range ids {
			frames, ok := resolved[id]
			text := "<evicted>"
			if ok {
				text = formatFrames(frames)
			}
			if _, err := fmt.Fprintf(w, "  pid %d stack %d x%d: %s\n", d.Pid, id, d.StackCounts[id], text); err != nil {
				return err
			}
		}
	}
	return nil
}

// formatCounts renders counts in event id order, e.g.
// "cache_miss=3,page_faults=1".
func formatCounts(counts map[events.EventType]uint64) string {
	if len(counts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(counts))
	for _, e := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", e, counts[e]))
	}
	return strings.Join(parts, ",")
}

func formatFrames(frames []uint64) string {
	if len(frames) == 0 {
		return "<empty>"
	}
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = fmt.Sprintf("%#x", f)
	}
	return strings.Join(parts, " ")
}
