package main

import (
	"fmt"
	"io"

	"github.com/mrzor/flextrace/internal/events"
)

// ListCmd prints the event catalogue.
type ListCmd struct{}

// Run executes the list command.
func (c *ListCmd) Run(g *Globals) error {
	return writeCatalogue(g.out())
}

func writeCatalogue(w io.Writer) error {
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tPLATFORM ID\tPROGRAM")
	for _, e := range events.All() {
		category, id, err := e.Counter()
		if err != nil {
			return err
		}
		program, err := e.ProgramName()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", uint8(e), e, category, id, program)
	}
	return tw.Flush()
}
