package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

const (
	listReservationsCmdName = "list-reservations"
	paramDocument           = "document"
)

type listReservations struct {
	w        io.Writer
	document string
}

func newListReservations(w io.Writer) *listReservations {
	return &listReservations{w: w}
}

func (cmd *listReservations) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(listReservationsCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.document, paramDocument, "", "name of the document")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command prints every lock and name token the hub records for a document.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *listReservations) Exec(flags *flag.FlagSet, conf config.Config) error {
	switch {
	case flags.NArg() > 0:
		return unexpectedPositionalArgsError{Command: flags.Name()}
	case cmd.document == "":
		return requiredParameterError(paramDocument)
	}

	c, err := hubClient(conf, cmd.document)
	if err != nil {
		return err
	}

	ctx, cancel := subCmdContext()
	defer cancel()

	states, err := c.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}

	if len(states) == 0 {
		fmt.Fprintf(cmd.w, "no reservations recorded for %q\n", cmd.document)
		return nil
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Resource", "Holders", "Released With", "Token"})
	table.SetAutoWrapText(false)
	for _, st := range states {
		table.Append(stateRow(st))
	}
	table.Render()

	return nil
}

func stateRow(st resource.State) []string {
	if st.ID.Kind == resource.KindNameToken {
		return []string{st.ID.String(), "", "", st.Token.String()}
	}

	holders := make([]string, 0, len(st.Holders))
	for _, h := range st.Holders {
		holder := fmt.Sprintf("%d:%s", h.Replica, h.Level)
		if h.PushedIndex > 0 {
			holder += "@" + strconv.FormatInt(h.PushedIndex, 10)
		}
		holders = append(holders, holder)
	}

	released := ""
	if st.ReleasedWithIndex > 0 {
		released = strconv.FormatInt(st.ReleasedWithIndex, 10)
	}

	return []string{st.ID.String(), strings.Join(holders, ", "), released, ""}
}
