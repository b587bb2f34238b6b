package main

import (
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

const (
	abandonReplicaCmdName = "abandon-replica"
	paramReplica          = "replica"
)

type abandonReplica struct {
	w        io.Writer
	document string
	replica  int64
}

func newAbandonReplica(w io.Writer) *abandonReplica {
	return &abandonReplica{w: w}
}

func (cmd *abandonReplica) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(abandonReplicaCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.document, paramDocument, "", "name of the document")
	fs.Int64Var(&cmd.replica, paramReplica, 0, "id of the replica to abandon")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command releases every lock and name reservation held by a replica\n" +
			"	whose checkout is gone. Used and discarded names stay recorded.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *abandonReplica) Exec(flags *flag.FlagSet, conf config.Config) error {
	switch {
	case flags.NArg() > 0:
		return unexpectedPositionalArgsError{Command: flags.Name()}
	case cmd.document == "":
		return requiredParameterError(paramDocument)
	case cmd.replica <= 0:
		return requiredParameterError(paramReplica)
	}

	c, err := hubClient(conf, cmd.document)
	if err != nil {
		return err
	}

	ctx, cancel := subCmdContext()
	defer cancel()

	released, err := c.AbandonReplica(ctx, resource.ReplicaID(cmd.replica))
	if err != nil {
		return fmt.Errorf("abandon replica: %w", err)
	}

	fmt.Fprintf(cmd.w, "replica %d of %q abandoned, released %d resources\n", cmd.replica, cmd.document, len(released))
	for _, id := range released {
		fmt.Fprintf(cmd.w, "\t%s\n", id)
	}

	return nil
}
