package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/docstore"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

const (
	initCmdName   = "init"
	statusCmdName = "status"
	createCmdName = "create"
	updateCmdName = "update"
	deleteCmdName = "delete"

	paramName  = "name"
	paramValue = "value"
	paramKey   = "key"
)

type initSubcommand struct {
	base
}

func (cmd *initSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(initCmdName, flag.ExitOnError)
}

func (cmd *initSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) (returnedErr error) {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	c, err := openCheckout(ctx, conf, cmd.logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	cmd.printf("initialized %s as replica %d of %q\n", conf.StatePath, c.doc.Replica(), c.doc.Name())

	tip, err := c.sync.Pull(ctx)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	cmd.printf("at tip %d\n", tip.Index)
	return nil
}

type statusSubcommand struct {
	base
	held bool
}

func (cmd *statusSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(statusCmdName, flag.ExitOnError)
	fs.BoolVar(&cmd.held, "held", false, "also list the locks and names the replica holds at the hub")
	return fs
}

func (cmd *statusSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		tip, err := c.doc.Tip(ctx)
		if err != nil {
			return err
		}

		edits, err := c.doc.PendingEdits(ctx)
		if err != nil {
			return err
		}

		bookkeeping, err := c.doc.Bookkeeping(ctx)
		if err != nil {
			return err
		}

		cmd.printf("document: %s\nreplica: %d\ntip: %d %s\n", c.doc.Name(), c.doc.Replica(), tip.Index, tip.ID)
		cmd.printf("pending edits: %d\npending name bookkeeping: %d\n", len(edits.Ops), len(bookkeeping))

		pending := make(map[uint64]docstore.OpKind, len(edits.Ops))
		for _, op := range edits.Ops {
			pending[op.Key] = op.Kind
		}

		table := tablewriter.NewWriter(cmd.out)
		table.SetHeader([]string{"Key", "Name", "Value", "Pending"})
		table.SetAutoWrapText(false)
		for _, e := range c.doc.Elements() {
			table.Append([]string{fmt.Sprintf("%#x", e.Key), e.Name, e.Value, string(pending[e.Key])})
		}
		for _, op := range edits.Ops {
			if op.Kind == docstore.OpDelete {
				table.Append([]string{fmt.Sprintf("%#x", op.Key), op.PreviousName, "", string(op.Kind)})
			}
		}
		table.Render()

		if !cmd.held {
			return nil
		}

		held, err := c.sync.Held(ctx)
		if err != nil {
			return fmt.Errorf("held reservations: %w", err)
		}
		sort.Slice(held, func(i, j int) bool { return held[i].ID.Less(held[j].ID) })

		cmd.printf("held:\n")
		for _, claim := range held {
			cmd.printf("\t%s\n", claim)
		}
		return nil
	})
}

type createSubcommand struct {
	base
	name, value string
	check       bool
}

func (cmd *createSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(createCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.name, paramName, "", "name of the new element")
	fs.StringVar(&cmd.value, paramValue, "", "value of the new element")
	fs.BoolVar(&cmd.check, "check", false, "refuse the edit unless its lock and name are reserved")
	return fs
}

func (cmd *createSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	switch {
	case flags.NArg() > 0:
		return unexpectedPositionalArgsError{Command: flags.Name()}
	case cmd.name == "":
		return requiredParameterError(paramName)
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		if cmd.check {
			if err := c.sync.CheckEdit(ctx, []resource.Claim{
				resource.Lock(c.doc.NextKey(), resource.LevelExclusive),
				resource.Reserve(c.doc.NameID(cmd.name)),
			}); err != nil {
				return err
			}
		}

		created, err := c.doc.Create(ctx, cmd.name, cmd.value)
		if err != nil {
			return err
		}

		cmd.printf("created %#x %q\n", created.Key, created.Name)
		return nil
	})
}

type updateSubcommand struct {
	base
	key, name, value string
	check            bool
}

func (cmd *updateSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(updateCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.key, paramKey, "", "key of the element")
	fs.StringVar(&cmd.name, paramName, "", "new name of the element, empty keeps the current one")
	fs.StringVar(&cmd.value, paramValue, "", "new value of the element")
	fs.BoolVar(&cmd.check, "check", false, "refuse the edit unless its lock is reserved")
	return fs
}

func (cmd *updateSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	switch {
	case flags.NArg() > 0:
		return unexpectedPositionalArgsError{Command: flags.Name()}
	case cmd.key == "":
		return requiredParameterError(paramKey)
	}

	key, err := parseKey(cmd.key)
	if err != nil {
		return err
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		if cmd.check {
			needed := []resource.Claim{resource.Lock(key, resource.LevelExclusive)}
			if current, ok := c.doc.Get(key); ok && cmd.name != "" && cmd.name != current.Name {
				needed = append(needed, resource.Reserve(c.doc.NameID(cmd.name)))
			}
			if err := c.sync.CheckEdit(ctx, needed); err != nil {
				return err
			}
		}

		updated, err := c.doc.Update(ctx, key, cmd.name, cmd.value)
		if err != nil {
			return err
		}

		cmd.printf("updated %#x %q\n", updated.Key, updated.Name)
		return nil
	})
}

type deleteSubcommand struct {
	base
	key   string
	check bool
}

func (cmd *deleteSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(deleteCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.key, paramKey, "", "key of the element")
	fs.BoolVar(&cmd.check, "check", false, "refuse the edit unless its lock is reserved")
	return fs
}

func (cmd *deleteSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	switch {
	case flags.NArg() > 0:
		return unexpectedPositionalArgsError{Command: flags.Name()}
	case cmd.key == "":
		return requiredParameterError(paramKey)
	}

	key, err := parseKey(cmd.key)
	if err != nil {
		return err
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		if cmd.check {
			if err := c.sync.CheckEdit(ctx, []resource.Claim{resource.Lock(key, resource.LevelExclusive)}); err != nil {
				return err
			}
		}

		if err := c.doc.Delete(ctx, key); err != nil {
			return err
		}

		cmd.printf("deleted %#x\n", key)
		return nil
	})
}
