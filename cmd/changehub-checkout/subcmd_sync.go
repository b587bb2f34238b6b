package main

import (
	"context"
	"errors"
	"flag"

	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
	"gitlab.com/gitlab-org/changehub/internal/changehub/commonerr"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
	"gitlab.com/gitlab-org/changehub/internal/changehub/resource"
)

const (
	reserveCmdName = "reserve"
	releaseCmdName = "release"
	pullCmdName    = "pull"
	pushCmdName    = "push"
	watchCmdName   = "watch"

	paramKeys  = "keys"
	paramNames = "names"
)

var errNothingToReserve = errors.New("at least one of -keys or -names must be passed")

type reserveSubcommand struct {
	base
	keys, names listFlag
	level       string
}

func (cmd *reserveSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(reserveCmdName, flag.ExitOnError)
	fs.Var(&cmd.keys, paramKeys, "comma separated element keys to lock")
	fs.Var(&cmd.names, paramNames, "comma separated element names to reserve")
	fs.StringVar(&cmd.level, "level", resource.LevelExclusive.String(), "lock level, shared or exclusive")
	return fs
}

func (cmd *reserveSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	switch {
	case flags.NArg() > 0:
		return unexpectedPositionalArgsError{Command: flags.Name()}
	case len(cmd.keys) == 0 && len(cmd.names) == 0:
		return errNothingToReserve
	}

	level, err := resource.ParseLevel(cmd.level)
	if err != nil {
		return err
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		wanted, err := claims(c.doc, cmd.keys, cmd.names, level)
		if err != nil {
			return err
		}

		if err := c.sync.Reserve(ctx, wanted); err != nil {
			return err
		}

		for _, claim := range wanted {
			cmd.printf("reserved %s\n", claim)
		}
		return nil
	})
}

type releaseSubcommand struct {
	base
	keys, names listFlag
}

func (cmd *releaseSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(releaseCmdName, flag.ExitOnError)
	fs.Var(&cmd.keys, paramKeys, "comma separated element keys to unlock, all holdings are released if neither -keys nor -names is passed")
	fs.Var(&cmd.names, paramNames, "comma separated element names to give up")
	return fs
}

func (cmd *releaseSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		var released []resource.ID
		if len(cmd.keys) == 0 && len(cmd.names) == 0 {
			var err error
			if released, err = c.sync.RelinquishAll(ctx); err != nil {
				return err
			}
		} else {
			given, err := claims(c.doc, cmd.keys, cmd.names, resource.LevelExclusive)
			if err != nil {
				return err
			}
			if released, err = c.sync.Release(ctx, resource.IDs(given)); err != nil {
				return err
			}
		}

		cmd.printf("released %d resources\n", len(released))
		for _, id := range released {
			cmd.printf("\t%s\n", id)
		}
		return nil
	})
}

type pullSubcommand struct {
	base
}

func (cmd *pullSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(pullCmdName, flag.ExitOnError)
}

func (cmd *pullSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		tip, err := c.sync.Pull(ctx)
		if err != nil {
			return err
		}

		cmd.printf("at tip %d %s\n", tip.Index, tip.ID)
		return nil
	})
}

type pushSubcommand struct {
	base
	description string
}

func (cmd *pushSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(pushCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.description, "m", "", "description of the change package")
	return fs
}

func (cmd *pushSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		pkg, err := c.sync.Push(ctx, cmd.description)
		switch {
		case errors.Is(err, commonerr.ErrNothingToPush):
			cmd.printf("nothing to push\n")
			return nil
		case err != nil:
			return err
		}

		cmd.printf("pushed change package %d %s\n", pkg.Index, pkg.ID)
		return nil
	})
}

type watchSubcommand struct {
	base
}

func (cmd *watchSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(watchCmdName, flag.ExitOnError)
}

func (cmd *watchSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Checkout) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	return withCheckout(ctx, conf, cmd.logger, func(c *checkout) error {
		tip, err := c.sync.Pull(ctx)
		if err != nil {
			return err
		}
		cmd.printf("at tip %d %s\n", tip.Index, tip.ID)

		err = c.sync.Follow(ctx, func(pulled changepkg.Link) {
			cmd.printf("pulled to tip %d %s\n", pulled.Index, pulled.ID)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
