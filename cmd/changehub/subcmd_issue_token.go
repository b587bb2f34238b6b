package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"gitlab.com/gitlab-org/changehub/internal/changehub/auth"
	"gitlab.com/gitlab-org/changehub/internal/changehub/config"
)

const (
	issueTokenCmdName = "issue-token"
	paramSubject      = "subject"
)

type issueToken struct {
	w       io.Writer
	subject string
	admin   bool
	ttl     time.Duration
}

func newIssueToken(w io.Writer) *issueToken {
	return &issueToken{w: w}
}

func (cmd *issueToken) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(issueTokenCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.subject, paramSubject, "", "subject the token identifies, owner of the replicas it registers")
	fs.BoolVar(&cmd.admin, "admin", false, "issue an administrative token")
	fs.DurationVar(&cmd.ttl, "ttl", 24*time.Hour, "lifetime of the token, 0 never expires")
	return fs
}

func (cmd *issueToken) Exec(flags *flag.FlagSet, conf config.Config) error {
	switch {
	case flags.NArg() > 0:
		return unexpectedPositionalArgsError{Command: flags.Name()}
	case cmd.subject == "":
		return requiredParameterError(paramSubject)
	}

	issuer, err := auth.NewIssuer(conf.Auth)
	if err != nil {
		return err
	}

	token, err := issuer.Issue(cmd.subject, cmd.admin, cmd.ttl)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.w, token)
	return nil
}
