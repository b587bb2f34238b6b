package client

import (
	"context"

	"gitlab.com/gitlab-org/changehub/internal/changehub/changepkg"
)

// Packages iterates over the history after a position, fetching one page at a time. Every
// package is checked to chain to its predecessor. After a failed fetch the iteration can go
// on from the last package handed out:
//
//	pkgs := c.QueryAfter(base)
//	for pkgs.Next(ctx) {
//		apply(pkgs.Package())
//	}
//	if err := pkgs.Err(); err != nil {
//		...
//	}
type Packages struct {
	client *Client
	last   changepkg.Link
	page   []changepkg.Package
	cur    changepkg.Package
	done   bool
	err    error
}

// QueryAfter returns an iterator over the packages following base, in index order. Nothing is
// fetched before the first call to Next.
func (c *Client) QueryAfter(base changepkg.Link) *Packages {
	return &Packages{client: c, last: base}
}

// Next advances to the next package. It returns false at the end of the history and on
// failure.
func (p *Packages) Next(ctx context.Context) bool {
	if p.err != nil || p.done {
		return false
	}

	if len(p.page) == 0 {
		page, err := p.client.queryPage(ctx, p.last.Index)
		if err != nil {
			p.err = err
			return false
		}

		if len(page) == 0 {
			p.done = true
			return false
		}

		if err := changepkg.ValidateChain(p.last, page); err != nil {
			p.err = err
			return false
		}

		p.page = page
	}

	p.cur, p.page = p.page[0], p.page[1:]
	p.last = p.cur.Link()
	return true
}

// Package returns the current package.
func (p *Packages) Package() changepkg.Package { return p.cur }

// Last returns the position of the last package handed out, or the base.
func (p *Packages) Last() changepkg.Link { return p.last }

// Err returns the failure that ended the iteration.
func (p *Packages) Err() error { return p.err }

// Resume continues the iteration after from. It is used to go on after a failure, or to pick
// up packages pushed after the end was reached.
func (p *Packages) Resume(from changepkg.Link) {
	p.last = from
	p.page = nil
	p.cur = changepkg.Package{}
	p.done = false
	p.err = nil
}
