package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

var CLI struct {
	Fetch FetchCommand      `cmd:"" help:"Fetch a URL and print the decoded body."`
	Serve ServeCommand      `cmd:"" help:"Serve a directory with negotiated response compression."`
	Man   mangokong.ManFlag `help:"Write man page." hidden:""`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`inflow is a streaming HTTP content pipeline.

The fetch command receives a response through the decoding receiver and
streams the decoded body to stdout. The serve command compresses
responses per the client's Accept-Encoding.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
