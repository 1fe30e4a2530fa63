package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inflow-io/inflow/content"
	"github.com/inflow-io/inflow/receiver"
	"github.com/inflow-io/inflow/transport/h1"
)

type FetchCommand struct {
	URL string `arg:"" required:"" help:"URL to fetch, http scheme only."`

	AcceptEncoding string        `default:"gzip, deflate, br, zstd" help:"Accept-Encoding request header."`
	Timeout        time.Duration `default:"30s" help:"Overall request timeout."`
	Verbose        bool          `help:"Verbose output."`
}

func (c *FetchCommand) Run(ctx context.Context) error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q, only http is handled", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}

	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close() //nolint:errcheck

	l := &printListener{out: os.Stdout, done: make(chan *receiver.Result, 1)}
	ex := receiver.NewExchange(&receiver.Request{Method: "GET", URL: u}, l)
	hc := h1.NewConn(conn, receiver.WithLogger(log))

	request := strings.Join([]string{
		"GET " + u.RequestURI() + " HTTP/1.1",
		"Host: " + u.Host,
		"Accept-Encoding: " + c.AcceptEncoding,
		"Connection: close",
		"", "",
	}, "\r\n")
	if _, err := io.WriteString(conn, request); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	go hc.Receive(ex) //nolint:errcheck // the result carries the failure

	select {
	case res := <-l.done:
		if res.Failure != nil {
			return fmt.Errorf("exchange failed: %w", res.Failure)
		}
		log.Info("response complete",
			zap.Int("status", res.Response.Status),
			zap.String("version", res.Response.Version))
		return nil
	case <-ctx.Done():
		hc.FailAndClose(ctx.Err())
		return ctx.Err()
	}
}

// printListener streams decoded content to out as it becomes available
// and hands the final result back over done.
type printListener struct {
	receiver.BaseListener

	out  io.Writer
	done chan *receiver.Result
}

func (l *printListener) OnContentSource(_ *receiver.Response, src content.Source) {
	go func() {
		for {
			ck := src.Read()
			if ck == nil {
				ready := make(chan struct{})
				src.Demand(func() { close(ready) })
				<-ready
				continue
			}
			if ck.Err() != nil {
				return
			}
			_, _ = l.out.Write(ck.Bytes())
			last := ck.Last()
			ck.Release()
			if last {
				return
			}
		}
	}()
}

func (l *printListener) OnComplete(res *receiver.Result) {
	select {
	case l.done <- res:
	default:
	}
}
