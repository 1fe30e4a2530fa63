package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inflow-io/inflow/codec"
	"github.com/inflow-io/inflow/compress"
)

type ServeCommand struct {
	Addr string `default:":8080" help:"Listen address."`
	Dir  string `default:"." type:"existingdir" help:"Directory to serve."`

	MinSize      int      `default:"32" help:"Smallest body worth compressing, bytes."`
	Preferred    []string `default:"zstd,br,gzip" help:"Server-side coding preference order."`
	ExcludePaths []string `help:"Path patterns exempt from compression (/prefix/* or exact)."`
	ExcludeMIME  []string `help:"MIME types exempt from compression."`

	Verbose bool `help:"Verbose output."`
}

func (c *ServeCommand) Run(ctx context.Context) error {
	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	cfg := compress.NewConfig().
		MinCompressSize(c.MinSize).
		Preferred(c.Preferred...).
		ExcludePaths(c.ExcludePaths...).
		ExcludeMIMETypes(c.ExcludeMIME...).
		Build()
	handler := compress.NewHandler(cfg, codec.NewDefaultRegistry(codec.Config{}), log)

	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           handler.Wrap(http.FileServer(http.Dir(c.Dir))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info("listening", zap.String("addr", c.Addr), zap.String("dir", c.Dir))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
