package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/indexd/internal/mcp"
)

// runMCP serves the MCP tools on stdio with an in-process worker.
// stdout carries the protocol, so logs go to stderr.
func runMCP(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		a.close(sctx)
	}()

	server, err := mcp.NewServer(&mcp.Config{
		Name:    "indexd",
		Version: version,
		Logger:  a.logger,
	}, mcp.Deps{
		Queue:   a.queue,
		Status:  a.status,
		Retries: a.retries,
		Search:  a.search,
	})
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}

	if err := a.start(ctx); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "indexd mcp started (%d tools)\n", server.Tools().Count())
	return server.Run(ctx)
}
