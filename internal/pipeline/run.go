package pipeline

import (
	"context"

	"diskbench/internal/device"
)

// RunSync benchmarks every path with the blocking driver, all devices at once.
// Per-device failures are only reported through the outcomes.
func RunSync(ctx context.Context, conn device.Connection, paths []string, flags device.Flags, read bool, cfg Config) ([]Outcome, error) {
	return run(ctx, conn, paths, flags, read, false, cfg)
}

// RunAsync is RunSync with the async driver.
func RunAsync(ctx context.Context, conn device.Connection, paths []string, flags device.Flags, read bool, cfg Config) ([]Outcome, error) {
	return run(ctx, conn, paths, flags, read, true, cfg)
}

func run(ctx context.Context, conn device.Connection, paths []string, flags device.Flags, read, async bool, cfg Config) ([]Outcome, error) {
	p := New(ctx, cfg)
	for i, path := range paths {
		req := Request{Conn: conn, Path: path, Flags: flags, ID: i, Read: read, Async: async}
		if err := p.Submit(req); err != nil {
			p.Close()
			return p.Outcomes(), err
		}
	}
	p.Close()
	return p.Outcomes(), ctx.Err()
}
