package conversation

import (
	"context"

	"github.com/bazelment/quill/orchestrator"
	"github.com/bazelment/quill/transport"
)

// Stream is the record stream of one turn plus the means to release it.
type Stream interface {
	orchestrator.Source
	Close() error
}

// Launcher opens a Stream per turn.
type Launcher interface {
	Launch(ctx context.Context, req transport.Request) (Stream, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req transport.Request) (Stream, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, req transport.Request) (Stream, error) {
	return f(ctx, req)
}

// ProcessLauncher runs each turn as a fresh agent process.
func ProcessLauncher(l *transport.Launcher) Launcher {
	return LauncherFunc(func(ctx context.Context, req transport.Request) (Stream, error) {
		p, err := l.Start(ctx, req)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}
