package transports

import (
	"context"

	"github.com/pasavoz/pasavoz/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary between the speech engine
// and the game surface: transcripts, commands and submitted answers go out,
// question lifecycle events come in. Implementations are responsible for
// their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g., the
// URL a game panel should connect to). Implementations are optional and
// used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
