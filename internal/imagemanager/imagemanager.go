// Package imagemanager provides the Image Manager external collaborator:
// resolving a program's bytecode origin (a local file path or an image
// reference) into bytes the Kernel Loader Facade can parse.
//
// Like the Kernel Loader Facade, this package specifies the contract the
// core depends on without mandating how bytecode is actually fetched from a
// registry; real OCI distribution is out of scope (spec.md §1).
package imagemanager

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PullPolicy names an image pull policy. Local and Registry accept it but
// do not consult it; neither keeps a cache.
type PullPolicy string

const (
	PullAlways      PullPolicy = "Always"
	PullIfNotPresent PullPolicy = "IfNotPresent"
	PullNever       PullPolicy = "Never"
)

// ErrNotFound is returned when origin cannot be resolved under the given
// policy.
var ErrNotFound = errors.New("imagemanager: bytecode not found")

// Manager resolves a program's Origin field into its ELF bytecode bytes.
type Manager interface {
	// Pull returns a ReaderAt over the bytecode named by origin. Chain
	// passes policy through to each Manager; Local and Registry ignore it.
	Pull(ctx context.Context, origin string, policy PullPolicy) (io.ReaderAt, error)
}

// Local resolves file:// and bare filesystem-path origins. It retries
// transient read failures (the bytecode directory may be on a
// slow-to-mount overlay at daemon startup) with exponential backoff.
type Local struct {
	// MaxElapsed bounds the total retry window; zero uses a 10s default.
	MaxElapsed time.Duration
}

func (l *Local) Pull(ctx context.Context, origin string, _ PullPolicy) (io.ReaderAt, error) {
	path := strings.TrimPrefix(origin, "file://")

	maxElapsed := l.MaxElapsed
	if maxElapsed == 0 {
		maxElapsed = 10 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var data []byte
	op := func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return backoff.Permanent(fmt.Errorf("imagemanager: %w: %s", ErrNotFound, path))
			}
			return err
		}
		data = b
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("imagemanager: pull %q: %w", origin, err)
	}
	return bytes.NewReader(data), nil
}

// well-known dispatcher bytecode bundled with the daemon binary, resolved
// by name rather than pulled from an external registry (no OCI distribution
// client is in scope). Operators ship their own extension bytecode as
// files; only the dispatcher programs themselves ride along with bpfd.
//
//go:embed dispatchers/*.o
var builtinDispatchers embed.FS

// Registry resolves image-reference-shaped origins (e.g.
// "image://dispatcher/xdp") against the bundled dispatcher bytecode. It is
// the narrow, in-scope slice of what a real registry client would do.
type Registry struct{}

func (r *Registry) Pull(_ context.Context, origin string, _ PullPolicy) (io.ReaderAt, error) {
	name := strings.TrimPrefix(origin, "image://dispatcher/")
	if name == origin {
		return nil, fmt.Errorf("imagemanager: %w: unrecognized image reference %q", ErrNotFound, origin)
	}
	data, err := builtinDispatchers.ReadFile("dispatchers/" + name + ".o")
	if err != nil {
		return nil, fmt.Errorf("imagemanager: %w: dispatcher image %q: %v", ErrNotFound, name, err)
	}
	return bytes.NewReader(data), nil
}

// Chain tries each Manager in order, returning the first non-ErrNotFound
// result. It lets the daemon treat "well-known dispatcher image" and
// "operator-supplied file path" origins uniformly.
type Chain []Manager

func (c Chain) Pull(ctx context.Context, origin string, policy PullPolicy) (io.ReaderAt, error) {
	var lastErr error
	for _, m := range c {
		r, err := m.Pull(ctx, origin, policy)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = ErrNotFound
	}
	return nil, lastErr
}
