package kioku

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/yotsuki/kioku/retry"
)

// createTestEngine creates and starts an Engine backed by a temporary
// SQLite database with a fast poller. The engine is shut down and the
// database removed when the test finishes.
func createTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "kioku-test.db")
	allOpts := append([]Option{
		WithDatabase(dbPath),
		WithPollInterval(20 * time.Millisecond),
		WithShutdownTimeout(5 * time.Second),
	}, opts...)
	engine := New(allOpts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return engine
}

// startTestEngine registers nothing and just starts the engine.
func startTestEngine(t *testing.T, engine *Engine) {
	t.Helper()
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
}

// retryFixed returns a fast fixed-delay policy for retry tests.
func retryFixed(maxAttempts int) *retry.Policy {
	return retry.Fixed(maxAttempts, time.Millisecond)
}
