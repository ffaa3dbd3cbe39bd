package logging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"
	"go.uber.org/zap"
)

type recordingLogger struct {
	embedded.Logger

	mu     sync.Mutex
	bodies []string
}

func (l *recordingLogger) Emit(_ context.Context, rec log.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bodies = append(l.bodies, rec.Body().AsString())
}

func (l *recordingLogger) Enabled(context.Context, log.EnabledParameters) bool {
	return true
}

func (l *recordingLogger) emitted() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.bodies...)
}

type recordingProvider struct {
	embedded.LoggerProvider

	logger *recordingLogger
}

func (p *recordingProvider) Logger(string, ...log.LoggerOption) log.Logger {
	return p.logger
}

func TestWithOTELBridgesEntries(t *testing.T) {
	rec := &recordingLogger{}
	logger := WithOTEL(zap.NewNop(), &recordingProvider{logger: rec})

	logger.Info("событие доставлено")
	logger.Warn("повторная попытка")

	got := rec.emitted()
	require.Len(t, got, 2)
	assert.Equal(t, "событие доставлено", got[0])
	assert.Equal(t, "повторная попытка", got[1])
}

func TestWithOTELNilProvider(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithOTEL(base, nil))
}
