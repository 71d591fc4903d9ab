package fibre

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockEngine is an `Engine` whose behaviour is set with testify
// expectations. RunTasks may return a func([]Task) []Task computing the
// replies.
type mockEngine struct {
	mock.Mock
	binding *Binding
}

type taskHandler func(tasks []Task) ([]Task, error)

func (m *mockEngine) Version() Version {
	return m.Called().Get(0).(Version)
}

func (m *mockEngine) Open(b *Binding) error {
	m.binding = b
	return m.Called(b).Error(0)
}

func (m *mockEngine) RunTasks(buf []byte) ([]byte, error) {
	tasks, err := DecodeTasks(buf)
	if err != nil {
		return nil, err
	}
	args := m.Called(tasks)
	if fn, ok := args.Get(0).(taskHandler); ok {
		replies, err := fn(tasks)
		return EncodeTasks(replies...), err
	}
	return nil, args.Error(1)
}

func (m *mockEngine) InterfaceInfo(intf Handle) (InterfaceInfo, error) {
	args := m.Called(intf)
	return args.Get(0).(InterfaceInfo), args.Error(1)
}

func (m *mockEngine) FunctionInfo(fn Handle) (FunctionInfo, error) {
	args := m.Called(fn)
	return args.Get(0).(FunctionInfo), args.Error(1)
}

func (m *mockEngine) GetAttribute(obj Handle, index int) (Handle, Handle, error) {
	args := m.Called(obj, index)
	return args.Get(0).(Handle), args.Get(1).(Handle), args.Error(2)
}

func (m *mockEngine) OpenDomain(filter string) (Handle, error) {
	args := m.Called(filter)
	return args.Get(0).(Handle), args.Error(1)
}

func (m *mockEngine) CloseDomain(domain Handle) error {
	return m.Called(domain).Error(0)
}

func (m *mockEngine) StartDiscovery(domain, discovery Handle) error {
	return m.Called(domain, discovery).Error(0)
}

func (m *mockEngine) StopDiscovery(discovery Handle) error {
	return m.Called(discovery).Error(0)
}

func (m *mockEngine) InvokeCallback(cb, cbCtx Handle, args Ref, n int) error {
	return m.Called(cb, cbCtx, args, n).Error(0)
}

func (m *mockEngine) Close() error {
	return m.Called().Error(0)
}

func testLogHandler() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue("runtime")},
	})
}

// attachMock attaches a runtime to a fresh mock engine speaking the
// compatible version.
func attachMock(t *testing.T, opts ...Option) (*Runtime, *mockEngine) {
	t.Helper()
	eng := &mockEngine{}
	eng.On("Version").Return(CompatibleVersion)
	eng.On("Open", mock.Anything).Return(nil)
	eng.On("Close").Return(nil).Maybe()

	opts = append([]Option{
		WithLog(testLogHandler()),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	rt, err := Attach(eng, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rt.Close()
	})
	return rt, eng
}

// onExecutor runs fn on the executor of rt.
func onExecutor(t *testing.T, rt *Runtime, fn func()) {
	t.Helper()
	require.NoError(t, rt.exec.do(context.Background(), fn))
}
