package fibretest_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/fibre"
	"github.com/raskyld/fibre/fibretest"
	"github.com/stretchr/testify/require"
)

func logHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func shout(args [][]byte) ([][]byte, fibre.Status) {
	if len(args) != 1 {
		return nil, fibre.StatusInvalidArgument
	}
	return [][]byte{bytes.ToUpper(args[0])}, fibre.StatusClosed
}

func TestTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A tiny mtu so every argument spans many records.
	const mtu = 8
	pipe := fibre.NewPipe()
	defer pipe.Close()

	srvCtx, stop := context.WithCancel(ctx)
	defer stop()
	served := make(chan error, 1)
	go func() {
		served <- fibretest.Serve(srvCtx, pipe, mtu, map[string]fibretest.Handler{
			"shout": shout,
		}, slog.New(logHandler("server")))
	}()

	eng := fibretest.New(
		fibretest.WithTransport(pipe, mtu),
		fibretest.WithLog(logHandler("engine")),
	)
	text := []fibre.ArgInfo{{Name: "text", Codec: "string"}}
	shoutFn := eng.Function("shout", text, text, nil)
	whisperFn := eng.Function("whisper", text, text, nil)

	rt, err := fibre.Attach(eng,
		fibre.WithLog(logHandler("runtime")),
		fibre.WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	defer rt.Close()

	fn, err := rt.Function(ctx, shoutFn)
	require.NoError(t, err)

	t.Run("calls are forwarded to the server", func(t *testing.T) {
		out, err := fn.Call(ctx, "arguments longer than the mtu")
		require.NoError(t, err)
		require.Equal(t, "ARGUMENTS LONGER THAN THE MTU", out)
	})

	t.Run("functions the server lacks are refused", func(t *testing.T) {
		whisper, err := rt.Function(ctx, whisperFn)
		require.NoError(t, err)
		_, err = whisper.Call(ctx, "a secret too long to fit")
		require.ErrorIs(t, err, fibre.ErrInvalidArgument)
	})

	t.Run("an unreachable server fails the call", func(t *testing.T) {
		stop()
		require.NoError(t, <-served)
		require.NoError(t, pipe.Close())

		_, err := fn.Call(ctx, "anyone?")
		require.ErrorIs(t, err, fibre.ErrHostUnreachable)
	})

	require.Eventually(t, func() bool {
		return rt.Memory().InUse() == 0 && eng.Calls() == 0
	}, time.Second, time.Millisecond)
}
