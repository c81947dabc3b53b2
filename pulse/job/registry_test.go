package job

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/internal/httpclient"
	"github.com/teranos/tessera/pulse/jobconf"
)

func builtins() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, httpclient.New(httpclient.Options{}))
	return r
}

func TestRegistry(t *testing.T) {
	r := builtins()
	assert.Equal(t, []string{HandlerHTTP, HandlerNoop, HandlerShell}, r.Tags())
	assert.True(t, r.Has(HandlerShell))

	assert.Panics(t, func() {
		r.Register(HandlerNoop, func(*jobconf.Definition) (Handler, error) { return nil, nil })
	})

	def := jobconf.New("billing")
	def.Handler = "python"
	_, err := r.Build(def)
	assert.True(t, errors.IsNotFoundError(err))

	def.Handler = HandlerNoop
	h, err := r.Build(def)
	require.NoError(t, err)
	out, err := h.Run(context.Background(), Item{Job: "billing"})
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestHTTPHandlerNeedsURL(t *testing.T) {
	def := jobconf.New("billing")
	def.Handler = HandlerHTTP
	def.JobParameter = "ftp://example.com"
	_, err := builtins().Build(def)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestHTTPHandler(t *testing.T) {
	var got Item
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Item == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	def := jobconf.New("billing")
	def.Handler = HandlerHTTP
	def.JobParameter = srv.URL
	h, err := builtins().Build(def)
	require.NoError(t, err)

	out, err := h.Run(context.Background(), Item{Job: "billing", Item: 0, Parameter: "eu"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, "eu", got.Parameter)

	_, err = h.Run(context.Background(), Item{Job: "billing", Item: 1})
	assert.Error(t, err)
}

func TestShellHandler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	h := ShellHandler{}
	ctx := context.Background()

	out, err := h.Run(ctx, Item{Job: "billing", Item: 2, Parameter: `sh -c 'echo "item $TESSERA_ITEM"'`})
	require.NoError(t, err)
	assert.Equal(t, "item 2", strings.TrimSpace(out))

	// Job parameter is the fallback command
	out, err = h.Run(ctx, Item{Job: "billing", JobParameter: "echo fallback"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", strings.TrimSpace(out))

	_, err = h.Run(ctx, Item{Job: "billing", Parameter: "sh -c 'exit 3'"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")

	_, err = h.Run(ctx, Item{Job: "billing", Parameter: "echo 'unterminated"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = h.Run(ctx, Item{Job: "billing"})
	assert.True(t, errors.IsInvalidRequestError(err))
}
