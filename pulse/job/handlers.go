package job

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/internal/httpclient"
	"github.com/teranos/tessera/pulse/jobconf"
)

// Built-in handler tags
const (
	HandlerNoop  = "noop"
	HandlerShell = "shell"
	HandlerHTTP  = "http"
)

// RegisterBuiltins adds the noop, shell and http handlers. client is used
// by http jobs.
func RegisterBuiltins(r *Registry, client *httpclient.Client) {
	r.Register(HandlerNoop, func(*jobconf.Definition) (Handler, error) {
		return HandlerFunc(func(context.Context, Item) (string, error) { return "", nil }), nil
	})
	r.Register(HandlerShell, func(*jobconf.Definition) (Handler, error) {
		return ShellHandler{}, nil
	})
	r.Register(HandlerHTTP, func(def *jobconf.Definition) (Handler, error) {
		if _, err := client.ValidateURL(def.JobParameter); err != nil {
			return nil, err
		}
		return &HTTPHandler{URL: def.JobParameter, Client: client}, nil
	})
}

// ShellHandler runs the item parameter, or the job parameter when the item
// has none, as a command. Exit code 0 is success.
type ShellHandler struct{}

// Run implements Handler.
func (ShellHandler) Run(ctx context.Context, it Item) (string, error) {
	line := it.Parameter
	if strings.TrimSpace(line) == "" {
		line = it.JobParameter
	}
	args, err := shellquote.Split(line)
	if err != nil {
		return "", errors.NewInvalidRequestError("cannot parse command %q: %v", line, err)
	}
	if len(args) == 0 {
		return "", errors.NewInvalidRequestError("no command for item %d", it.Item)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"TESSERA_JOB="+it.Job,
		"TESSERA_ITEM="+strconv.Itoa(it.Item),
		"TESSERA_ITEM_PARAMETER="+it.Parameter,
		"TESSERA_JOB_PARAMETER="+it.JobParameter,
		"TESSERA_SHARDING_TOTAL_COUNT="+strconv.Itoa(it.Total),
		"TESSERA_FAILOVER="+strconv.FormatBool(it.Failover),
	)
	if len(it.Payload) > 0 {
		cmd.Stdin = bytes.NewReader(it.Payload)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.String(), ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), errors.Newf("%s exited with code %d", args[0], exitErr.ExitCode())
		}
		return out.String(), errors.Wrapf(err, "failed to run %s", args[0])
	}
	return out.String(), nil
}

// HTTPHandler posts the item as JSON to URL. A 2xx answer is success.
type HTTPHandler struct {
	URL    string
	Client *httpclient.Client
}

// Run implements Handler.
func (h *HTTPHandler) Run(ctx context.Context, it Item) (string, error) {
	resp, err := h.Client.PostJSON(ctx, h.URL, it, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	if !resp.OK() {
		return string(resp.Body), errors.Newf("%s answered %d", h.URL, resp.StatusCode)
	}
	return string(resp.Body), nil
}
