// Package downstream asks the console to run a job's downstream jobs after
// it fired.
package downstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tessera/internal/httpclient"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/jobconf"
)

// Request is the body posted to the console.
type Request struct {
	TriggerID  string    `json:"trigger_id"`
	Namespace  string    `json:"namespace"`
	Job        string    `json:"job"`
	Executor   string    `json:"executor"`
	Downstream []string  `json:"downstream"`
	FireTime   time.Time `json:"fire_time"`
}

// Notifier posts runDownStream requests. Console URIs can be swapped at
// runtime when the configuration reloads.
type Notifier struct {
	namespace string
	executor  string
	client    *httpclient.Client
	uris      atomic.Pointer[[]string]
	logger    *zap.SugaredLogger
}

// NewNotifier creates a notifier for namespace.
func NewNotifier(namespace, executor string, uris []string, client *httpclient.Client, log *zap.SugaredLogger) *Notifier {
	n := &Notifier{
		namespace: namespace,
		executor:  executor,
		client:    client,
		logger:    log.With(logger.FieldComponent, "pulse.downstream", logger.FieldExecutor, executor),
	}
	n.SetURIs(uris)
	return n
}

// SetURIs replaces the console endpoints.
func (n *Notifier) SetURIs(uris []string) {
	cp := make([]string, 0, len(uris))
	for _, u := range uris {
		if u = strings.TrimSpace(u); u != "" {
			cp = append(cp, u)
		}
	}
	n.uris.Store(&cp)
}

// URIs returns the current console endpoints.
func (n *Notifier) URIs() []string {
	return *n.uris.Load()
}

// Endpoint builds {uri}/rest/v1/{namespace}/jobs/{job}/runDownStream.
func Endpoint(uri, namespace, job string) (string, error) {
	return url.JoinPath(uri, "rest", "v1", namespace, "jobs", job, "runDownStream")
}

// Notify tells the console that def fired so its downstream jobs run. Jobs
// that do not qualify are skipped. Endpoints are tried in order until one
// answers 200. Failures are only logged; the return value reports whether
// some endpoint accepted the request.
func (n *Notifier) Notify(ctx context.Context, def *jobconf.Definition, fireTime time.Time, triggerID string) bool {
	if !def.WantsDownstream() {
		return false
	}
	if triggerID == "" {
		triggerID = uuid.NewString()
	}
	req := Request{
		TriggerID:  triggerID,
		Namespace:  n.namespace,
		Job:        def.Name,
		Executor:   n.executor,
		Downstream: def.Downstream,
		FireTime:   fireTime,
	}
	log := n.logger.With(logger.FieldJob, def.Name, "trigger_id", triggerID)

	uris := n.URIs()
	if len(uris) == 0 {
		log.Warnw("Job has downstream jobs but no console URI is configured")
		return false
	}

	for _, uri := range uris {
		target, err := Endpoint(uri, n.namespace, def.Name)
		if err != nil {
			log.Warnw("Invalid console URI", logger.FieldURL, uri, logger.FieldError, err)
			continue
		}
		start := time.Now()
		resp, err := n.client.PostJSON(ctx, target, req, nil)
		if err != nil {
			log.Warnw("Downstream request failed", logger.FieldURL, target, logger.FieldError, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			log.Infow("Downstream jobs triggered",
				logger.FieldURL, target,
				"downstream", def.Downstream,
				logger.FieldDurationMS, time.Since(start).Milliseconds())
			return true
		}
		log.Warnw("Console refused downstream request",
			logger.FieldURL, target,
			logger.FieldStatus, resp.StatusCode,
			"body", string(resp.Body))
	}
	return false
}
