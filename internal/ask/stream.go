package ask

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/store"
)

// SSE event names on the ask stream.
const (
	eventToken = "token"
	eventFinal = "final"
	eventError = "error"
)

// streamWriter frames SSE events over one response.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newStreamWriter(w http.ResponseWriter) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ask: response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &streamWriter{w: w, flusher: flusher}, nil
}

func (s *streamWriter) send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// AskStream answers over SSE: token events while the model generates,
// one final event carrying the full answer with citations, or an
// error event. The stream always terminates with final or error.
func (o *Orchestrator) AskStream(ctx context.Context, st *store.Store, question string, k int, w http.ResponseWriter) error {
	start := time.Now()
	sw, err := newStreamWriter(w)
	if err != nil {
		return err
	}
	fail := func(msg string) error {
		sw.send(eventError, map[string]string{"error": msg})
		o.metrics.Ask(ctx, observability.ResultError, time.Since(start))
		return nil
	}

	if k <= 0 {
		k = o.cfg.DefaultK
	}
	tenant, _ := st.Tenant()

	if cached := o.cache.Get(tenant, question, k); cached != nil {
		out := *cached
		out.Cached = true
		o.metrics.Ask(ctx, observability.ResultOK, time.Since(start))
		return sw.send(eventFinal, &out)
	}

	g, err := o.retrieve(ctx, st, question, k)
	if err != nil {
		return fail(err.Error())
	}
	if len(g.results) == 0 {
		o.metrics.Ask(ctx, observability.ResultSkipped, time.Since(start))
		return sw.send(eventFinal, o.bailout(g))
	}

	var text string
	switch {
	case o.llm != nil && o.cfg.LLMEnabled:
		tokens, err := o.llm.Stream(ctx, g.prompt)
		if err != nil {
			o.logger.Warn().Err(err).Msg("llm stream failed, sending extractive answer")
			text = o.extractive(g)
			break
		}
		var b []byte
		for tok := range tokens {
			b = append(b, tok...)
			if err := sw.send(eventToken, map[string]string{"token": tok}); err != nil {
				// Client went away; stop generating.
				o.metrics.Ask(ctx, observability.ResultError, time.Since(start))
				return nil
			}
		}
		if err := ctx.Err(); err != nil {
			return fail("cancelled")
		}
		text = string(b)
	default:
		text = o.extractive(g)
	}

	answer := o.answerFrom(g, text)
	o.cache.Put(tenant, question, k, answer)
	o.metrics.Ask(ctx, observability.ResultOK, time.Since(start))
	return sw.send(eventFinal, answer)
}
