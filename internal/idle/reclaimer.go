package idle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworks/sessiond/internal/model"
)

// HTTPReclaimer asks a reclaimed session's supervisor to shut itself
// down. Supervisors that are already gone are treated as reclaimed.
type HTTPReclaimer struct {
	client *http.Client
	logger zerolog.Logger
}

func NewHTTPReclaimer(logger zerolog.Logger) *HTTPReclaimer {
	return &HTTPReclaimer{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (h *HTTPReclaimer) Reclaim(ctx context.Context, sess model.Session) error {
	if sess.ReachableAddr == "" {
		h.logger.Debug().Str("session_id", sess.ID).Msg("no reachable address, nothing to tear down")
		return nil
	}
	url := fmt.Sprintf("http://%s/v1/shutdown", sess.ReachableAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("build shutdown request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		// An unreachable supervisor is already dead.
		h.logger.Debug().Err(err).Str("session_id", sess.ID).Msg("supervisor unreachable, assuming gone")
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("shutdown request to %s: %s", sess.ReachableAddr, resp.Status)
	}
	return nil
}
