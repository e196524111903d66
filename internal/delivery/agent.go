package delivery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/event"
	"github.com/p-blackswan/mindkeeper/internal/retry"
)

// AgentRequest is the body posted to a mind's message endpoint.
type AgentRequest struct {
	MessageID    string  `json:"messageId"`
	Session      string  `json:"session"`
	Content      Content `json:"content"`
	Channel      string  `json:"channel,omitempty"`
	Sender       string  `json:"sender,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
	Interrupt    bool    `json:"interrupt"`
}

// Agent streams a message into a running mind. emit is called for every
// event in order; returning an error from emit aborts the stream.
type Agent interface {
	Stream(ctx context.Context, port int, req AgentRequest, emit func(event.AgentEvent) error) error
}

// HTTPAgent talks to a mind over its local HTTP endpoint, reading back
// newline-delimited JSON events.
type HTTPAgent struct {
	Client *http.Client
	Host   string
	Path   string
	Retry  retry.Config
	logger zerolog.Logger
}

// NewHTTPAgent creates an agent client for minds on 127.0.0.1.
func NewHTTPAgent(logger zerolog.Logger) *HTTPAgent {
	return &HTTPAgent{
		// no overall timeout: a turn streams for as long as the mind works
		Client: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       30 * time.Second,
		}},
		Host:   "127.0.0.1",
		Path:   "/message",
		Retry:  retry.DefaultConfig(),
		logger: logger.With().Str("component", "agent").Logger(),
	}
}

// Stream posts req and forwards each decoded event line to emit. Only a
// failed connect is retried: once the mind has the request, an error status
// or a slow response is final so a turn is never sent twice.
func (a *HTTPAgent) Stream(ctx context.Context, port int, req AgentRequest, emit func(event.AgentEvent) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d%s", a.Host, port, a.Path)

	var resp *http.Response
	err = retry.DoIf(ctx, a.Retry, merrors.IsDialError, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/x-ndjson")
		r, err := a.Client.Do(httpReq)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			snippet, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			r.Body.Close()
			return merrors.New(merrors.ErrUnavailable, "deliver", req.Session,
				fmt.Sprintf("mind answered %d: %s", r.StatusCode, bytes.TrimSpace(snippet)))
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mind rejected message: %d %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := event.ParseAgentEvent(line)
		if err != nil {
			a.logger.Warn().Err(err).Int("port", port).Msg("skipping malformed event line")
			continue
		}
		if ev.MessageID == "" {
			ev.MessageID = req.MessageID
		}
		if ev.Session == "" {
			ev.Session = req.Session
		}
		if err := emit(ev); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
	return scanner.Err()
}
