package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/ragchat/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	questions      []string
	verbose        bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	TextDelta string `json:"text_delta,omitempty"`
}

// turnSample is the client-side view of one streamed answer.
type turnSample struct {
	firstDelta time.Duration
	done       time.Duration
}

var defaultQuestions = []string{
	"Answer in three words: what is retrieval augmented generation?",
	"Answer in three words: why bound the history window?",
	"Answer in three words: what does the knowledge base hold?",
	"Answer in three words: biggest latency risk?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var questionsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "ragchat base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-replay", "identity used for the synthetic session")
	flag.IntVar(&cfg.turns, "turns", 10, "number of questions to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 180, "delay between questions in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 60000, "timeout waiting for answer_done per question in milliseconds")
	flag.StringVar(&questionsRaw, "questions", "", "questions separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.questions = splitQuestions(questionsRaw)
	if len(cfg.questions) == 0 {
		if strings.TrimSpace(questionsRaw) != "" {
			return options{}, fmt.Errorf("questions produced no non-empty entries")
		}
		cfg.questions = append([]string(nil), defaultQuestions...)
	}
	return cfg, nil
}

func splitQuestions(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if q := strings.TrimSpace(part); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = deleteSession(context.Background(), httpClient, cfg, sessionID)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID, cfg.userID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if cfg.verbose {
		fmt.Printf("perfchat: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	samples := make([]turnSample, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		question := cfg.questions[i%len(cfg.questions)]
		sample, err := askOnce(conn, sessionID, question, cfg.turnTimeout, cfg.verbose)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		samples = append(samples, sample)
		if cfg.verbose {
			fmt.Printf("perfchat: turn %d/%d first_delta=%s done=%s\n", i+1, cfg.turns, sample.firstDelta, sample.done)
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	printSummary(samples)
	if err := printServerStages(ctx, httpClient, cfg.baseURL); err != nil && cfg.verbose {
		fmt.Fprintf(os.Stderr, "perfchat: server stages unavailable: %v\n", err)
	}
	return nil
}

func askOnce(conn *websocket.Conn, sessionID, question string, timeout time.Duration, verbose bool) (turnSample, error) {
	requestID := uuid.NewString()
	start := time.Now()
	if err := conn.WriteJSON(protocol.Ask{
		Type:      protocol.TypeAsk,
		SessionID: sessionID,
		RequestID: requestID,
		Question:  question,
	}); err != nil {
		return turnSample{}, fmt.Errorf("send ask: %w", err)
	}

	var sample turnSample
	_ = conn.SetReadDeadline(start.Add(timeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return turnSample{}, fmt.Errorf("await answer_done: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.RequestID != "" && env.RequestID != requestID {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeAnswerDelta:
			if sample.firstDelta == 0 {
				sample.firstDelta = time.Since(start)
			}
		case protocol.TypeAnswerDone:
			sample.done = time.Since(start)
			if sample.firstDelta == 0 {
				sample.firstDelta = sample.done
			}
			return sample, nil
		case protocol.TypeErrorEvent:
			if verbose {
				fmt.Fprintf(os.Stderr, "perfchat: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
			if env.RequestID == requestID {
				return turnSample{}, fmt.Errorf("server error %s: %s", env.Code, env.Detail)
			}
		}
	}
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader([]byte(`{"title":"perfchat replay"}`)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", cfg.userID)
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func deleteSession(ctx context.Context, client *http.Client, cfg options, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, cfg.baseURL+"/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", cfg.userID)
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/stream"
	q := u.Query()
	q.Set("session_id", sessionID)
	if userID != "" {
		q.Set("user_id", userID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func printSummary(samples []turnSample) {
	first := make([]float64, len(samples))
	done := make([]float64, len(samples))
	for i, s := range samples {
		first[i] = float64(s.firstDelta.Milliseconds())
		done[i] = float64(s.done.Milliseconds())
	}
	fmt.Printf("perfchat: first_delta_ms p50=%.0f p95=%.0f max=%.0f\n", percentile(first, 0.50), percentile(first, 0.95), percentile(first, 1))
	fmt.Printf("perfchat: answer_done_ms p50=%.0f p95=%.0f max=%.0f\n", percentile(done, 0.50), percentile(done, 0.95), percentile(done, 1))
}

// percentile uses nearest-rank on a sorted copy of values.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func printServerStages(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return err
	}
	fmt.Printf("perfchat: server stages\n%s\n", pretty.String())
	return nil
}
