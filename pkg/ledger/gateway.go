package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/config"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/metrics"
)

const backoffBase = 250 * time.Millisecond
const backoffCap = 60 * time.Second

// probeFunctions are tried in order to confirm chaincode liveness.
// A chaincode that knows none of them is suspicious but not fatal.
var probeFunctions = []string{"GetContractInfo", "GetAllRecords"}

// connectionProfile is the parsed gateway connection profile
type connectionProfile struct {
	GatewayURL string   `json:"gateway_url"`
	Peers      []string `json:"peers"`
	Orderers   []string `json:"orderers"`
}

// Gateway is a ledger session over a Fabric-style HTTP gateway service.
// Transactions go to /invoke, read-only calls to /query, and chaincode
// events arrive via a cursor-based poll of /events.
type Gateway struct {
	cfg     config.LedgerConfig
	profile connectionProfile
	http    *http.Client
	cache   *evalCache
	logger  zerolog.Logger

	mu        sync.Mutex
	connected bool
	retries   int
	handlers  map[string][]Handler

	stopEvents chan struct{}
	eventsDone chan struct{}
}

// Connect runs pre-connection diagnostics, opens the session, and
// starts the event poller. lightMode skips diagnostics and the liveness
// probe.
func Connect(ctx context.Context, cfg config.LedgerConfig, lightMode bool) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		http:       &http.Client{Timeout: cfg.NetworkTimeout},
		cache:      newEvalCache(cfg.EvaluateCacheTTL),
		logger:     log.WithComponent("ledger"),
		handlers:   make(map[string][]Handler),
		stopEvents: make(chan struct{}),
		eventsDone: make(chan struct{}),
	}

	profile, err := g.loadProfile()
	if err != nil {
		return nil, err
	}
	g.profile = *profile

	if !lightMode {
		if err := g.checkIdentity(); err != nil {
			return nil, err
		}
		g.probeEndpoints(ctx)
	}

	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()

	if !lightMode {
		g.probeLiveness(ctx)
	}

	go g.pollEvents()
	return g, nil
}

// loadProfile parses the connection profile, falling back to a copy of
// the known-good profile when the primary is missing or malformed.
func (g *Gateway) loadProfile() (*connectionProfile, error) {
	profile, err := parseProfile(g.cfg.ConnectionProfilePath)
	if err == nil {
		return profile, nil
	}
	g.logger.Warn().Err(err).Str("path", g.cfg.ConnectionProfilePath).Msg("connection profile unusable")

	if g.cfg.FallbackProfilePath == "" {
		return nil, fmt.Errorf("%s: %w", g.cfg.ConnectionProfilePath, ErrProfileInvalid)
	}

	// Self-repair: restore the primary from the fallback copy, then
	// parse the restored file so the repair is verified.
	data, err := os.ReadFile(g.cfg.FallbackProfilePath)
	if err != nil {
		return nil, fmt.Errorf("fallback profile unreadable: %w", ErrProfileInvalid)
	}
	if err := os.MkdirAll(filepath.Dir(g.cfg.ConnectionProfilePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to restore connection profile: %w", err)
	}
	if err := os.WriteFile(g.cfg.ConnectionProfilePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to restore connection profile: %w", err)
	}
	g.logger.Info().Str("from", g.cfg.FallbackProfilePath).Msg("connection profile restored from fallback")

	profile, err = parseProfile(g.cfg.ConnectionProfilePath)
	if err != nil {
		return nil, fmt.Errorf("restored profile still invalid: %w", ErrProfileInvalid)
	}
	return profile, nil
}

func parseProfile(path string) (*connectionProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile connectionProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, err
	}
	if profile.GatewayURL == "" {
		return nil, fmt.Errorf("profile has no gateway_url")
	}
	if _, err := url.Parse(profile.GatewayURL); err != nil {
		return nil, fmt.Errorf("profile gateway_url invalid: %w", err)
	}
	return &profile, nil
}

// checkIdentity verifies the wallet holds material for the session user
func (g *Gateway) checkIdentity() error {
	if g.cfg.WalletPath == "" {
		return nil
	}
	idFile := filepath.Join(g.cfg.WalletPath, g.cfg.UserID+".id")
	if _, err := os.Stat(idFile); err != nil {
		return fmt.Errorf("wallet entry %s: %w", idFile, ErrIdentityMissing)
	}
	return nil
}

// probeEndpoints TCP-dials the profile's peer and orderer addresses.
// Unreachable endpoints are logged; the gateway itself may still route.
func (g *Gateway) probeEndpoints(ctx context.Context) {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	for _, addr := range append(append([]string{}, g.profile.Peers...), g.profile.Orderers...) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			g.logger.Warn().Str("endpoint", addr).Err(err).Msg("ledger endpoint unreachable")
			continue
		}
		conn.Close()
	}
}

// probeLiveness confirms the chaincode answers at least one read-only
// function. A chaincode that knows none of the probes still passes.
func (g *Gateway) probeLiveness(ctx context.Context) {
	for _, fn := range probeFunctions {
		if _, err := g.evaluateDirect(ctx, fn); err == nil {
			g.logger.Debug().Str("function", fn).Msg("chaincode liveness confirmed")
			return
		}
	}
	g.logger.Warn().Msg("no liveness probe function answered; continuing")
}

// Submit invokes a transaction, reconnecting with capped exponential
// backoff on transport failure.
func (g *Gateway) Submit(ctx context.Context, function string, args ...string) (string, error) {
	var txID string
	err := g.withRetry(ctx, func() error {
		resp, err := g.post(ctx, "/invoke", function, args)
		if err != nil {
			return err
		}
		var out struct {
			TxID string `json:"tx_id"`
		}
		if err := json.Unmarshal(resp, &out); err != nil {
			return fmt.Errorf("invoke response: %w", err)
		}
		txID = out.TxID
		return nil
	})
	if err != nil {
		metrics.LedgerCalls.WithLabelValues("submit", "error").Inc()
		return "", err
	}
	metrics.LedgerCalls.WithLabelValues("submit", "ok").Inc()
	return txID, nil
}

// Evaluate runs a read-only call through the TTL cache
func (g *Gateway) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	key := cacheKey(g.cfg.ChannelName, function, args)
	data, err := g.cache.do(ctx, key, func() ([]byte, error) {
		return g.evaluateDirect(ctx, function, args...)
	})
	if err != nil {
		metrics.LedgerCalls.WithLabelValues("evaluate", "error").Inc()
		return nil, err
	}
	metrics.LedgerCalls.WithLabelValues("evaluate", "ok").Inc()
	return data, nil
}

func (g *Gateway) evaluateDirect(ctx context.Context, function string, args ...string) ([]byte, error) {
	var payload []byte
	err := g.withRetry(ctx, func() error {
		resp, err := g.post(ctx, "/query", function, args)
		if err != nil {
			return err
		}
		var out struct {
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(resp, &out); err != nil {
			return fmt.Errorf("query response: %w", err)
		}
		payload, err = base64.StdEncoding.DecodeString(out.Payload)
		if err != nil {
			return fmt.Errorf("query payload is not base64: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// InvalidateAccess evicts cached CheckAccess decisions touching the
// record. Called by the event consumer on grant and revoke events.
func (g *Gateway) InvalidateAccess(recordID string) {
	g.cache.invalidate(recordID)
}

// Subscribe registers a handler for a named chaincode event
func (g *Gateway) Subscribe(eventName string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[eventName] = append(g.handlers[eventName], h)
}

// Status reports session health
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Connected:  g.connected,
		Retries:    g.retries,
		MaxRetries: g.cfg.MaxRetries,
		Channel:    g.cfg.ChannelName,
		Chaincode:  g.cfg.ChaincodeName,
	}
}

// Close stops the event poller and marks the session closed
func (g *Gateway) Close() error {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return nil
	}
	g.connected = false
	g.mu.Unlock()
	close(g.stopEvents)
	<-g.eventsDone
	return nil
}

// withRetry runs call, reconnecting with min(base·2^attempt, 60s)
// backoff up to MaxRetries attempts. Chaincode-level failures are not
// retried; only transport failures are.
func (g *Gateway) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase * time.Duration(1<<uint(attempt-1))
			if backoff > backoffCap {
				backoff = backoffCap
			}
			g.mu.Lock()
			g.retries++
			g.mu.Unlock()
			metrics.LedgerReconnects.Inc()
			g.logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", backoff).Msg("ledger call failed; backing off")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("ledger call canceled: %w", ctx.Err())
			}
		}

		err := call()
		if err == nil {
			return nil
		}
		if _, transient := err.(*transportError); !transient {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("ledger unavailable after %d attempts: %w: %w", g.cfg.MaxRetries, ErrNotConnected, lastErr)
}

// transportError marks failures worth a reconnect attempt
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// post issues one gateway request and classifies the failure
func (g *Gateway) post(ctx context.Context, path, function string, args []string) ([]byte, error) {
	g.mu.Lock()
	connected := g.connected
	g.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	body, err := json.Marshal(map[string]any{
		"channel":   g.cfg.ChannelName,
		"chaincode": g.cfg.ChaincodeName,
		"function":  function,
		"args":      args,
		"identity":  g.cfg.UserID,
		"msp_id":    g.cfg.MSPID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.profile.GatewayURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s %s: %w", function, path, ErrEvaluateTimeout)
		}
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", function, ErrChannelUnavailable)
	case resp.StatusCode >= 500:
		return nil, &transportError{err: fmt.Errorf("gateway returned %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("%s returned %d: %s: %w", function, resp.StatusCode, truncate(string(data), 200), ErrChaincodeError)
	}
}

// pollEvents long-polls the gateway's event feed and dispatches
func (g *Gateway) pollEvents() {
	defer close(g.eventsDone)
	cursor := 0
	for {
		select {
		case <-g.stopEvents:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.NetworkTimeout)
		events, next, err := g.fetchEvents(ctx, cursor)
		cancel()
		if err != nil {
			select {
			case <-time.After(time.Second):
			case <-g.stopEvents:
				return
			}
			continue
		}
		cursor = next

		for _, ev := range events {
			g.dispatch(ev)
		}
		if len(events) == 0 {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-g.stopEvents:
				return
			}
		}
	}
}

func (g *Gateway) fetchEvents(ctx context.Context, cursor int) ([]Event, int, error) {
	u := fmt.Sprintf("%s/events?channel=%s&chaincode=%s&cursor=%s",
		g.profile.GatewayURL,
		url.QueryEscape(g.cfg.ChannelName),
		url.QueryEscape(g.cfg.ChaincodeName),
		url.QueryEscape(strconv.Itoa(cursor)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, cursor, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cursor, fmt.Errorf("event feed returned %d", resp.StatusCode)
	}

	var out struct {
		Cursor int `json:"cursor"`
		Events []struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, cursor, err
	}

	events := make([]Event, 0, len(out.Events))
	for _, raw := range out.Events {
		payload, err := base64.StdEncoding.DecodeString(raw.Payload)
		if err != nil {
			g.logger.Warn().Str("event", raw.Name).Msg("event payload is not base64; skipping")
			continue
		}
		events = append(events, NormalizeEvent(raw.Name, payload))
	}
	return events, out.Cursor, nil
}

// dispatch runs every matching handler under its own timeout
func (g *Gateway) dispatch(ev Event) {
	if !Known(ev.Name) {
		g.logger.Warn().Str("event", ev.Name).Msg("unknown chaincode event; dropping")
		return
	}
	g.mu.Lock()
	handlers := append(append([]Handler{}, g.handlers[ev.Name]...), g.handlers[""]...)
	g.mu.Unlock()

	for _, h := range handlers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h(ctx, ev)
		cancel()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
