package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/LerianStudio/lib-retry/retry/log"
)

const healthAlarmsPath = "/api/health/checks/alarms"

// managementProbe bundles everything one health probe needs, captured under
// the client lock so the probe itself can run without holding it.
type managementProbe struct {
	url    string
	user   string
	pass   string
	client *http.Client
	logger log.Logger
}

// probeManagement asks the broker's management API whether any resource
// alarms are firing. Any transport, parse, or status failure reports
// unhealthy; the cause lands in the log, not the return value.
func probeManagement(ctx context.Context, probe managementProbe) bool {
	logger := probe.logger
	if logger == nil {
		logger = &log.NopLogger{}
	}

	if err := ctx.Err(); err != nil {
		logger.Log(context.Background(), log.LevelError, "context canceled during rabbitmq health probe", log.Err(err))

		return false
	}

	healthURL, err := normalizeHealthURL(probe.url)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "invalid rabbitmq health URL", log.Err(err))

		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to build rabbitmq health request", log.Err(err))

		return false
	}

	req.SetBasicAuth(probe.user, probe.pass)

	httpClient := probe.client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHealthTimeout}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "rabbitmq health request failed", log.Err(err))

		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Log(context.Background(), log.LevelError, "rabbitmq health probe rejected", log.String("status", resp.Status))

		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to read rabbitmq health response", log.Err(err))

		return false
	}

	var payload map[string]any

	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Log(context.Background(), log.LevelError, "failed to decode rabbitmq health response", log.Err(err))

		return false
	}

	if payload == nil {
		logger.Log(context.Background(), log.LevelError, "rabbitmq health response is empty")

		return false
	}

	if status, ok := payload["status"].(string); ok && status == "ok" {
		return true
	}

	logger.Log(context.Background(), log.LevelError, "rabbitmq management api reports unhealthy")

	return false
}

// normalizeHealthURL validates the management base URL and appends the
// alarms endpoint when it is not already present. The expected input is the
// management API root, for example "http://host:15672". The URL comes from
// trusted configuration; no host allowlist is applied.
func normalizeHealthURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("rabbitmq health URL is empty")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("rabbitmq health URL must use http or https")
	}

	if parsed.Host == "" {
		return "", errors.New("rabbitmq health URL must include a host")
	}

	if parsed.User != nil {
		return "", errors.New("rabbitmq health URL must not carry credentials")
	}

	normalized := strings.TrimSuffix(parsed.String(), "/")
	if strings.HasSuffix(normalized, healthAlarmsPath) {
		return normalized, nil
	}

	return normalized + healthAlarmsPath, nil
}
