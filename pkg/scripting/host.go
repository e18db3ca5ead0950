package scripting

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/openfroyo/scriptcore/pkg/classify"
	"github.com/openfroyo/scriptcore/pkg/session"
)

// Capability is a host privilege a script can be granted.
type Capability string

const (
	// CapabilityEnvRead allows reading process environment variables.
	CapabilityEnvRead Capability = "env:read"

	// CapabilityFSTemp allows writing files under the host temp directory.
	CapabilityFSTemp Capability = "fs:temp"

	// CapabilityNetOutbound allows outbound HTTP requests.
	CapabilityNetOutbound Capability = "net:outbound"
)

// ErrorIDCapabilityDenied marks calls to a host builtin whose capability
// was not granted.
const ErrorIDCapabilityDenied = "CapabilityNotGranted"

// maxResponseBody bounds what host.http_get reads.
const maxResponseBody = 1 << 20

// HostConfig configures the host module.
type HostConfig struct {
	// Capabilities are the granted privileges.
	Capabilities []string

	// TempDir is the root for host.write_temp. Defaults to a scriptcore
	// directory under os.TempDir.
	TempDir string

	// HTTPTimeout bounds one host.http_get. Defaults to 30s.
	HTTPTimeout time.Duration
}

// HostModule builds the "host" module. Every builtin checks its
// capability on each call, so denied calls become error records on the
// invocation instead of aborting it.
func HostModule(cfg HostConfig) Module {
	h := newHostEnforcer(cfg)
	return Module{
		Name: "host",
		Members: starlark.StringDict{
			"hostname":     starlark.NewBuiltin("hostname", h.hostname),
			"env":          starlark.NewBuiltin("env", h.env),
			"write_temp":   starlark.NewBuiltin("write_temp", h.writeTemp),
			"http_get":     starlark.NewBuiltin("http_get", h.httpGet),
			"capabilities": starlark.NewBuiltin("capabilities", h.capabilities),
		},
		Import: func(ctx context.Context) error {
			if !h.has(CapabilityFSTemp) {
				return nil
			}
			if err := os.MkdirAll(h.tempDir, 0750); err != nil {
				return fmt.Errorf("failed to create temp directory: %w", err)
			}
			return nil
		},
	}
}

// hostEnforcer guards the host builtins.
type hostEnforcer struct {
	granted    map[string]bool
	tempDir    string
	httpClient *http.Client
}

func newHostEnforcer(cfg HostConfig) *hostEnforcer {
	h := &hostEnforcer{
		granted: make(map[string]bool, len(cfg.Capabilities)),
		tempDir: cfg.TempDir,
	}
	for _, c := range cfg.Capabilities {
		h.granted[c] = true
	}
	if h.tempDir == "" {
		h.tempDir = filepath.Join(os.TempDir(), "scriptcore")
	}
	h.tempDir = filepath.Clean(h.tempDir)

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h.httpClient = &http.Client{Timeout: timeout}
	return h
}

func (h *hostEnforcer) has(c Capability) bool {
	return h.granted[string(c)]
}

// require reports a denied capability as an error record and returns
// false.
func (h *hostEnforcer) require(thread *starlark.Thread, b *starlark.Builtin, c Capability) bool {
	if h.has(c) {
		return true
	}
	if sink := sinkOf(thread); sink != nil {
		sink.Error(session.ErrorRecord{
			Message:       fmt.Sprintf("%s: capability %s not granted", b.Name(), c),
			ErrorID:       ErrorIDCapabilityDenied,
			Category:      classify.CategoryPermissionDenied,
			ExceptionKind: "UnauthorizedAccessException",
		})
	}
	return false
}

func (h *hostEnforcer) hostname(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	name, err := os.Hostname()
	if err != nil {
		return nil, session.NewRuntimeError("IOException", err)
	}
	return starlark.String(name), nil
}

func (h *hostEnforcer) env(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if !h.require(thread, b, CapabilityEnvRead) {
		return starlark.None, nil
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return def, nil
}

func (h *hostEnforcer) writeTemp(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "content", &content); err != nil {
		return nil, err
	}
	if !h.require(thread, b, CapabilityFSTemp) {
		return starlark.None, nil
	}

	path := filepath.Clean(filepath.Join(h.tempDir, name))
	if !strings.HasPrefix(path, h.tempDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s: invalid file path: path traversal detected", b.Name())
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return nil, session.NewRuntimeError("IOException", err)
	}
	return starlark.String(path), nil
}

func (h *hostEnforcer) httpGet(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &url); err != nil {
		return nil, err
	}
	if !h.require(thread, b, CapabilityNetOutbound) {
		return starlark.None, nil
	}

	req, err := http.NewRequestWithContext(contextOf(thread), http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctxErr := contextOf(thread).Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, session.NewRuntimeError("HttpRequestException", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, session.NewRuntimeError("HttpRequestException", err)
	}
	if resp.StatusCode >= 400 {
		if sink := sinkOf(thread); sink != nil {
			msg := fmt.Sprintf("GET %s returned %d %s", url, resp.StatusCode, http.StatusText(resp.StatusCode))
			if secs, ok := retryAfterSeconds(resp.Header.Get("Retry-After"), time.Now()); ok {
				msg += fmt.Sprintf(". Retry-After: %d", secs)
			}
			sink.Error(session.ErrorRecord{
				Message: msg,
				ErrorID: fmt.Sprintf("HttpStatus%d", resp.StatusCode),
			})
		}
	}

	return ToValue(map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	})
}

// retryAfterSeconds reads a Retry-After header in delta-seconds or
// HTTP-date form. A date in the past is zero.
func retryAfterSeconds(header string, now time.Time) (int64, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(header, 10, 64); err == nil {
		return n, n >= 0
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d <= 0 {
		return 0, true
	}
	return int64(math.Ceil(d.Seconds())), true
}

func (h *hostEnforcer) capabilities(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	names := make([]starlark.Value, 0, len(h.granted))
	for _, c := range sortedKeys(h.granted) {
		names = append(names, starlark.String(c))
	}
	return starlark.NewList(names), nil
}
