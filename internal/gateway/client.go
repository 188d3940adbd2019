// Package gateway implements the typed request/response client for the
// EarlyShield backend API. Every operation sends exactly one request and
// returns either the decoded entity or a typed failure (*TransportError,
// *ValidationError, or an error wrapping ErrUnexpectedResponse). The client
// holds no domain state and never retries.
//
// # Usage
//
//	gw := gateway.New("http://localhost:8000/api",
//	    gateway.WithLogger(logger),
//	    gateway.WithMetrics(gateway.NewMetrics(prometheus.DefaultRegisterer)),
//	)
//	signals, err := gw.ListSignals(ctx)
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"

	"github.com/earlyshield/dashboard/internal/domain"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:8000/api"

// validate checks drafts and patches before they leave the process. Field
// names in failures are reported by their JSON names.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Client is the remote entity gateway. It is safe for concurrent use.
type Client struct {
	http    *resty.Client
	logger  *slog.Logger
	metrics *Metrics
}

type clientOptions struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *Metrics
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLogger sets the logger used for per-request debug lines and failure
// warnings. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// WithHTTPClient replaces the underlying *http.Client (for custom transports
// or TLS settings).
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithTimeout bounds every request at the HTTP client level. Callers may
// still pass tighter deadlines through the context.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// New creates a Client for the API rooted at baseURL (for example
// "http://localhost:8000/api"). An empty baseURL selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	o := clientOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	rc := resty.New()
	if o.httpClient != nil {
		rc = resty.NewWithClient(o.httpClient)
	}
	rc.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if o.timeout > 0 {
		rc.SetTimeout(o.timeout)
	}

	return &Client{http: rc, logger: o.logger, metrics: o.metrics}
}

// ─── Signals ──────────────────────────────────────────────────────────────────

// ListSignals returns every signal in server order.
func (c *Client) ListSignals(ctx context.Context) ([]domain.Signal, error) {
	var out []domain.Signal
	if err := c.do(ctx, "list signals", http.MethodGet, "/signals", nil, &out); err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// GetSignal returns the signal with the given id.
func (c *Client) GetSignal(ctx context.Context, id string) (domain.Signal, error) {
	var out domain.Signal
	err := c.do(ctx, "get signal", http.MethodGet, "/signals/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CreateSignal submits draft. The server assigns id, timestamp and the Open
// status. A draft failing local validation yields a *ValidationError without
// sending a request.
func (c *Client) CreateSignal(ctx context.Context, draft domain.SignalDraft) (domain.Signal, error) {
	const op = "create signal"
	if err := checkPayload(op, draft); err != nil {
		return domain.Signal{}, err
	}
	var out domain.Signal
	if err := c.do(ctx, op, http.MethodPost, "/signals", draft, &out); err != nil {
		return domain.Signal{}, err
	}
	if out.ID == "" {
		return domain.Signal{}, fmt.Errorf("gateway: %s: %w: missing id", op, ErrUnexpectedResponse)
	}
	return out, nil
}

// UpdateSignalStatus transitions the signal id to status. An id unknown to
// the server yields a *TransportError with Status 404.
func (c *Client) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) (domain.Signal, error) {
	const op = "update signal status"
	if !status.Valid() {
		return domain.Signal{}, &ValidationError{
			Op:      op,
			Message: fmt.Sprintf("status %q must be one of Open, Investigating, Resolved", status),
			Fields:  []string{"status"},
		}
	}
	var out domain.Signal
	body := map[string]domain.SignalStatus{"status": status}
	err := c.do(ctx, op, http.MethodPatch, "/signals/"+url.PathEscape(id)+"/status", body, &out)
	return out, err
}

// DeleteSignal removes the signal id on the server.
func (c *Client) DeleteSignal(ctx context.Context, id string) error {
	return c.do(ctx, "delete signal", http.MethodDelete, "/signals/"+url.PathEscape(id), nil, nil)
}

// ─── Zones ────────────────────────────────────────────────────────────────────

// ListZones returns every zone.
func (c *Client) ListZones(ctx context.Context) ([]domain.Zone, error) {
	var out []domain.Zone
	if err := c.do(ctx, "list zones", http.MethodGet, "/zones", nil, &out); err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// GetZone returns the zone with the given id.
func (c *Client) GetZone(ctx context.Context, id string) (domain.Zone, error) {
	var out domain.Zone
	err := c.do(ctx, "get zone", http.MethodGet, "/zones/"+url.PathEscape(id), nil, &out)
	return out, err
}

// UpdateZone applies patch to the zone id and returns the server's copy.
func (c *Client) UpdateZone(ctx context.Context, id string, patch domain.ZonePatch) (domain.Zone, error) {
	const op = "update zone"
	if err := checkPayload(op, patch); err != nil {
		return domain.Zone{}, err
	}
	var out domain.Zone
	err := c.do(ctx, op, http.MethodPatch, "/zones/"+url.PathEscape(id), patch, &out)
	return out, err
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// GetStats returns the authoritative aggregate metrics.
func (c *Client) GetStats(ctx context.Context) (domain.Stats, error) {
	var out domain.Stats
	if err := c.do(ctx, "get stats", http.MethodGet, "/stats", nil, &out); err != nil {
		return domain.Stats{}, err
	}
	if out.Trend == nil {
		out.Trend = []int{}
	}
	return out, nil
}

// ─── Users ────────────────────────────────────────────────────────────────────

// GetUser returns the identity associated with role.
func (c *Client) GetUser(ctx context.Context, role domain.Role) (domain.User, error) {
	var out domain.User
	err := c.do(ctx, "get user", http.MethodGet, "/users/"+url.PathEscape(string(role)), nil, &out)
	return out, err
}

// UpdateUser applies patch to the identity for role and returns the full,
// server-normalised object.
func (c *Client) UpdateUser(ctx context.Context, role domain.Role, patch domain.UserPatch) (domain.User, error) {
	const op = "update user"
	if err := checkPayload(op, patch); err != nil {
		return domain.User{}, err
	}
	var out domain.User
	err := c.do(ctx, op, http.MethodPatch, "/users/"+url.PathEscape(string(role)), patch, &out)
	return out, err
}

// ─── Notifications ────────────────────────────────────────────────────────────

// ListNotifications returns every notification.
func (c *Client) ListNotifications(ctx context.Context) ([]domain.Notification, error) {
	var out []domain.Notification
	if err := c.do(ctx, "list notifications", http.MethodGet, "/notifications", nil, &out); err != nil {
		return nil, err
	}
	return nonNil(out), nil
}

// MarkNotificationRead flags notification id as read.
func (c *Client) MarkNotificationRead(ctx context.Context, id int) (domain.Notification, error) {
	var out domain.Notification
	body := map[string]bool{"read": true}
	err := c.do(ctx, "mark notification read", http.MethodPatch,
		"/notifications/"+strconv.Itoa(id)+"/read", body, &out)
	return out, err
}

// MarkAllNotificationsRead flags every notification as read. Only the
// success status matters; the confirmation body is ignored.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "mark all notifications read", http.MethodPost, "/notifications/mark-all-read", nil, nil)
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// do sends one request and decodes a 2xx body into out (when non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.observe(op, 0, elapsed)
		c.logger.Warn("gateway: request failed",
			slog.String("op", op),
			slog.String("method", method),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return &TransportError{Op: op, Err: err}
	}

	status := resp.StatusCode()
	c.metrics.observe(op, status, elapsed)
	c.logger.Debug("gateway: request",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Duration("elapsed", elapsed),
	)

	if status < 200 || status >= 300 {
		return c.failure(op, status, resp.Body())
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("gateway: %s: %w: %v", op, ErrUnexpectedResponse, err)
	}
	return nil
}

// failure builds the typed error for a non-2xx response.
func (c *Client) failure(op string, status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	msg := eb.text()
	if msg == "" {
		msg = fmt.Sprintf("HTTP error %d", status)
	}

	c.logger.Warn("gateway: backend rejected request",
		slog.String("op", op),
		slog.Int("status", status),
		slog.String("message", msg),
	)

	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		return &ValidationError{Op: op, Message: msg, Fields: eb.fields()}
	}
	return &TransportError{Op: op, Status: status, Message: msg}
}

// checkPayload runs struct validation and converts failures into a
// *ValidationError.
func checkPayload(op string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("gateway: %s: validate: %w", op, err)
	}
	ve := &ValidationError{Op: op}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ve.Fields = append(ve.Fields, fe.Field())
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	ve.Message = strings.Join(msgs, "; ")
	return ve
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
