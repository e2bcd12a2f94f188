// ============================================================================
// uws-engine HTTP 介面
// ============================================================================
//
// Package: internal/server
// File: http.go
//
// Routes:
//   GET    /healthz
//   GET    /metrics                      (metrics.enabled)
//   GET    /jobs                         list names
//   POST   /jobs/{list}                  create; PHASE=RUN starts it
//   GET    /jobs/{list}                  PHASE=.. (repeatable) AFTER=RFC3339 LAST=n
//   GET    /jobs/{list}/{id}             full job record
//   DELETE /jobs/{list}/{id}
//   POST   /jobs/{list}/{id}             ACTION=DELETE
//   GET    /jobs/{list}/{id}/phase       WAIT=seconds (-1 = max) PHASE=filter
//   POST   /jobs/{list}/{id}/phase       PHASE=RUN|ABORT|ARCHIVE
//
// Create parameters are form values. Upper-case reserved names
// (PHASE, DESTRUCTION, EXECUTIONDURATION, QUOTE) configure the job;
// every other name becomes a job parameter, repeated names an array.
//
// ============================================================================

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/uws-engine/internal/blocking"
	"github.com/ChuLiYu/uws-engine/internal/controller"
	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/internal/joblist"
	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// maxFormSize limits a create request body.
const maxFormSize = 1 << 20

// PrincipalHeader carries the authenticated caller set by a fronting proxy.
const PrincipalHeader = "X-Principal"

var (
	errBadRequest       = errors.New("bad request")
	errUnsupportedMedia = errors.New("unsupported content type")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// PrincipalResolver extracts the caller identity and origin of a request.
// An empty principal is an anonymous caller.
type PrincipalResolver func(r *http.Request) (principal, origin string)

// HeaderPrincipal trusts the named header for the principal and uses the
// remote host as origin.
func HeaderPrincipal(header string) PrincipalResolver {
	return func(r *http.Request) (string, string) {
		origin := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			origin = host
		}
		return strings.TrimSpace(r.Header.Get(header)), origin
	}
}

// HTTPServer serves the job API of a controller.
type HTTPServer struct {
	ctrl    *controller.Controller
	log     *slog.Logger
	resolve PrincipalResolver
	metrics bool
	router  chi.Router
}

// HTTPOption configures an HTTPServer.
type HTTPOption func(*HTTPServer)

func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if l != nil {
			s.log = l
		}
	}
}

func WithPrincipalResolver(p PrincipalResolver) HTTPOption {
	return func(s *HTTPServer) {
		if p != nil {
			s.resolve = p
		}
	}
}

// WithMetricsEndpoint mounts /metrics.
func WithMetricsEndpoint(enabled bool) HTTPOption {
	return func(s *HTTPServer) { s.metrics = enabled }
}

// NewHTTP builds the router.
func NewHTTP(ctrl *controller.Controller, opts ...HTTPOption) *HTTPServer {
	s := &HTTPServer{
		ctrl:    ctrl,
		log:     slog.Default(),
		resolve: HeaderPrincipal(PrincipalHeader),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/healthz", s.health)
	if s.metrics {
		r.Handle("/metrics", ctrl.Metrics().Handler())
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listNames)
		r.Route("/{list}", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/", s.postJob)
				r.Delete("/", s.deleteJob)
				r.Get("/phase", s.getPhase)
				r.Post("/phase", s.postPhase)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *HTTPServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "lists": s.ctrl.ListNames()})
}

func (s *HTTPServer) listNames(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lists": s.ctrl.ListNames()})
}

func (s *HTTPServer) createJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormSize))
	if err != nil {
		s.fail(w, r, badRequest("read body: %v", err))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, badRequest("invalid form: %v", err))
		return
	}

	form, order := r.Form, formOrder(r.URL.RawQuery)
	switch mediaType(r) {
	case "application/x-www-form-urlencoded":
		order = append(order, formOrder(string(body))...)
	case "application/json":
		values, names, err := jsonForm(body)
		if err != nil {
			s.fail(w, r, badRequest("invalid JSON body: %v", err))
			return
		}
		for _, name := range names {
			form[name] = append(form[name], values[name]...)
		}
		order = append(order, names...)
	default:
		if len(bytes.TrimSpace(body)) > 0 {
			s.fail(w, r, fmt.Errorf("%w: %q", errUnsupportedMedia, r.Header.Get("Content-Type")))
			return
		}
	}
	params, opts, run, err := parseCreate(form, order)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	list := chi.URLParam(r, "list")
	principal, _ := s.resolve(r)
	j, err := s.ctrl.CreateJob(list, principal, params, opts, run)
	if err != nil && j == nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.log.Warn("Job created but not started", "list", list, "job", j.ID(), "error", err)
	}

	w.Header().Set("Location", "/jobs/"+list+"/"+j.ID())
	writeJSON(w, http.StatusCreated, j.Record(list))
}

// formOrder returns the distinct names of an encoded form in the order
// they first appear.
func formOrder(raw string) []string {
	var names []string
	for _, pair := range strings.Split(raw, "&") {
		key, _, _ := strings.Cut(pair, "=")
		if name, err := url.QueryUnescape(key); err == nil && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// jsonForm reads a flat JSON object as form values, keeping key order.
// A value is a string, number or boolean, or an array of those.
func jsonForm(body []byte) (url.Values, []string, error) {
	form := url.Values{}
	if len(bytes.TrimSpace(body)) == 0 {
		return form, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	if tok, err := dec.Token(); err != nil {
		return nil, nil, err
	} else if tok != json.Delim('{') {
		return nil, nil, errors.New("body must be a JSON object")
	}
	var order []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		name, _ := tok.(string)
		values, err := jsonValues(dec)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		form[name] = append(form[name], values...)
		order = append(order, name)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, nil, errors.New("trailing data after JSON object")
	}
	return form, order, nil
}

func jsonValues(dec *json.Decoder) ([]string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok != json.Delim('[') {
		v, err := jsonScalar(tok)
		if err != nil {
			return nil, err
		}
		return []string{v}, nil
	}
	var out []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		v, err := jsonScalar(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func jsonScalar(tok json.Token) (string, error) {
	switch v := tok.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return "", fmt.Errorf("unsupported value %v", tok)
}

// parseCreate splits reserved settings from job parameters. Parameters keep
// the order given by order.
func parseCreate(form url.Values, order []string) ([]types.Parameter, joblist.NewJobOptions, bool, error) {
	var (
		opts   joblist.NewJobOptions
		run    bool
		params []types.Parameter
		seen   = make(map[string]bool)
	)
	for _, name := range order {
		values := form[name]
		if seen[name] || len(values) == 0 {
			continue
		}
		seen[name] = true
		v := values[len(values)-1]
		switch name {
		case "PHASE":
			if !strings.EqualFold(v, "RUN") {
				return nil, opts, false, badRequest("PHASE=%s, only RUN is accepted on create", v)
			}
			run = true
		case "DESTRUCTION":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, opts, false, badRequest("DESTRUCTION: %v", err)
			}
			opts.DestructionTime = t.UTC()
		case "EXECUTIONDURATION":
			d, err := parseSeconds(v)
			if err != nil {
				return nil, opts, false, badRequest("EXECUTIONDURATION: %v", err)
			}
			opts.ExecutionDuration = d
		case "QUOTE":
			d, err := parseSeconds(v)
			if err != nil {
				return nil, opts, false, badRequest("QUOTE: %v", err)
			}
			opts.Quote = d
		default:
			p := types.Parameter{Name: name, Kind: types.ParamScalar, Values: values}
			if len(values) > 1 {
				p.Kind = types.ParamArray
			}
			params = append(params, p)
		}
	}
	return params, opts, run, nil
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

type jobSummary struct {
	ID           string               `json:"id"`
	Owner        string               `json:"owner,omitempty"`
	Phase        types.ExecutionPhase `json:"phase"`
	CreationTime time.Time            `json:"creation_time"`
}

func (s *HTTPServer) listJobs(w http.ResponseWriter, r *http.Request) {
	l, err := s.ctrl.List(chi.URLParam(r, "list"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	principal, _ := s.resolve(r)
	jobs := l.List(principal, filters)
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobSummary{ID: j.ID(), Owner: j.Owner(), Phase: j.Phase(), CreationTime: j.CreationTime()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"list": l.Name(), "jobs": out})
}

func parseFilters(r *http.Request) (joblist.Filters, error) {
	q := r.URL.Query()
	var fs joblist.Filters
	if vs := q["PHASE"]; len(vs) > 0 {
		phases := make([]types.ExecutionPhase, 0, len(vs))
		for _, v := range vs {
			p, err := types.ParsePhase(v)
			if err != nil {
				return nil, badRequest("PHASE: %v", err)
			}
			phases = append(phases, p)
		}
		fs = append(fs, joblist.Phases(phases...))
	}
	if v := q.Get("AFTER"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, badRequest("AFTER: %v", err)
		}
		fs = append(fs, joblist.After(t))
	}
	if v := q.Get("LAST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, badRequest("LAST must be a non-negative integer")
		}
		fs = append(fs, joblist.Last(n))
	}
	return fs, nil
}

// lookup resolves {list}/{id} for the caller.
func (s *HTTPServer) lookup(r *http.Request) (*joblist.JobList, *job.Job, error) {
	l, err := s.ctrl.List(chi.URLParam(r, "list"))
	if err != nil {
		return nil, nil, err
	}
	principal, _ := s.resolve(r)
	j, err := l.GetOwned(chi.URLParam(r, "id"), principal)
	if err != nil {
		return nil, nil, err
	}
	return l, j, nil
}

func (s *HTTPServer) getJob(w http.ResponseWriter, r *http.Request) {
	l, j, err := s.lookup(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j.Record(l.Name()))
}

func (s *HTTPServer) deleteJob(w http.ResponseWriter, r *http.Request) {
	l, j, err := s.lookup(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := l.Remove(j.ID()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) postJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, badRequest("invalid form: %v", err))
		return
	}
	if !strings.EqualFold(r.Form.Get("ACTION"), "DELETE") {
		s.fail(w, r, badRequest("ACTION must be DELETE"))
		return
	}
	s.deleteJob(w, r)
}

type phaseResponse struct {
	ID      string               `json:"id"`
	Phase   types.ExecutionPhase `json:"phase"`
	Outcome string               `json:"outcome,omitempty"`
}

// getPhase returns the phase, blocking first when WAIT is given.
func (s *HTTPServer) getPhase(w http.ResponseWriter, r *http.Request) {
	_, j, err := s.lookup(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	waitParam := q.Get("WAIT")
	if waitParam == "" {
		writeJSON(w, http.StatusOK, phaseResponse{ID: j.ID(), Phase: j.Phase()})
		return
	}

	secs, err := strconv.ParseInt(waitParam, 10, 64)
	if err != nil {
		s.fail(w, r, badRequest("WAIT must be an integer number of seconds"))
		return
	}
	wait := time.Duration(secs) * time.Second
	if secs < 0 {
		wait = -1
	}

	var until types.ExecutionPhase
	if v := q.Get("PHASE"); v != "" {
		if until, err = types.ParsePhase(v); err != nil {
			s.fail(w, r, badRequest("PHASE: %v", err))
			return
		}
	}

	principal, origin := s.resolve(r)
	res := s.ctrl.Blocking().Wait(r.Context(), j, blocking.Request{
		MaxWait:   wait,
		Principal: principal,
		Origin:    origin,
		Until:     until,
	})
	writeJSON(w, http.StatusOK, phaseResponse{ID: j.ID(), Phase: res.Phase, Outcome: res.Outcome.String()})
}

func (s *HTTPServer) postPhase(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, badRequest("invalid form: %v", err))
		return
	}
	l, j, err := s.lookup(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	principal, _ := s.resolve(r)
	switch strings.ToUpper(r.Form.Get("PHASE")) {
	case "RUN":
		_, err = l.Execute(j.ID(), principal)
	case "ABORT":
		err = l.Abort(j.ID(), principal)
	case "ARCHIVE":
		err = l.Archive(j.ID(), principal)
	default:
		err = badRequest("PHASE must be RUN, ABORT or ARCHIVE")
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, phaseResponse{ID: j.ID(), Phase: j.Phase()})
}

// ============================================================================
// 錯誤回應
// ============================================================================

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// statusOf maps an error to its HTTP status and error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE"
	case errors.Is(err, controller.ErrUnknownList), errors.Is(err, joblist.ErrJobNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, joblist.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, phase.ErrInvalidTransition),
		errors.Is(err, job.ErrNotUpdatable),
		errors.Is(err, joblist.ErrDuplicateJob):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, controller.ErrStopped):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status >= 500 {
		s.log.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		s.log.Debug("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
