package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/errors"
	"github.com/wippyai/wasm-executor/state"
)

// RegisterRequest is the body of POST /v1/packages. Bytecode and Config are
// base64 encoded.
type RegisterRequest struct {
	ID       string        `json:"id"`
	Version  string        `json:"version,omitempty"`
	Kind     executor.Kind `json:"kind"`
	Bytecode []byte        `json:"bytecode"`
	Config   []byte        `json:"config,omitempty"`
}

// ActionResponse is the body returned for a contract action.
type ActionResponse struct {
	Status   executor.Status `json:"status"`
	Code     int32           `json:"code"`
	Payload  []byte          `json:"payload,omitempty"`
	Events   [][]byte        `json:"events,omitempty"`
	Logs     []LogLine       `json:"logs,omitempty"`
	FuelUsed uint64          `json:"fuel_used"`
}

// LogLine is a guest log line.
type LogLine struct {
	Timestamp int64             `json:"ts"`
	Level     executor.LogLevel `json:"level"`
	Message   string            `json:"message"`
}

// KV is one state entry.
type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string       `json:"error"`
	Class errors.Class `json:"class,omitempty"`
	Kind  errors.Kind  `json:"kind,omitempty"`
}

func (a *api) listPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.Packages())
}

func (a *api) registerPackage(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxPackageSize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	pkg := executor.Package{
		ID:       req.ID,
		Version:  req.Version,
		Kind:     req.Kind,
		Bytecode: req.Bytecode,
		Config:   req.Config,
	}
	if err := a.rt.Register(r.Context(), pkg); err != nil {
		a.fail(w, r, err)
		return
	}
	info, err := a.rt.Package(req.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info("package uploaded",
		zap.String("package", info.ID),
		zap.String("hash", info.Hash.Short()),
		zap.String("subject", Subject(r.Context())))
	writeJSON(w, http.StatusCreated, info)
}

func (a *api) getPackage(w http.ResponseWriter, r *http.Request) {
	info, err := a.rt.Package(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *api) unregisterPackage(w http.ResponseWriter, r *http.Request) {
	if err := a.rt.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) packageState(w http.ResponseWriter, r *http.Request) {
	kvs, err := a.rt.State(r.Context(), chi.URLParam(r, "id"), []byte(r.URL.Query().Get("prefix")))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]KV, len(kvs))
	for i, kv := range kvs {
		out[i] = KV{Key: string(kv.Key), Value: kv.Value}
	}
	writeJSON(w, http.StatusOK, out)
}

// pageOf parses the page and per_page query parameters.
func pageOf(r *http.Request) (state.Page, error) {
	var p state.Page
	q := r.URL.Query()
	for _, f := range []struct {
		name string
		dst  *uint64
	}{{"page", &p.Number}, {"per_page", &p.PerPage}} {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("%s must be an unsigned integer", f.name)
		}
		*f.dst = n
	}
	return p, nil
}

func (a *api) packageActions(w http.ResponseWriter, r *http.Request) {
	page, err := pageOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.rt.Actions(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) packageLogs(w http.ResponseWriter, r *http.Request) {
	page, err := pageOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.rt.Logs(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) executeAction(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ts := a.now().UnixMilli()
	if v := q.Get("ts"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ts must be an integer")
			return
		}
		ts = n
	}
	var nonce uint64
	if v := q.Get("nonce"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "nonce must be an unsigned integer")
			return
		}
		nonce = n
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPackageSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read payload: %v", err))
		return
	}

	res, err := a.rt.ExecuteAction(r.Context(), executor.ActionRequest{
		PackageID: chi.URLParam(r, "id"),
		Action:    chi.URLParam(r, "action"),
		Payload:   payload,
		Timestamp: ts,
		Nonce:     nonce,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}

	out := ActionResponse{
		Status:   res.Status,
		Code:     res.Code,
		Payload:  res.Payload,
		FuelUsed: res.FuelUsed,
	}
	for _, ev := range res.Events {
		out.Events = append(out.Events, ev.Data)
	}
	for _, l := range res.Logs {
		out.Logs = append(out.Logs, LogLine{Timestamp: l.Timestamp, Level: l.Level, Message: l.Message})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) tickAgent(w http.ResponseWriter, r *http.Request) {
	res, err := a.rt.RunAgentTick(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) agentStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.rt.AgentStatus(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) codeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.CodeStats())
}

// fail writes err with the status its class maps to.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		a.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		writeJSON(w, status, ErrorResponse{Error: err.Error(), Class: e.Class, Kind: e.Kind})
		return
	}
	writeError(w, status, err.Error())
}

// StatusOf maps an engine error to an HTTP status code.
func StatusOf(err error) int {
	switch errors.ClassOf(err) {
	case errors.ClassCompile:
		return http.StatusUnprocessableEntity
	case errors.ClassTrap:
		return http.StatusInternalServerError
	case errors.ClassResource:
		if errors.KindOf(err) == errors.KindTimeout {
			return http.StatusServiceUnavailable
		}
		return http.StatusTooManyRequests
	case errors.ClassIO:
		return http.StatusBadGateway
	case errors.ClassStore:
		return http.StatusServiceUnavailable
	case errors.ClassNotFound:
		return http.StatusNotFound
	case errors.ClassInvalid:
		if errors.KindOf(err) == errors.KindClosedRuntime {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
