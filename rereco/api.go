package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kskovpen/rereco/internal/model"
	"github.com/kskovpen/rereco/internal/platform/auditlog"
	"github.com/kskovpen/rereco/internal/platform/auth"
	"github.com/kskovpen/rereco/internal/platform/objectstore"
	"github.com/kskovpen/rereco/internal/store"
	"github.com/kskovpen/rereco/internal/subcampaign"
	"github.com/minio/minio-go/v7"
)

type rerecoAPI struct {
	logger       *slog.Logger
	db           *sql.DB
	requests     *store.RequestStore
	objects      *minio.Client
	objectsCfg   objectstore.Config
	subcampaigns *subcampaign.Library
}

func newRerecoAPI(logger *slog.Logger, db *sql.DB, requests *store.RequestStore, objects *minio.Client, objectsCfg objectstore.Config, subcampaigns *subcampaign.Library) *rerecoAPI {
	return &rerecoAPI{
		logger:       logger,
		db:           db,
		requests:     requests,
		objects:      objects,
		objectsCfg:   objectsCfg,
		subcampaigns: subcampaigns,
	}
}

func (api *rerecoAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/requests", api.handleListRequests)
	mux.HandleFunc("POST /api/requests", api.handleCreateRequest)
	mux.HandleFunc("GET /api/requests/{prepid}", api.handleGetRequest)
	mux.HandleFunc("PUT /api/requests/{prepid}", api.handleUpdateRequest)
	mux.HandleFunc("DELETE /api/requests/{prepid}", api.handleDeleteRequest)

	mux.HandleFunc("GET /api/requests/{prepid}/cmsdriver", api.handleGetCmsDriver)
	mux.HandleFunc("POST /api/requests/{prepid}/scripts", api.handleCreateScript)
	mux.HandleFunc("POST /api/requests/{prepid}/status", api.handleMoveStatus)

	mux.HandleFunc("GET /api/subcampaigns", api.handleListSubcampaigns)
}

func (api *rerecoAPI) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeJSONMap(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	if name := stringField(fields, "subcampaign"); name != "" && api.subcampaigns != nil {
		base, err := api.subcampaigns.Apply(name)
		if err != nil {
			var unknown *subcampaign.UnknownError
			if errors.As(err, &unknown) {
				api.writeError(w, r, http.StatusBadRequest, "unknown_subcampaign")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		for key, value := range fields {
			base[key] = value
		}
		fields = base
	}

	req, err := model.LoadRequest(fields)
	if err != nil {
		if api.writeModelError(w, r, err) {
			return
		}
		api.writeError(w, r, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.PrepID() == "" {
		api.writeError(w, r, http.StatusBadRequest, "prepid_required")
		return
	}

	actor := api.actor(r)
	req.AddHistory("create", actor, time.Now())

	if err := api.requests.Create(r.Context(), req); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "request_exists")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, "request.create", req.PrepID(), map[string]any{
		"subcampaign": stringField(fields, "subcampaign"),
		"status":      req.Status(),
	})

	w.Header().Set("Location", "/api/requests/"+req.PrepID())
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"request":  req.Map(),
		"revision": 1,
	})
}

func (api *rerecoAPI) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Subcampaign: strings.TrimSpace(r.URL.Query().Get("subcampaign")),
		Status:      strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:       clampInt(parseIntQuery(r, "limit", 100), 1, 500),
	}

	requests, err := api.requests.List(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	total, err := api.requests.Count(r.Context())
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		out = append(out, req.Map())
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"requests": out,
		"total":    total,
	})
}

func (api *rerecoAPI) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, revision, ok := api.loadRequest(w, r)
	if !ok {
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"request":  req.Map(),
		"revision": revision,
	})
}

func (api *rerecoAPI) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	revision, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("revision")), 10, 64)
	if err != nil || revision < 1 {
		api.writeError(w, r, http.StatusBadRequest, "revision_required")
		return
	}

	req, _, ok := api.loadRequest(w, r)
	if !ok {
		return
	}

	fields, err := decodeJSONMap(r)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if prepid := stringField(fields, "prepid"); prepid != "" && prepid != req.PrepID() {
		api.writeError(w, r, http.StatusBadRequest, "prepid_immutable")
		return
	}
	delete(fields, "prepid")
	delete(fields, "history")
	delete(fields, "status")

	for field, value := range fields {
		if _, err := req.Set(field, value); err != nil {
			if api.writeModelError(w, r, err) {
				return
			}
			api.writeError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
	}

	actor := api.actor(r)
	req.AddHistory("update", actor, time.Now())

	if err := api.requests.Update(r.Context(), req, revision); err != nil {
		api.writeStoreError(w, r, err)
		return
	}

	api.audit(r, "request.update", req.PrepID(), map[string]any{
		"fields": sortedKeys(fields),
	})

	api.writeJSON(w, http.StatusOK, map[string]any{
		"request":  req.Map(),
		"revision": revision + 1,
	})
}

func (api *rerecoAPI) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	req, _, ok := api.loadRequest(w, r)
	if !ok {
		return
	}
	if req.Status() != model.StatusNew {
		api.writeError(w, r, http.StatusConflict, "request_not_deletable")
		return
	}

	if err := api.requests.Delete(r.Context(), req.PrepID()); err != nil {
		api.writeStoreError(w, r, err)
		return
	}

	api.audit(r, "request.delete", req.PrepID(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (api *rerecoAPI) handleGetCmsDriver(w http.ResponseWriter, r *http.Request) {
	req, _, ok := api.loadRequest(w, r)
	if !ok {
		return
	}

	script, err := buildScript(req, strings.TrimSpace(r.URL.Query().Get("input")))
	if err != nil {
		if api.writeModelError(w, r, err) {
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, script)
}

func (api *rerecoAPI) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	req, _, ok := api.loadRequest(w, r)
	if !ok {
		return
	}

	script, err := buildScript(req, "")
	if err != nil {
		if api.writeModelError(w, r, err) {
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	objectKey := fmt.Sprintf("%s/%s.sh", req.PrepID(), uuid.NewString())
	_, err = api.objects.PutObject(
		r.Context(),
		api.objectsCfg.BucketScripts,
		objectKey,
		bytes.NewReader([]byte(script)),
		int64(len(script)),
		minio.PutObjectOptions{ContentType: "text/x-shellscript"},
	)
	if err != nil {
		api.writeError(w, r, http.StatusBadGateway, "object_store_error")
		return
	}

	api.audit(r, "request.script", req.PrepID(), map[string]any{
		"bucket":     api.objectsCfg.BucketScripts,
		"object_key": objectKey,
		"size_bytes": len(script),
	})

	api.writeJSON(w, http.StatusCreated, map[string]any{
		"bucket":     api.objectsCfg.BucketScripts,
		"object_key": objectKey,
	})
}

type moveStatusRequest struct {
	Action string `json:"action"`
}

func (api *rerecoAPI) handleMoveStatus(w http.ResponseWriter, r *http.Request) {
	var body moveStatusRequest
	if err := decodeJSON(r, &body); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	req, revision, ok := api.loadRequest(w, r)
	if !ok {
		return
	}

	var status string
	var err error
	switch strings.TrimSpace(body.Action) {
	case "next":
		status, err = req.NextStatus()
	case "previous":
		status, err = req.PreviousStatus()
	default:
		api.writeError(w, r, http.StatusBadRequest, "invalid_action")
		return
	}
	if err != nil {
		api.writeError(w, r, http.StatusConflict, "invalid_transition")
		return
	}

	actor := api.actor(r)
	req.AddHistory(strings.TrimSpace(body.Action), actor, time.Now())

	if err := api.requests.Update(r.Context(), req, revision); err != nil {
		api.writeStoreError(w, r, err)
		return
	}

	api.audit(r, "request.status."+strings.TrimSpace(body.Action), req.PrepID(), map[string]any{
		"status": status,
	})

	api.writeJSON(w, http.StatusOK, map[string]any{
		"request":  req.Map(),
		"revision": revision + 1,
	})
}

func (api *rerecoAPI) handleListSubcampaigns(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if api.subcampaigns != nil {
		names = api.subcampaigns.Names()
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"subcampaigns": names})
}

// buildScript renders the full submission script: the CMSSW setup
// block followed by the compiled cmsDriver commands of every sequence.
// overwriteInput, when set, replaces the first sequence's input file.
func buildScript(req *model.Request, overwriteInput string) (string, error) {
	parts := []string{req.CMSSWSetup()}
	for index := 0; index < sequenceCount(req); index++ {
		input := ""
		if index == 0 && overwriteInput != "" {
			input = fmt.Sprintf("%q", overwriteInput)
		}
		command, err := req.CmsDriver(index, input)
		if err != nil {
			return "", err
		}
		parts = append(parts, command)
	}
	return strings.Join(parts, "\n\n") + "\n", nil
}

func sequenceCount(req *model.Request) int {
	value, err := req.Get("sequences")
	if err != nil {
		return 0
	}
	list, _ := value.([]any)
	return len(list)
}

func (api *rerecoAPI) loadRequest(w http.ResponseWriter, r *http.Request) (*model.Request, int64, bool) {
	prepid := strings.TrimSpace(r.PathValue("prepid"))
	if prepid == "" {
		api.writeError(w, r, http.StatusBadRequest, "prepid_required")
		return nil, 0, false
	}
	req, revision, err := api.requests.Get(r.Context(), prepid)
	if err != nil {
		api.writeStoreError(w, r, err)
		return nil, 0, false
	}
	return req, revision, true
}

func (api *rerecoAPI) actor(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if ok && strings.TrimSpace(identity.Subject) != "" {
		return identity.Subject
	}
	return "anonymous"
}

func (api *rerecoAPI) audit(r *http.Request, action, prepid string, payload map[string]any) {
	_, err := auditlog.Insert(r.Context(), api.db, auditlog.Event{
		OccurredAt: time.Now().UTC(),
		Actor:      api.actor(r),
		Action:     action,
		Resource:   prepid,
		RequestID:  r.Header.Get("X-Request-Id"),
		Payload:    payload,
	})
	if err != nil {
		api.logger.Warn("audit write failed", "error", err, "action", action, "prepid", prepid)
	}
}

// writeModelError maps document model errors to API responses. Unknown
// schema fields and rejected values are client errors; compilation
// failures surface as 422 with the sequence index and reason.
func (api *rerecoAPI) writeModelError(w http.ResponseWriter, r *http.Request, err error) bool {
	var schemaErr *model.SchemaError
	if errors.As(err, &schemaErr) {
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "unknown_field",
			"field":      schemaErr.Field,
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return true
	}
	var validationErr *model.ValidationError
	if errors.As(err, &validationErr) {
		api.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":      "invalid_value",
			"field":      validationErr.Field,
			"value":      fmt.Sprint(validationErr.Value),
			"request_id": r.Header.Get("X-Request-Id"),
		})
		return true
	}
	var pipelineErr *model.PipelineError
	if errors.As(err, &pipelineErr) {
		api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":          "pipeline_error",
			"sequence_index": pipelineErr.Index,
			"reason":         pipelineErr.Reason,
			"request_id":     r.Header.Get("X-Request-Id"),
		})
		return true
	}
	return false
}

func (api *rerecoAPI) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrRevisionConflict):
		api.writeError(w, r, http.StatusConflict, "revision_conflict")
	case errors.Is(err, store.ErrAlreadyExists):
		api.writeError(w, r, http.StatusConflict, "request_exists")
	default:
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func decodeJSONMap(r *http.Request) (map[string]any, error) {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("multiple JSON values")
	}
	return out, nil
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (api *rerecoAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *rerecoAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
