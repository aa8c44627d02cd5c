package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"lexdraft/api/internal/assembly"
	"lexdraft/api/internal/auth"
	"lexdraft/api/internal/export"
	"lexdraft/api/internal/model"
	"lexdraft/api/internal/search"
	"lexdraft/api/internal/sections"
)

const (
	maxUploadBytes   = 25 << 20
	streamKeepalive  = 25 * time.Second
	defaultListLimit = 50
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ready(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "drafts" {
		s.handleDraft(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(search.Query{
		Text:    text,
		DraftID: query.Get("draftId"),
		Limit:   queryInt(r, "limit", 20),
		Offset:  queryInt(r, "offset", 0),
	}))
}

func (s *HTTPServer) handleDraft(w http.ResponseWriter, r *http.Request, draftID string, rest []string) {
	token := auth.BearerToken(r)

	switch {
	case len(rest) == 1 && rest[0] == "session" && r.Method == http.MethodPost:
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		d, err := s.service.Open(r.Context(), draftID, token, body.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ticket, expires, err := s.service.StreamTicket(draftID, token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"state":           d.State(),
			"streamTicket":    ticket,
			"streamExpiresAt": expires.Unix(),
		})
		return

	case len(rest) == 1 && rest[0] == "session" && r.Method == http.MethodDelete:
		if err := s.service.CloseSession(draftID, token); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return

	case len(rest) == 1 && rest[0] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, draftID, token)
		return

	case len(rest) == 1 && rest[0] == "activity" && r.Method == http.MethodGet:
		d, err := s.service.Session(draftID, token)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"activity": d.Activity()})
			return
		}
		if !errors.Is(err, errSessionNotFound) {
			s.fail(w, r, err)
			return
		}
		history, err := s.service.ActivityHistory(r.Context(), draftID, token, r.URL.Query().Get("userId"), queryInt(r, "limit", defaultListLimit))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activity": history})
		return

	case len(rest) == 1 && rest[0] == "exports" && r.Method == http.MethodGet:
		if _, err := s.service.Session(draftID, token); err != nil {
			s.fail(w, r, err)
			return
		}
		records, err := s.service.ExportHistory(r.Context(), draftID, queryInt(r, "limit", defaultListLimit))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exports": records})
		return
	}

	d, err := s.service.Session(draftID, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	switch rest[0] {
	case "state":
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, d.State())
			return
		}
	case "stream-ticket":
		if r.Method == http.MethodPost {
			ticket, expires, err := s.service.StreamTicket(draftID, token)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"streamTicket": ticket, "streamExpiresAt": expires.Unix()})
			return
		}
	case "fields":
		if r.Method == http.MethodPut && len(rest) == 1 {
			var body struct {
				Fields model.Fields `json:"fields"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"fields": d.EditFields(body.Fields)})
			return
		}
	case "save":
		if r.Method == http.MethodPost && len(rest) == 1 {
			if err := d.Save(r.Context()); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, d.State().Fields)
			return
		}
	case "case":
		if r.Method == http.MethodPost && len(rest) == 1 {
			var body struct {
				CaseID    string `json:"caseId"`
				CaseTitle string `json:"caseTitle"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := d.AttachCase(r.Context(), body.CaseID, body.CaseTitle); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"autopopulating": true})
			return
		}
	case "upload":
		if r.Method == http.MethodPost && len(rest) == 1 {
			s.handleUpload(w, r, d)
			return
		}
	case "rename":
		if r.Method == http.MethodPost && len(rest) == 1 {
			var body struct {
				Title string `json:"title"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			if err := d.Rename(r.Context(), body.Title); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"title": strings.TrimSpace(body.Title)})
			return
		}
	case "step", "advance":
		if r.Method == http.MethodPost && len(rest) == 1 {
			s.handleStep(w, r, d, rest[0])
			return
		}
	case "sections":
		s.handleSections(w, r, d, rest[1:])
		return
	case "assemble":
		if r.Method == http.MethodPost && len(rest) == 1 {
			if err := d.Assemble(); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"assembling": true})
			return
		}
	case "assembly":
		s.handleAssembly(w, r, d, rest[1:])
		return
	case "export":
		if r.Method == http.MethodPost && len(rest) == 1 {
			s.handleExport(w, r, d)
			return
		}
	case "share":
		if r.Method == http.MethodGet && len(rest) == 1 {
			share, err := d.Share(r.Context())
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, share)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, d *DraftSession) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected a multipart form with a file", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file is required", nil)
		return
	}
	defer file.Close()

	uploaded, err := d.Upload(r.Context(), header.Filename, file)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"file": uploaded, "autopopulating": true})
}

func (s *HTTPServer) handleStep(w http.ResponseWriter, r *http.Request, d *DraftSession, action string) {
	var body struct {
		Step any `json:"step"`
		From any `json:"from"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	raw := body.Step
	if action == "advance" {
		raw = body.From
	}
	step, ok := model.ParseStep(fmt.Sprint(raw))
	if raw == nil || !ok {
		writeError(w, http.StatusBadRequest, "INVALID_STEP", "step must be 1-6 or a step name", nil)
		return
	}

	if action == "advance" {
		if _, err := d.Advance(r.Context(), step); err != nil {
			s.fail(w, r, err)
			return
		}
	} else if err := d.GoTo(r.Context(), step); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.State().Workflow)
}

type sectionBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
	DetailLevel string `json:"detailLevel"`
	Language    string `json:"language"`
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, d *DraftSession, rest []string) {
	orch := d.Sections()
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, d.State().Sections)
			return
		case http.MethodPost:
			var body sectionBody
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			section, err := orch.AddCustom(ctx, sections.NewSection{
				Title:       body.Title,
				Description: body.Description,
				Prompt:      body.Prompt,
				DetailLevel: model.DetailLevel(strings.ToLower(strings.TrimSpace(body.DetailLevel))),
				Language:    body.Language,
			})
			if err != nil && !localOnly(err) {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, section)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	sectionID := rest[0]
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodPut:
			var body sections.Settings
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			section, err := orch.UpdateSettings(ctx, sectionID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, section)
			return
		case http.MethodDelete:
			if err := orch.Delete(ctx, sectionID); err != nil && !localOnly(err) {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, d.State().Sections)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch {
	case rest[1] == "toggle" && r.Method == http.MethodPost:
		section, err := orch.ToggleInclusion(ctx, sectionID)
		if err != nil && !localOnly(err) {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, section)

	case rest[1] == "move" && r.Method == http.MethodPost:
		var body struct {
			Direction string `json:"direction"`
			Position  *int   `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var err error
		switch {
		case body.Position != nil:
			err = orch.MoveTo(ctx, sectionID, *body.Position)
		case body.Direction == "up":
			err = orch.MoveUp(ctx, sectionID)
		case body.Direction == "down":
			err = orch.MoveDown(ctx, sectionID)
		default:
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "direction must be up or down, or position must be set", nil)
			return
		}
		if err != nil && !localOnly(err) {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d.State().Sections)

	case rest[1] == "generate" && r.Method == http.MethodPost:
		if err := d.Generate(sectionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"sectionId": sectionID, "state": model.StateGenerating})

	case rest[1] == "refine" && r.Method == http.MethodPost:
		var body struct {
			Feedback string `json:"feedback"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := d.Refine(sectionID, body.Feedback); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"sectionId": sectionID, "state": model.StateRefining})

	case rest[1] == "active" && r.Method == http.MethodPost:
		if err := orch.SetActive(sectionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activeId": orch.ActiveID()})

	case rest[1] == "content" && r.Method == http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		section, err := orch.EditContent(ctx, sectionID, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, section)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// localOnly reports a section edit that was applied locally but not persisted. The
// failure is already published and the change is resent with the next edit.
func localOnly(err error) bool {
	switch {
	case errors.Is(err, sections.ErrUnknownSection),
		errors.Is(err, sections.ErrNotCustom),
		errors.Is(err, sections.ErrBusy),
		errors.Is(err, sections.ErrEmptyTitle),
		errors.Is(err, sections.ErrInvalidDetailLevel):
		return false
	}
	return err != nil
}

func (s *HTTPServer) handleAssembly(w http.ResponseWriter, r *http.Request, d *DraftSession, rest []string) {
	pipeline := d.Assembly()
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		result, ok := pipeline.Result()
		if !ok {
			s.fail(w, r, assembly.ErrNoAssembly)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"result":    result,
			"fragments": pipeline.Fragments(),
			"view":      pipeline.View(),
		})

	case len(rest) == 1 && rest[0] == "view" && r.Method == http.MethodPost:
		var body struct {
			View string `json:"view"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := pipeline.SetView(assembly.View(body.View)); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"view": pipeline.View()})

	case len(rest) == 1 && rest[0] == "history" && r.Method == http.MethodGet:
		entries, err := d.History(queryInt(r, "limit", defaultListLimit))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": entries})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, d *DraftSession) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf' or 'docx'", nil)
		return
	}
	result, err := d.Export(r.Context(), format)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if result.URL != "" {
		w.Header().Set("X-Export-URL", result.URL)
	}
	w.Header().Set("X-Export-Key", result.Key)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
	w.Header().Set("Content-Type", result.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// handleEvents streams session events as server-sent events. Browsers authenticate
// with a stream ticket in the query string; other clients may send the bearer token.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, draftID, token string) {
	var (
		d   *DraftSession
		err error
	)
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		d, err = s.service.StreamSession(draftID, ticket)
	} else {
		d, err = s.service.Session(draftID, token)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	controller := http.NewResponseController(w)
	_ = controller.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = controller.Flush()

	stream, unsubscribe := d.Subscribe()
	defer unsubscribe()
	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = controller.Flush()
		case evt, ok := <-stream:
			if !ok {
				_, _ = fmt.Fprint(w, "event: closed\ndata: {}\n\n")
				_ = controller.Flush()
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("encode event failed", "draft_id", draftID, "type", evt.Type, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
				return
			}
			_ = controller.Flush()
		}
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Export-Key, X-Export-URL")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
