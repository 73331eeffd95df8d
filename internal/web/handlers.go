package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/ingest"
	"github.com/JonMunkholm/crashetl/internal/schema"
)

// progressResponse is the JSON form of core.LoadProgress.
type progressResponse struct {
	RunID        string `json:"run_id"`
	FileName     string `json:"file_name"`
	Phase        string `json:"phase"`
	Variant      string `json:"variant,omitempty"`
	Percent      int    `json:"percent"`
	RowsRead     int    `json:"rows_read"`
	RowsUpserted int    `json:"rows_upserted"`
	Rejected     int    `json:"rejected"`
	StartedAt    string `json:"started_at"`
	Error        string `json:"error,omitempty"`
}

func toProgressResponse(p core.LoadProgress) progressResponse {
	return progressResponse{
		RunID:        p.RunID,
		FileName:     p.FileName,
		Phase:        string(p.Phase),
		Variant:      p.Variant,
		Percent:      p.Percent(),
		RowsRead:     p.RowsRead,
		RowsUpserted: p.RowsUpserted,
		Rejected:     p.Rejected,
		StartedAt:    p.StartedAt.UTC().Format(time.RFC3339),
		Error:        p.Error,
	}
}

type fieldResponse struct {
	Source   string `json:"source"`
	Dest     string `json:"dest"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"loads":  s.loads.Limiter().Status(),
	})
}

// handleSchema lists the destination columns of a variant.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	v, ok := schema.ParseVariant(chi.URLParam(r, "variant"))
	if !ok {
		respondError(w, r, fmt.Errorf("%w: %q", errBadVariant, chi.URLParam(r, "variant")), 0)
		return
	}

	fields := v.Fields()
	out := make([]fieldResponse, len(fields))
	for i, f := range fields {
		out[i] = fieldResponse{Source: f.Source, Dest: f.Dest, Type: f.Type.String(), Nullable: f.Nullable}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"variant": v.String(),
		"key":     schema.KeyField,
		"fields":  out,
	})
}

// handleStartLoad accepts a multipart upload in the "file" field, stores it
// in the upload directory and starts a background load. The original file
// name must carry the year unless "resource_id" names the destination.
func (s *Server) handleStartLoad(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Load.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			respondError(w, r, fmt.Errorf("%w: limit is %d bytes", errFileTooLarge, maxSize), 0)
			return
		}
		respondError(w, r, fmt.Errorf("%w: %w", errNoFile, err), 0)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, fmt.Errorf("%w: %w", errNoFile, err), 0)
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		respondError(w, r, fmt.Errorf("%w: %d bytes, limit is %d", errFileTooLarge, header.Size, maxSize), 0)
		return
	}

	name := filepath.Base(header.Filename)
	resourceID := strings.TrimSpace(r.FormValue("resource_id"))
	if resourceID == "" {
		if _, err := ingest.YearFromFileName(name); err != nil {
			respondError(w, r, err, http.StatusBadRequest)
			return
		}
	}

	tmp, err := saveUpload(s.cfg.Load.UploadDir, file)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}

	id, err := s.loads.StartRun(r.Context(), ingest.Request{
		Path:        tmp,
		FileName:    name,
		ResourceID:  resourceID,
		RemoveAfter: true,
	})
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	w.Header().Set("Location", "/api/loads/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

// saveUpload copies an uploaded file into dir and returns its path.
func saveUpload(dir string, src io.Reader) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "upload-*.csv")
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("store upload: %w", err)
	}
	return f.Name(), nil
}

func (s *Server) handleListLoads(w http.ResponseWriter, r *http.Request) {
	list := s.loads.List()
	out := make([]progressResponse, len(list))
	for i, p := range list {
		out[i] = toProgressResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLoadProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.loads.Progress(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, toProgressResponse(p))
}

// handleLoadResult blocks until the load ends. Pass ?wait=false to get 202
// while it is still running.
func (s *Server) handleLoadResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	if r.URL.Query().Get("wait") == "false" {
		p, err := s.loads.Progress(id)
		if err != nil {
			respondError(w, r, err, 0)
			return
		}
		if !p.Phase.Done() {
			writeJSON(w, http.StatusAccepted, toProgressResponse(p))
			return
		}
	}

	res, err := s.loads.Result(r.Context(), id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelLoad(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	if err := s.loads.Cancel(id); err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// handleLoadEvents streams progress as server-sent events. Each update is a
// "progress" event; the stream ends with a single "complete" event carrying
// the load result.
func (s *Server) handleLoadEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	updates, err := s.loads.Subscribe(id)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case p, open := <-updates:
			if !open {
				res, err := s.loads.Result(ctx, id)
				if err != nil {
					writeEvent(w, "error", "", ErrorResponse{Error: err.Error(), Code: core.MapError(err).Code})
				} else {
					writeEvent(w, "complete", "", res)
				}
				flusher.Flush()
				return
			}
			pr := toProgressResponse(p)
			writeEvent(w, "progress", fmt.Sprint(pr.Percent), pr)
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event, id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
