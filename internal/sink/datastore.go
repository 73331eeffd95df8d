package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JonMunkholm/crashetl/internal/core"
	"github.com/JonMunkholm/crashetl/internal/logging"
	"github.com/JonMunkholm/crashetl/internal/schema"
)

// DatastoreConfig holds the connection details for one datastore server.
type DatastoreConfig struct {
	RootURL   string // e.g. https://data.example.org
	PackageID string // package that owns the year resources
	APIKey    string
	Timeout   time.Duration
}

// Datastore upserts into resources of a CKAN-style datastore API.
type Datastore struct {
	cfg    DatastoreConfig
	client *http.Client
}

// NewDatastore creates a datastore sink. client may be nil.
func NewDatastore(cfg DatastoreConfig, client *http.Client) *Datastore {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	cfg.RootURL = strings.TrimRight(cfg.RootURL, "/")
	return &Datastore{cfg: cfg, client: client}
}

// APIError is an unsuccessful action response.
type APIError struct {
	Action  string
	Type    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s: %s", e.Action, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Action, e.Status, e.Message)
}

func (e *APIError) notFound() bool {
	return e.Type == "Not Found Error" || e.Status == http.StatusNotFound
}

type actionResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   map[string]any  `json:"error"`
}

type datastoreField struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type resource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// action POSTs a JSON payload to /api/3/action/<name> and decodes the result.
func (d *Datastore) action(ctx context.Context, name string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.RootURL+"/api/3/action/"+name, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", name, err)
	}

	var ar actionResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return &APIError{Action: name, Status: resp.StatusCode, Message: truncate(string(raw), 200)}
	}
	if !ar.Success {
		apiErr := &APIError{Action: name, Status: resp.StatusCode}
		if t, ok := ar.Error["__type"].(string); ok {
			apiErr.Type = t
		}
		if m, ok := ar.Error["message"].(string); ok {
			apiErr.Message = m
		} else {
			details, _ := json.Marshal(ar.Error)
			apiErr.Message = string(details)
		}
		return apiErr
	}

	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", name, err)
		}
	}
	return nil
}

// FindResource returns the ID of the package resource with the given name,
// or "" when there is none.
func (d *Datastore) FindResource(ctx context.Context, name string) (string, error) {
	var pkg struct {
		Resources []resource `json:"resources"`
	}
	if err := d.action(ctx, "package_show", map[string]any{"id": d.cfg.PackageID}, &pkg); err != nil {
		return "", err
	}
	for _, r := range pkg.Resources {
		if r.Name == name {
			return r.ID, nil
		}
	}
	return "", nil
}

// Open implements Sink.
func (d *Datastore) Open(ctx context.Context, t Target, fields []schema.Field, key string) (Writer, error) {
	log := logging.WithFields(ctx, "destination", t.Label())

	id := t.ID
	if id == "" {
		found, err := d.FindResource(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("find resource %q: %w", t.Name, err)
		}
		id = found
	}

	dsFields := make([]datastoreField, len(fields))
	for i, f := range fields {
		dsFields[i] = datastoreField{ID: f.Dest, Type: datastoreType(f.Type)}
	}

	if id == "" {
		var created struct {
			ResourceID string `json:"resource_id"`
		}
		payload := map[string]any{
			"resource":    map[string]any{"package_id": d.cfg.PackageID, "name": t.Name},
			"fields":      dsFields,
			"primary_key": []string{key},
			"force":       true,
		}
		if err := d.action(ctx, "datastore_create", payload, &created); err != nil {
			return nil, fmt.Errorf("create resource %q: %w", t.Name, err)
		}
		log.Info("created datastore resource", "resource_id", created.ResourceID)
		return &datastoreWriter{ds: d, id: created.ResourceID, key: key}, nil
	}

	cleared := false
	if t.ClearExisting {
		err := d.action(ctx, "datastore_delete", map[string]any{"resource_id": id, "force": true}, nil)
		var apiErr *APIError
		switch {
		case err == nil:
			cleared = true
		case errors.As(err, &apiErr) && apiErr.notFound():
			// Resource exists but has no datastore table yet.
		default:
			return nil, fmt.Errorf("clear resource %s: %w", id, err)
		}
	}

	// datastore_create on an existing table adds any new fields.
	payload := map[string]any{
		"resource_id": id,
		"fields":      dsFields,
		"primary_key": []string{key},
		"force":       true,
	}
	if err := d.action(ctx, "datastore_create", payload, nil); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.notFound() {
			return nil, fmt.Errorf("resource %s: %w", id, ErrDestinationNotFound)
		}
		return nil, fmt.Errorf("prepare resource %s: %w", id, err)
	}

	log.Info("opened datastore resource", "resource_id", id, "cleared", cleared)
	return &datastoreWriter{ds: d, id: id, key: key, cleared: cleared}, nil
}

func datastoreType(t schema.Type) string {
	switch t {
	case schema.Integer:
		return "int"
	case schema.Float:
		return "float"
	default:
		return "text"
	}
}

type datastoreWriter struct {
	ds      *Datastore
	id      string
	key     string
	cleared bool
}

func (w *datastoreWriter) ID() string    { return w.id }
func (w *datastoreWriter) Cleared() bool { return w.cleared }

func (w *datastoreWriter) Write(ctx context.Context, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}
	records = Dedupe(records)

	rows := make([]map[string]any, len(records))
	for i, r := range records {
		rows[i] = r.Map()
	}

	payload := map[string]any{
		"resource_id": w.id,
		"records":     rows,
		"method":      "upsert",
		"force":       true,
	}
	if err := w.ds.action(ctx, "datastore_upsert", payload, nil); err != nil {
		return fmt.Errorf("upsert %d records into %s: %w", len(rows), w.id, err)
	}
	return nil
}

func (w *datastoreWriter) Close(ctx context.Context) error { return nil }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
