package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/cuemby/shipyard/pkg/events"
	"github.com/cuemby/shipyard/pkg/manager"
	"github.com/cuemby/shipyard/pkg/types"
	"github.com/go-chi/chi/v5"
)

// uploadField is the multipart field carrying the archive
const uploadField = "file"

// queryBool reads an optional boolean query parameter
func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, types.ValidationError("query parameter %s must be a boolean, got %q", name, v)
	}
	return b, nil
}

func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	load, err := queryBool(r, "load")
	if err != nil {
		writeError(w, err)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, types.ValidationError("upload must be multipart/form-data with a %q field", uploadField))
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, types.ValidationError("invalid multipart body: %v", err))
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, types.ValidationError("missing %q field", uploadField))
			return
		}
		if err != nil {
			writeError(w, types.ValidationError("invalid multipart body: %v", err))
			return
		}
		if part.FormName() != uploadField {
			part.Close()
			continue
		}

		img, err := s.images.RecordUpload(r.Context(), part.FileName(), part)
		part.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		if load {
			if img, err = s.images.LoadImage(r.Context(), img.ID); err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusAccepted, img)
		return
	}
}

func (s *Server) listUploadedImages(w http.ResponseWriter, r *http.Request) {
	latestOnly, err := queryBool(r, "latest_only")
	if err != nil {
		writeError(w, err)
		return
	}
	images, err := s.images.ListUploadedImages(latestOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) getUploadedImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.images.GetUploadedImage(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) loadImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.images.LoadImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, img)
}

func (s *Server) deleteUploadedImage(w http.ResponseWriter, r *http.Request) {
	if err := s.images.DeleteUploadedImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDockerImages(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active_only")
	if err != nil {
		writeError(w, err)
		return
	}
	images, err := s.images.ListDockerImages(activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) getDockerImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.images.GetDockerImage(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) reloadDockerImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.images.ReloadDockerImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, img)
}

func (s *Server) deleteDockerImage(w http.ResponseWriter, r *http.Request) {
	purge, err := queryBool(r, "purge")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.images.DeleteDockerImage(r.Context(), chi.URLParam(r, "id"), purge); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createContainer(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, types.ValidationError("invalid JSON: %v", err))
		return
	}

	c, err := s.containers.CreateContainer(r.Context(), req)
	if err != nil {
		writeErrorWith(w, err, c)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	includeDeleted, err := queryBool(r, "include_deleted")
	if err != nil {
		writeError(w, err)
		return
	}
	containers, err := s.containers.ListContainers(includeDeleted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) getContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.containers.GetContainer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) startContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.containers.StartContainer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorWith(w, err, c)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) stopContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.containers.StopContainer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorWith(w, err, c)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request) {
	c, err := s.containers.DeleteContainer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorWith(w, err, c)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) containerLogs(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, types.ValidationError("tail must be a non-negative integer, got %q", v))
			return
		}
		tail = n
	}

	logs, err := s.containers.FetchLogs(r.Context(), chi.URLParam(r, "id"), tail)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, logs)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	wait, err := queryBool(r, "wait")
	if err != nil {
		writeError(w, err)
		return
	}
	if !wait {
		s.reconciler.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
		return
	}

	report, err := s.reconciler.Reconcile(r.Context())
	if err != nil {
		writeError(w, types.RuntimeError(err, "reconciliation failed"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// streamEvents sends lifecycle and drift events as server-sent events.
// ?type=container. keeps only events whose type has that prefix.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}
	sub := s.broker.Subscribe(r.URL.Query().Get("type"))
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}
