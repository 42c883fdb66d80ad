package livestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	mediaContentType    = "video/mp4"
)

// probePlaceholder answers the first-byte range probe some players send
// before the real stream request.
var probePlaceholder = []byte{0, 0}

// Handler exposes the playback surfaces using go-chi.
type Handler struct {
	svc    *Service
	events *EventHub
	log    *slog.Logger
}

// NewHandler returns a Handler over svc. events may be nil to disable the
// /events stream.
func NewHandler(svc *Service, events *EventHub, log *slog.Logger) *Handler {
	return &Handler{svc: svc, events: events, log: log}
}

// Routes mounts the playback routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/calls", func(r chi.Router) {
		r.Get("/", h.ListStats)
		r.Route("/{call_id}", func(r chi.Router) {
			r.Get("/stream", h.Stream)
			r.Get("/playlist.m3u8", h.Playlist)
			r.Get("/init.mp4", h.Init)
			r.Get("/segments/{seq}.m4s", h.Segment)
			r.Get("/stats", h.Stats)
			r.Post("/leave", h.Leave)
		})
	})
	if h.events != nil {
		r.Get("/events", h.Events)
	}
}

// Stream handles GET /calls/{call_id}/stream: a chunked byte stream of the
// init segment followed by every media segment as it is produced.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id := CallID(chi.URLParam(r, "call_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if r.Header.Get("Range") == probeRangeHeader {
		w.Header().Set("Content-Type", mediaContentType)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-1/%d", len(probePlaceholder)))
		w.Header().Set("Content-Length", strconv.Itoa(len(probePlaceholder)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(probePlaceholder)
		return
	}

	sess, sink, err := h.svc.OpenStream(id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	defer h.svc.CloseStream(sess, sink)

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", mediaContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	h.log.Debug("push stream opened", slog.String("call_id", string(id)), slog.String("sink_id", sink.ID.String()))
	for {
		select {
		case <-r.Context().Done():
			return
		case b, ok := <-sink.C():
			if !ok {
				h.log.Debug("push stream closed by session", slog.String("call_id", string(id)))
				return
			}
			if _, err := w.Write(b); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// Playlist handles GET /calls/{call_id}/playlist.m3u8.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	id := CallID(chi.URLParam(r, "call_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	base := "/calls/" + string(id)
	m3u8, err := h.svc.Manifest(r.Context(), id, base)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// Init handles GET /calls/{call_id}/init.mp4.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	id := CallID(chi.URLParam(r, "call_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := h.svc.InitSegment(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	h.writeMedia(w, data)
}

// Segment handles GET /calls/{call_id}/segments/{seq}.m4s.
func (h *Handler) Segment(w http.ResponseWriter, r *http.Request) {
	id := CallID(chi.URLParam(r, "call_id"))
	seq, err := strconv.ParseInt(strings.TrimSuffix(chi.URLParam(r, "seq"), ".m4s"), 10, 64)
	if id == "" || err != nil || seq < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := h.svc.Chunk(r.Context(), id, seq)
	if err != nil {
		h.writeError(w, id, err)
		return
	}
	h.writeMedia(w, data)
}

// Stats handles GET /calls/{call_id}/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	id := CallID(chi.URLParam(r, "call_id"))
	st, ok := h.svc.Stats(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

// ListStats handles GET /calls.
func (h *Handler) ListStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.svc.AllStats())
}

// Leave handles POST /calls/{call_id}/leave[?forever=true].
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	id := CallID(chi.URLParam(r, "call_id"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	forever := false
	if v := r.URL.Query().Get("forever"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		forever = b
	}

	destroyed := h.svc.LeftCall(id, forever)
	h.log.Info("left call",
		slog.String("call_id", string(id)),
		slog.Bool("forever", forever),
		slog.Bool("destroyed", destroyed))
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /events as a server-sent events stream.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	events, cancel := h.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeMedia(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", mediaContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// writeError maps session errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, id CallID, err error) {
	switch {
	case errors.Is(err, ErrNotAvailable), errors.Is(err, ErrBroadcastEnded):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, ErrSessionClosed):
		h.log.Info("request on closed session", slog.String("call_id", string(id)))
		w.WriteHeader(http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.log.Error("playback request failed", slog.String("call_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
