package server

import (
	"bytes"
	"net/http"
	"time"

	"lemmacheck/internal/util"
	"lemmacheck/pkg/realtime"
)

// handleStream serves an event's activity as server-sent events. Updates are
// sent as "data: update" frames, chat messages as "event: chat_message"
// frames carrying the message JSON.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	url := r.PathValue("url")
	if _, err := s.app.GetEvent(r.Context(), url); err != nil {
		writeAppError(w, r, err)
		return
	}
	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream short.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := s.hub.Subscribe(url)
	defer sub.Close()
	logger := util.LoggerFromContext(r.Context())
	logger.Debug("stream_opened", "event", url)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		logger.Warn("stream_flush_unsupported", "err", err)
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	deadline := time.NewTimer(s.streamTTL)
	defer deadline.Stop()

	for {
		var frame []byte
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			logger.Debug("stream_expired", "event", url)
			return
		case <-heartbeat.C:
			frame = []byte(": heartbeat\n\n")
		case msg, ok := <-sub.C():
			if !ok {
				logger.Info("stream_dropped", "event", url)
				return
			}
			frame = sseFrame(msg)
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func sseFrame(msg realtime.Message) []byte {
	if msg.Type == realtime.KindUpdate || len(msg.Data) == 0 {
		return []byte("data: " + msg.Type + "\n\n")
	}
	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(msg.Type)
	b.WriteString("\ndata: ")
	b.Write(msg.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}
