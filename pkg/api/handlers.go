package api

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"

	"github.com/itohio/goctm/pkg/storage"
)

const timeBodySize = 8

const indexPage = `<!DOCTYPE html>
<html>
    <head>
        <meta charset="utf-8">
        <title>CT meter</title>
    </head>
    <body>
        CT energy meter
    </body>
</html>
`

// errorBody is the JSON error response.
type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Status: status, Message: message})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	//nolint:errcheck // Best-effort write to response
	io.WriteString(w, indexPage)
}

// drainWriter streams a drain into the response. Headers are sent with the first
// byte so a failure before any data can still become an error response.
type drainWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newDrainWriter(w http.ResponseWriter) *drainWriter {
	return &drainWriter{w: w, rc: http.NewResponseController(w)}
}

func (d *drainWriter) start() {
	if d.started {
		return
	}
	d.started = true
	d.w.Header().Set("Content-Type", "application/octet-stream")
	d.w.WriteHeader(http.StatusOK)
}

func (d *drainWriter) Write(p []byte) (int, error) {
	d.start()
	return d.w.Write(p)
}

func (d *drainWriter) Flush() error {
	d.start()
	return d.rc.Flush()
}

func (s *Server) drain(w http.ResponseWriter, what string, fn func(storage.Flusher) (int64, error)) {
	dw := newDrainWriter(w)
	n, err := fn(dw)
	if err != nil {
		s.logger.Error("drain failed", "what", what, "bytes", n, "error", err)
		if !dw.started {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	dw.start()
	s.logger.Info("drained", "what", what, "bytes", n)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	s.drain(w, "readings", s.store.DrainReadings)
}

func (s *Server) handlePowerLoss(w http.ResponseWriter, _ *http.Request) {
	s.drain(w, "power-loss log", s.store.DrainPowerLoss)
}

// readBody reads at most size bytes into a zeroed buffer of that size.
func readBody(r *http.Request, size int) ([]byte, int, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(io.LimitReader(r.Body, int64(size)), buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return buf, n, err
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	buf, n, err := readBody(r, timeBodySize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if n == 0 {
		writeError(w, http.StatusBadRequest, "empty time body")
		return
	}

	ms := binary.LittleEndian.Uint64(buf)
	if err := s.store.StoreTime(ms); err != nil {
		s.logger.Error("failed to store time", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.setClock(ms); err != nil {
		s.logger.Error("failed to set system time", "ms", ms, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("time updated", "ms", ms)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	buf, n, err := readBody(r, s.store.TokenSize())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if n == 0 {
		writeError(w, http.StatusBadRequest, "empty token body")
		return
	}

	if err := s.store.StoreToken(buf); err != nil {
		s.logger.Error("failed to store token", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("token updated", "bytes", n)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.live.Snapshot())
}
