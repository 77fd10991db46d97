package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// bufferedWriter holds back the handler's response so the capture
// middleware can inspect, decorate or replace it before anything
// reaches the wire.
type bufferedWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedWriter(w http.ResponseWriter) *bufferedWriter {
	return &bufferedWriter{ResponseWriter: w}
}

func (bw *bufferedWriter) WriteHeader(status int) {
	if !bw.wroteHeader {
		bw.status = status
		bw.wroteHeader = true
	}
}

func (bw *bufferedWriter) Write(p []byte) (int, error) {
	if !bw.wroteHeader {
		bw.WriteHeader(http.StatusOK)
	}
	return bw.body.Write(p)
}

// replaceJSON discards whatever the handler produced and substitutes a
// JSON body.
func (bw *bufferedWriter) replaceJSON(status int, v any) {
	bw.body.Reset()
	bw.status = status
	bw.wroteHeader = true
	bw.Header().Del("Content-Length")
	bw.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	bw.body.Write(data)
}

// flush releases the buffered response to the real writer.
func (bw *bufferedWriter) flush() {
	status := bw.status
	if !bw.wroteHeader {
		status = http.StatusOK
	}
	bw.ResponseWriter.WriteHeader(status)
	if bw.body.Len() > 0 {
		bw.ResponseWriter.Write(bw.body.Bytes())
	}
}

// responseRecorder tees the response through while keeping a bounded
// copy of the body for the activity record.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	limit  int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(p []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	if rr.body.Len() < rr.limit {
		keep := rr.limit - rr.body.Len()
		if keep > len(p) {
			keep = len(p)
		}
		rr.body.Write(p[:keep])
	}
	return rr.ResponseWriter.Write(p)
}
