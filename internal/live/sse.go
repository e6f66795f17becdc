package live

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ServeSSE streams the connection's events as server-sent events until the
// client goes away or the connection is unregistered. The caller owns
// authentication and registration.
func ServeSSE(w http.ResponseWriter, r *http.Request, conn *Conn) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// An initial comment line completes the handshake so clients know the
	// channel is open before any event arrives.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-conn.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}
