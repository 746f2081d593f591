package server

import (
	"bytes"
	"fmt"
	"net/http"
)

// ReloadPath is the Server-Sent Events endpoint browsers subscribe to when
// live reload is enabled.
const ReloadPath = "/__staticserve/events"

var reloadScript = []byte(`<script>new EventSource("` + ReloadPath + `").onmessage=function(e){if(e.data==="reload")location.reload()};</script>`)

func (h *reloadHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	_, _ = fmt.Fprintf(w, "data: connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Debug("SSE flush failed", "error", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-ch:
			_, _ = fmt.Fprintf(w, "data: reload\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

var closingBody = []byte("</body>")

// injectReloadScript places the EventSource snippet before the last </body>,
// or appends it when the document has none.
func injectReloadScript(doc []byte) []byte {
	out := make([]byte, 0, len(doc)+len(reloadScript))
	idx := lastIndexFold(doc, closingBody)
	if idx < 0 {
		out = append(out, doc...)
		return append(out, reloadScript...)
	}
	out = append(out, doc[:idx]...)
	out = append(out, reloadScript...)
	return append(out, doc[idx:]...)
}

func lastIndexFold(s, sub []byte) int {
	for i := len(s) - len(sub); i >= 0; i-- {
		if bytes.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}
