// Package api exposes the local control surface: JSON endpoints for
// call operations and an SSE stream for call events.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/eduline/callkit/internal/call"
	"github.com/eduline/callkit/internal/history"
)

// Deps carries everything the routes need.
type Deps struct {
	Self    string
	Manager *call.Manager
	History *history.Store // may be nil
	Hub     *Hub
}

// Register wires the call API onto mux.
func Register(mux *http.ServeMux, d Deps) {
	// Incoming calls surface on the event stream.
	d.Manager.OnIncoming(func(c *call.Controller) {
		d.Hub.Publish(Event{
			Type:         "incoming-call",
			Conversation: c.Conversation(),
			Peer:         c.Peer(),
		})
	})

	// GET /api/status — snapshot of every attached conversation.
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		ctrls := d.Manager.Controllers()
		snaps := make([]call.Snapshot, 0, len(ctrls))
		for _, c := range ctrls {
			snaps = append(snaps, c.Snapshot())
		}
		writeJSON(w, map[string]any{
			"self":   d.Self,
			"active": d.Manager.Active(),
			"calls":  snaps,
		})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Conversation string `json:"conversation"`
		CallType     string `json:"callType"`
	}) {
		c, ok := controllerOr404(w, d, req.Conversation)
		if !ok {
			return
		}

		var err error
		switch req.CallType {
		case "", string(call.TypeAudio):
			err = c.StartAudioCall(r.Context())
		case string(call.TypeVideo):
			err = c.StartVideoCall(r.Context())
		default:
			http.Error(w, "callType must be audio or video", http.StatusBadRequest)
			return
		}
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, c.Snapshot())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		Conversation string `json:"conversation"`
	}) {
		c, ok := controllerOr404(w, d, req.Conversation)
		if !ok {
			return
		}
		if err := c.AcceptCall(r.Context()); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, c.Snapshot())
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct {
		Conversation string `json:"conversation"`
	}) {
		c, ok := controllerOr404(w, d, req.Conversation)
		if !ok {
			return
		}
		c.RejectCall()
		writeJSON(w, c.Snapshot())
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct {
		Conversation string `json:"conversation"`
	}) {
		c, ok := controllerOr404(w, d, req.Conversation)
		if !ok {
			return
		}
		c.EndCall()
		writeJSON(w, c.Snapshot())
	})

	// POST /api/call/toggle-mute
	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req struct {
		Conversation string `json:"conversation"`
	}) {
		c, ok := controllerOr404(w, d, req.Conversation)
		if !ok {
			return
		}
		writeJSON(w, map[string]bool{"muted": c.ToggleMute()})
	})

	// POST /api/call/toggle-camera
	handlePost(mux, "/api/call/toggle-camera", func(w http.ResponseWriter, r *http.Request, req struct {
		Conversation string `json:"conversation"`
	}) {
		c, ok := controllerOr404(w, d, req.Conversation)
		if !ok {
			return
		}
		writeJSON(w, map[string]bool{"cameraOff": c.ToggleCamera()})
	})

	// GET /api/history?conversation=&limit=
	handleGet(mux, "/api/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			http.Error(w, "history disabled", http.StatusNotFound)
			return
		}
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		var (
			records []history.Record
			err     error
		)
		if conv := r.URL.Query().Get("conversation"); conv != "" {
			records, err = d.History.ListForConversation(conv, limit)
		} else {
			records, err = d.History.List(limit)
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("history query failed: %v", err), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []history.Record{}
		}
		writeJSON(w, records)
	})

	// GET /api/call/events — SSE: incoming calls and call endings.
	// Each connection gets its own subscription; unsubscribed on
	// disconnect so the hub never accumulates stale channels.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		backlog, ch, cancel := d.Hub.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		for _, ev := range backlog {
			writeSSE(w, ev)
		}
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/state?conversation= — SSE: live state snapshots for
	// one conversation; the UI drives its whole call screen from this.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		conv := r.URL.Query().Get("conversation")
		c, ok := controllerOr404(w, d, conv)
		if !ok {
			return
		}

		sseHeaders(w)
		flusher, fok := w.(http.Flusher)
		if !fok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := c.SubscribeState()
		defer cancel()

		// Current state first, then deltas.
		writeSSEData(w, "state", c.Snapshot())
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, sok := <-ch:
				if !sok {
					return
				}
				writeSSEData(w, "state", snap)
				flusher.Flush()
			}
		}
	})
}

func controllerOr404(w http.ResponseWriter, d Deps, conversation string) (*call.Controller, bool) {
	if conversation == "" {
		http.Error(w, "missing conversation", http.StatusBadRequest)
		return nil, false
	}
	c, ok := d.Manager.Controller(conversation)
	if !ok {
		http.Error(w, "unknown conversation", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func callError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, call.ErrAlreadyInCall) || errors.Is(err, call.ErrNoPendingOffer) {
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func writeSSE(w http.ResponseWriter, ev Event) {
	writeSSEData(w, ev.Type, ev)
}

func writeSSEData(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
