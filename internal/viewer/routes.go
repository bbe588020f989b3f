package viewer

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/petervdpas/fieldlink/internal/call"
	"github.com/petervdpas/fieldlink/internal/chat"
	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/presence"
	"github.com/petervdpas/fieldlink/internal/proto"
	"github.com/petervdpas/fieldlink/internal/transport"
)

const offlineNotice = "running in offline mode"

type linkState struct {
	State    transport.State `json:"state"`
	Identity string          `json:"identity"`
	Endpoint string          `json:"endpoint,omitempty"`
	Notice   string          `json:"notice,omitempty"`
}

func linkView(l Link, st transport.State) linkState {
	out := linkState{State: st, Identity: l.Identity()}
	if ep, ok := l.Endpoint(); ok {
		out.Endpoint = ep.URI()
	}
	if st == transport.StateError {
		out.Notice = offlineNotice
	}
	return out
}

type fullState struct {
	Link *linkState  `json:"link,omitempty"`
	Call *call.State `json:"call,omitempty"`
}

func stateView(v Viewer) fullState {
	var out fullState
	if v.Link != nil {
		ls := linkView(v.Link, v.Link.State())
		out.Link = &ls
	}
	if v.Calls != nil {
		cs := v.Calls.State()
		out.Call = &cs
	}
	return out
}

type deviceView struct {
	presence.DeviceLocation
	Status presence.Status `json:"status"`
}

func registerStateRoutes(r *mux.Router, v Viewer) {
	handleGet(r, "/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateView(v))
	})

	if v.Presence == nil {
		return
	}
	handleGet(r, "/devices", func(w http.ResponseWriter, r *http.Request) {
		snap := v.Presence.Snapshot()
		out := make([]deviceView, 0, len(snap))
		for id, d := range snap {
			out = append(out, deviceView{DeviceLocation: d, Status: v.Presence.StatusOf(id)})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
		writeJSON(w, out)
	})
}

func registerChatRoutes(r *mux.Router, v Viewer) {
	if v.Chat == nil {
		return
	}

	handleGet(r, "/chat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.Chat.Peers())
	})

	handleGet(r, "/chat/{peer}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.Chat.Conversation(mux.Vars(r)["peer"]))
	})

	handlePost(r, "/chat/{peer}", func(w http.ResponseWriter, r *http.Request, req struct {
		Body string `json:"body"`
	}) {
		if strings.TrimSpace(req.Body) == "" {
			http.Error(w, "empty message", http.StatusBadRequest)
			return
		}
		it, err := v.Chat.SendText(mux.Vars(r)["peer"], req.Body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, it)
	})
}

func registerAttachRoutes(r *mux.Router, v Viewer) {
	if v.Uploads != nil {
		handlePost(r, "/attach/{peer}", func(w http.ResponseWriter, r *http.Request, req struct {
			Path string `json:"path"`
		}) {
			if req.Path == "" {
				http.Error(w, "missing path", http.StatusBadRequest)
				return
			}
			it, err := v.Uploads.Upload(req.Path, mux.Vars(r)["peer"])
			if err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, it)
		})

		handlePost(r, "/attach/retry/{id}", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			it, err := v.Uploads.Retry(mux.Vars(r)["id"])
			if err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			writeJSON(w, it)
		})
	}

	if v.Downloads != nil && v.Chat != nil {
		handlePost(r, "/download/{id}", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			it, ok := v.Chat.Get(mux.Vars(r)["id"])
			if !ok || it.Kind != chat.KindAttachment || it.DownloadURL == "" {
				http.Error(w, "no downloadable attachment with that id", http.StatusNotFound)
				return
			}
			path, err := v.Downloads.Download(r.Context(), it.DownloadURL, it.Filename)
			if err != nil {
				log.Warnf("download %s: %v", it.DownloadURL, err)
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, map[string]string{"path": path})
		})
	}
}

func registerCallRoutes(r *mux.Router, v Viewer) {
	if v.Calls == nil {
		return
	}

	handleGet(r, "/call", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.Calls.State())
	})

	handlePost(r, "/call/{action}", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		var err error
		switch mux.Vars(r)["action"] {
		case "start":
			err = v.Calls.StartOutgoingCall(req.Peer)
		case "accept":
			err = v.Calls.AcceptIncomingCall()
		case "reject":
			err = v.Calls.RejectCall()
		case "end":
			err = v.Calls.EndCall()
		default:
			http.NotFound(w, r)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, v.Calls.State())
	})
}

func registerLocationRoutes(r *mux.Router, v Viewer) {
	if v.Fixes == nil {
		return
	}
	handlePost(r, "/location", func(w http.ResponseWriter, r *http.Request, req struct {
		Lat  *float64 `json:"lat"`
		Lon  *float64 `json:"lon"`
		Time string   `json:"time"` // RFC 3339; now when empty
	}) {
		if req.Lat == nil || req.Lon == nil {
			http.Error(w, "lat and lon are required", http.StatusBadRequest)
			return
		}
		if *req.Lat < -90 || *req.Lat > 90 || *req.Lon < -180 || *req.Lon > 180 {
			http.Error(w, "coordinates out of range", http.StatusBadRequest)
			return
		}
		fix := presence.Fix{Lat: *req.Lat, Lon: *req.Lon, Time: time.Now()}
		if req.Time != "" {
			t, err := time.Parse(time.RFC3339, req.Time)
			if err != nil {
				http.Error(w, "time must be RFC 3339", http.StatusBadRequest)
				return
			}
			fix.Time = t
		}
		select {
		case v.Fixes <- fix:
			w.WriteHeader(http.StatusAccepted)
		case <-r.Context().Done():
		}
	})
}

type brokerView struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	HasPass  bool   `json:"has_password"`
}

func registerSettingsRoutes(r *mux.Router, v Viewer) {
	if v.Settings == nil {
		return
	}

	handleGet(r, "/settings", func(w http.ResponseWriter, r *http.Request) {
		cfg := v.Settings.Current()
		writeJSON(w, map[string]any{
			"device_id": cfg.Identity.DeviceID,
			"broker": brokerView{
				URI:      cfg.Broker.URI,
				Username: cfg.Broker.Username,
				HasPass:  cfg.Broker.Password != "",
			},
			"servers": cfg.Servers,
		})
	})

	handlePost(r, "/settings/broker", func(w http.ResponseWriter, r *http.Request, req struct {
		URI      string  `json:"uri"`
		Username *string `json:"username"`
		Password *string `json:"password"`
	}) {
		b := v.Settings.Current().Broker
		b.URI = strings.TrimSpace(req.URI)
		if req.Username != nil {
			b.Username = *req.Username
		}
		if req.Password != nil {
			b.Password = *req.Password
		}
		if err := v.Settings.UpdateBroker(b); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(r, "/settings/identity", func(w http.ResponseWriter, r *http.Request, req struct {
		DeviceID string `json:"device_id"`
	}) {
		id := strings.TrimSpace(req.DeviceID)
		if !proto.ValidIdentity(id) {
			writeError(w, config.ErrInvalidIdentity)
			return
		}
		if err := v.Settings.UpdateIdentity(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}
