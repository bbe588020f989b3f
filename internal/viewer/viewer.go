// Package viewer serves the loopback HTTP and WebSocket API a UI drives the
// device through.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/fieldlink/internal/attach"
	"github.com/petervdpas/fieldlink/internal/call"
	"github.com/petervdpas/fieldlink/internal/chat"
	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/presence"
	"github.com/petervdpas/fieldlink/internal/transport"
)

var log = logging.Logger("viewer")

// Link is the read side of the transport session.
type Link interface {
	State() transport.State
	Identity() string
	Endpoint() (config.Endpoint, bool)
	Subscribe() (<-chan transport.State, func())
}

// Settings applies and persists configuration changes.
type Settings interface {
	Current() config.Config
	UpdateBroker(b config.Broker) error
	UpdateIdentity(id string) error
}

type Uploader interface {
	Upload(path, peer string) (chat.Item, error)
	Retry(id string) (chat.Item, error)
}

type Viewer struct {
	Link      Link
	Presence  *presence.Registry
	Chat      *chat.Manager
	Calls     *call.Manager
	Uploads   Uploader
	Downloads attach.Downloader
	Settings  Settings
	Logs      *LogBuffer

	// Fixes receives positions posted to /api/location.
	Fixes chan<- presence.Fix
}

// Start serves the API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	hub := NewHub()
	hub.pump(ctx, v)

	srv := &http.Server{
		Addr:              addr,
		Handler:           localOnly(newRouter(v, hub)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Infof("local api on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRouter(v Viewer, hub *Hub) *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(noCache)

	registerStateRoutes(api, v)
	registerChatRoutes(api, v)
	registerAttachRoutes(api, v)
	registerCallRoutes(api, v)
	registerLocationRoutes(api, v)
	registerSettingsRoutes(api, v)

	if v.Logs != nil {
		handleGet(api, "/logs", v.Logs.ServeLogsJSON)
	}
	handleGet(api, "/events", func(w http.ResponseWriter, r *http.Request) {
		hub.serveWS(w, r, Envelope{Source: "state", Data: stateView(v)})
	})
	return r
}
