// Package app builds every component of a device from its config and runs
// them until the context ends.
package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/fieldlink/internal/attach"
	"github.com/petervdpas/fieldlink/internal/call"
	"github.com/petervdpas/fieldlink/internal/chat"
	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/presence"
	"github.com/petervdpas/fieldlink/internal/storage"
	"github.com/petervdpas/fieldlink/internal/transport"
	"github.com/petervdpas/fieldlink/internal/util"
	"github.com/petervdpas/fieldlink/internal/viewer"
)

var log = logging.Logger("app")

// callPollInterval is how often the call phase is checked against the engine.
const callPollInterval = time.Second

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Optional; the Paho client, the null call engine and no audio routing
	// are used when unset.
	Dial   transport.Dialer
	Engine call.Engine
	Audio  call.AudioRouter

	// Ready, when set, is called once every component is running.
	Ready func(*Runtime)
}

// Runtime exposes the running components.
type Runtime struct {
	Session  *transport.Session
	Presence *presence.Registry
	Chat     *chat.Manager
	Calls    *call.Manager
	Uploads  *attach.Manager
	Settings *Settings
	DB       *storage.DB
	Fixes    chan<- presence.Fix
}

func Run(ctx context.Context, opt Options) error {
	level := opt.Cfg.Log.Level
	if level == "" {
		level = "info"
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	logBuf := viewer.NewLogBuffer(800)
	go logBuf.Tail(ctx)

	logBanner(opt.PeerDir, opt.CfgPath)
	return runPeer(ctx, opt, logBuf)
}

func runPeer(ctx context.Context, o Options, logs *viewer.LogBuffer) error {
	cfg := o.Cfg
	if o.Dial == nil {
		o.Dial = transport.PahoDialer
	}
	if o.Engine == nil {
		o.Engine = call.NewNullEngine()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── Storage
	db, err := storage.Open(util.ResolvePath(o.PeerDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// ── Transport
	sess := transport.New(o.Dial, transport.OptionsFromConfig(cfg.Broker), cfg.Identity.DeviceID)
	defer sess.Close()

	// ── Presence, inbox, calls
	reg := presence.NewRegistry(sess, time.Duration(cfg.Presence.OnlineWindowSec)*time.Second)
	inbox := chat.New(sess, chat.DefaultBufferSize)
	defer inbox.Close()
	calls := call.New(inbox, o.Engine, o.Audio)
	defer calls.Close()
	inbox.SetSignalHandler(calls.HandleSignal)

	restore(db, reg, inbox, chat.DefaultBufferSize)

	// ── Attachments
	uploads := attach.New(cfg.Servers.AttachmentURL, inbox, nil)
	defer uploads.Close()
	downloads := attach.FileDownloader{Dir: util.ResolvePath(o.PeerDir, cfg.Paths.AttachmentsDir)}

	sess.SubscribeTopic(transport.RouteBroadcast, reg.OnBroadcastMessage)
	sess.SubscribeTopic(transport.RouteInbox, inbox.OnInboxMessage)

	go persistPresence(ctx, db, reg)
	go persistChat(ctx, db, inbox)
	go logTransitions(ctx, sess)

	fixes := make(chan presence.Fix, 16)
	reporter := presence.NewReporter(reg,
		time.Duration(cfg.Presence.ReportIntervalSec)*time.Second, cfg.Presence.MinMoveMeters)
	go reporter.Run(ctx, fixes)
	go calls.Run(ctx, callPollInterval)

	// ── Settings
	settings := NewSettings(o.CfgPath, cfg, sess)
	if o.CfgPath != "" {
		if err := watchConfig(ctx, o.CfgPath, settings.Apply); err != nil {
			log.Warnf("config changes will need a restart: %v", err)
		}
	}

	// ── Connect
	if ep, err := cfg.Broker.Endpoint(); err != nil {
		log.Errorf("broker: %v; running in offline mode", err)
	} else {
		sess.Connect(ep, cfg.Identity.DeviceID)
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Link:      sess,
				Presence:  reg,
				Chat:      inbox,
				Calls:     calls,
				Uploads:   uploads,
				Downloads: downloads,
				Settings:  settings,
				Logs:      logs,
				Fixes:     fixes,
			})
			if err != nil {
				log.Errorf("local api: %v", err)
			}
		}()
		log.Infof("local api: %s/api/state", url)
	}

	if o.Ready != nil {
		o.Ready(&Runtime{
			Session:  sess,
			Presence: reg,
			Chat:     inbox,
			Calls:    calls,
			Uploads:  uploads,
			Settings: settings,
			DB:       db,
			Fixes:    fixes,
		})
	}

	<-ctx.Done()
	log.Info("shutting down")
	select {
	case <-sess.Disconnect():
	case <-time.After(util.ShortTimeout):
		log.Warn("broker disconnect timed out")
	}
	return nil
}

// logTransitions writes every connection state change to the log.
func logTransitions(ctx context.Context, sess *transport.Session) {
	ch, cancel := sess.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			switch st {
			case transport.StateConnected:
				ep, _ := sess.Endpoint()
				log.Infof("connected to %s as %s", ep, sess.Identity())
			case transport.StateError:
				log.Warn("broker unreachable; running in offline mode")
			default:
				log.Debugf("connection %s", st)
			}
		}
	}
}
