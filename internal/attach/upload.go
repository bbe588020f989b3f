// Package attach moves file bytes over HTTP, out of band of the broker, and
// hands the result to the inbox for announcement.
package attach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/fieldlink/internal/chat"
	"github.com/petervdpas/fieldlink/internal/config"
	"github.com/petervdpas/fieldlink/internal/proto"
	"github.com/petervdpas/fieldlink/internal/util"
)

var log = logging.Logger("attach")

var (
	ErrUploadStatus  = errors.New("attachment server rejected upload")
	ErrUnknownUpload = errors.New("no upload with that id")
	ErrNotFailed     = errors.New("upload has not failed")
)

// Announcer is the part of the inbox that tracks local attachment items.
type Announcer interface {
	Get(id string) (chat.Item, bool)
	BeginAttachment(peer, path string) chat.Item
	CompleteAttachment(id string, res proto.UploadResponse) error
	FailAttachment(id string)
	RetryAttachment(id string) (chat.Item, bool)
}

type job struct {
	id     string
	peer   string
	path   string
	result *proto.UploadResponse // set once the bytes are on the server
}

// Manager runs uploads in the background. Each one is independent. Jobs live
// until they deliver; a failed item carries its source path so it can be
// retried, also after a restart.
type Manager struct {
	baseURL string
	ann     Announcer
	client  *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func New(baseURL string, ann Announcer, client *http.Client) *Manager {
	if client == nil {
		client = &http.Client{Timeout: util.DefaultFetchTimeout * 4}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		baseURL: strings.TrimRight(baseURL, "/"),
		ann:     ann,
		client:  client,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    map[string]*job{},
	}
}

// Upload records a pending attachment item for peer and starts sending path
// to the attachment server. Only problems with the arguments are returned;
// transfer failures show up as the item turning failed.
func (m *Manager) Upload(path, peer string) (chat.Item, error) {
	if err := config.ValidateIdentity(peer); err != nil {
		return chat.Item{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return chat.Item{}, err
	}
	if st.IsDir() {
		return chat.Item{}, fmt.Errorf("%s is a directory", path)
	}

	it := m.ann.BeginAttachment(peer, path)
	j := &job{id: it.ID, peer: peer, path: path}

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(j)
	return it, nil
}

// Retry re-runs a failed upload. If the bytes already reached the server,
// only the announcement is repeated.
func (m *Manager) Retry(id string) (chat.Item, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		if j, ok = m.jobFromItem(id); !ok {
			return chat.Item{}, ErrUnknownUpload
		}
	}
	it, ok := m.ann.RetryAttachment(id)
	if !ok {
		return chat.Item{}, ErrNotFailed
	}
	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()
	m.wg.Add(1)
	go m.run(j)
	return it, nil
}

// jobFromItem rebuilds the job of a local attachment this manager did not
// start, such as one restored from the message log.
func (m *Manager) jobFromItem(id string) (*job, bool) {
	it, ok := m.ann.Get(id)
	if !ok || !it.Local || it.Kind != chat.KindAttachment {
		return nil, false
	}
	j := &job{id: it.ID, peer: it.Peer, path: it.SourcePath}
	if it.DownloadURL != "" {
		j.result = &proto.UploadResponse{Filename: it.Filename, FileID: it.FileID, DownloadURL: it.DownloadURL}
	} else if it.SourcePath == "" {
		return nil, false
	}
	return j, true
}

func (m *Manager) run(j *job) {
	defer m.wg.Done()

	m.mu.Lock()
	res := j.result
	m.mu.Unlock()

	if res == nil {
		r, err := m.post(m.ctx, j.path)
		if err != nil {
			log.Warnf("upload %s for %s: %v", filepath.Base(j.path), j.peer, err)
			m.ann.FailAttachment(j.id)
			return
		}
		m.mu.Lock()
		j.result = &r
		m.mu.Unlock()
		res = &r
		log.Infof("uploaded %s as %s", filepath.Base(j.path), r.FileID)
	}

	if err := m.ann.CompleteAttachment(j.id, *res); err != nil {
		log.Warnf("announce %s to %s: %v", res.Filename, j.peer, err)
		m.ann.FailAttachment(j.id)
		return
	}

	m.mu.Lock()
	delete(m.jobs, j.id)
	m.mu.Unlock()
}


func (m *Manager) post(ctx context.Context, path string) (proto.UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return proto.UploadResponse{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return proto.UploadResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/upload", f)
	if err != nil {
		return proto.UploadResponse{}, err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Filename", filepath.Base(path))

	resp, err := m.client.Do(req)
	if err != nil {
		return proto.UploadResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return proto.UploadResponse{}, fmt.Errorf("%w: %s", ErrUploadStatus, resp.Status)
	}

	var out proto.UploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return proto.UploadResponse{}, fmt.Errorf("decode upload response: %w", err)
	}
	if out.DownloadURL == "" {
		return proto.UploadResponse{}, errors.New("upload response has no download_url")
	}
	if out.Filename == "" {
		out.Filename = filepath.Base(path)
	}
	return out, nil
}

// Wait blocks until every running upload has finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Close aborts running uploads and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
