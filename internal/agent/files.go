package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/meshrelay/internal/proto"
	"github.com/petervdpas/meshrelay/internal/util"
)

const (
	sentDir     = "sent"
	rejectedDir = "rejected"
)

var errTooLarge = errors.New("file exceeds size limit")

type dropWatcher struct {
	w       *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
}

func (d *dropWatcher) Close() error {
	d.mu.Lock()
	for _, t := range d.pending {
		t.Stop()
	}
	d.mu.Unlock()
	return d.w.Close()
}

// watchDrops watches DropDir and sends each new file once it has been
// quiet for DropSettle.
func (a *Agent) watchDrops(ctx context.Context) (*dropWatcher, error) {
	for _, dir := range []string{a.opts.DropDir, filepath.Join(a.opts.DropDir, sentDir), filepath.Join(a.opts.DropDir, rejectedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(a.opts.DropDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", a.opts.DropDir, err)
	}
	dw := &dropWatcher{w: w, pending: make(map[string]*time.Timer)}
	go a.dropLoop(ctx, dw)
	return dw, nil
}

func (a *Agent) dropLoop(ctx context.Context, dw *dropWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			path := event.Name
			dw.mu.Lock()
			if t, ok := dw.pending[path]; ok {
				t.Reset(a.opts.DropSettle)
			} else {
				dw.pending[path] = time.AfterFunc(a.opts.DropSettle, func() {
					dw.mu.Lock()
					delete(dw.pending, path)
					dw.mu.Unlock()
					a.sendDrop(path)
				})
			}
			dw.mu.Unlock()
		case err, ok := <-dw.w.Errors:
			if !ok {
				return
			}
			log.Printf("AGENT: drop watcher error: %v", err)
		}
	}
}

// flushDrops sends files that were dropped while disconnected.
func (a *Agent) flushDrops() {
	entries, err := os.ReadDir(a.opts.DropDir)
	if err != nil {
		log.Printf("AGENT: reading drop dir: %v", err)
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			a.sendDrop(filepath.Join(a.opts.DropDir, e.Name()))
		}
	}
}

// sendDrop sends one dropped file and moves it out of the drop folder. A
// second call for the same path finds it gone and does nothing.
func (a *Agent) sendDrop(path string) {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	if info.Size() > a.opts.MaxFileBytes {
		log.Printf("AGENT: %s is %d bytes, over the %d byte limit", name, info.Size(), a.opts.MaxFileBytes)
		a.moveDrop(path, rejectedDir)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("AGENT: reading %s: %v", name, err)
		return
	}
	if !a.client.SendFile(a.opts.DropTarget, name, data) {
		logger.Infow("drop kept until connected", "file", name)
		return
	}
	log.Printf("AGENT: sent %s (%d bytes) to %s", name, len(data), a.opts.DropTarget)
	a.moveDrop(path, sentDir)
}

func (a *Agent) moveDrop(path, sub string) {
	dst := util.UniquePath(filepath.Join(a.opts.DropDir, sub), filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		log.Printf("AGENT: moving %s: %v", path, err)
	}
}

// saveIncoming writes a received file into InboxDir under a sanitised,
// unused name and returns its path.
func (a *Agent) saveIncoming(ft *proto.FileTransfer) (string, error) {
	b64 := ft.Base64Data
	if strings.HasPrefix(b64, "data:") {
		if i := strings.Index(b64, ","); i >= 0 {
			b64 = b64[i+1:]
		}
	}
	if int64(base64.StdEncoding.DecodedLen(len(b64))) > a.opts.MaxFileBytes+2 {
		return "", errTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if int64(len(data)) > a.opts.MaxFileBytes {
		return "", errTooLarge
	}
	if err := os.MkdirAll(a.opts.InboxDir, 0o755); err != nil {
		return "", err
	}
	dst := util.UniquePath(a.opts.InboxDir, util.SanitizeFileName(ft.FileName))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}
