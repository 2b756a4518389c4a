package agent

import (
	"context"
	"time"

	"github.com/atotto/clipboard"
)

type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
}

// SystemClipboard is the OS clipboard.
type SystemClipboard struct{}

func (SystemClipboard) ReadText() (string, error) { return clipboard.ReadAll() }

func (SystemClipboard) WriteText(text string) error { return clipboard.WriteAll(text) }

// Available reports whether the platform has a usable clipboard backend.
func (SystemClipboard) Available() bool { return !clipboard.Unsupported }

// writeClipboard records text as the last known value before writing so
// the watcher does not push it straight back to the mesh.
func (a *Agent) writeClipboard(text string) error {
	a.mu.Lock()
	a.lastClip = text
	a.mu.Unlock()
	return a.opts.Clipboard.WriteText(text)
}

// seedClipboard takes the current clipboard as already seen, so content
// from before the agent started is not pushed.
func (a *Agent) seedClipboard() {
	if text, err := a.opts.Clipboard.ReadText(); err == nil {
		a.mu.Lock()
		a.lastClip = text
		a.mu.Unlock()
	}
}

func (a *Agent) watchClipboard(ctx context.Context) {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollClipboard()
		}
	}
}

func (a *Agent) pollClipboard() {
	text, err := a.opts.Clipboard.ReadText()
	if err != nil {
		logger.Debugw("clipboard read failed", "err", err)
		return
	}

	a.mu.Lock()
	if text == "" || text == a.lastClip {
		a.mu.Unlock()
		return
	}
	a.lastClip = text
	a.mu.Unlock()

	if !a.client.PushClipboard(text) {
		logger.Debugw("clipboard change not pushed, not connected")
	}
}
