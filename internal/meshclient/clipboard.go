package meshclient

// Clipboard receives content synced from other devices. A write error is
// logged by the client and never stops the clipboard event.
type Clipboard interface {
	WriteText(text string) error
}

// ClipboardFunc adapts a function to Clipboard.
type ClipboardFunc func(text string) error

func (f ClipboardFunc) WriteText(text string) error { return f(text) }
