package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cheggaaa/pb/v3"

	"github.com/photosync/client/internal/models"
)

// Direction of a transfer
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// ProgressObserver receives byte counts while one item is transferred
type ProgressObserver interface {
	Add(n int64)
	Done(success bool)
}

// ObserverFactory creates the observer of one transfer
type ObserverFactory func(source string, item *models.SyncItem, dir Direction, offset, total int64) ProgressObserver

// StreamProvider opens the local side of transfers
type StreamProvider interface {
	// OpenInput opens the local file of an item for upload, positioned at offset
	OpenInput(item *models.SyncItem, offset int64) (io.ReadCloser, error)
	// OpenOutput opens a spool file for writing from offset; anything past
	// offset is discarded
	OpenOutput(path string, offset int64) (io.WriteCloser, error)
	NewProgressObserver(source string, item *models.SyncItem, dir Direction, offset, total int64) ProgressObserver
}

// FileStreamProvider reads and writes the local filesystem
type FileStreamProvider struct {
	observers []ObserverFactory
}

// NewFileStreamProvider creates a provider reporting to observers
func NewFileStreamProvider(observers ...ObserverFactory) *FileStreamProvider {
	return &FileStreamProvider{observers: observers}
}

// OpenInput implements StreamProvider
func (p *FileStreamProvider) OpenInput(item *models.SyncItem, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(item.LocalItemPath)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s to %d: %w", item.LocalItemPath, offset, err)
		}
	}
	return f, nil
}

// OpenOutput implements StreamProvider
func (p *FileStreamProvider) OpenOutput(path string, offset int64) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// NewProgressObserver implements StreamProvider
func (p *FileStreamProvider) NewProgressObserver(source string, item *models.SyncItem, dir Direction, offset, total int64) ProgressObserver {
	switch len(p.observers) {
	case 0:
		return nopObserver{}
	case 1:
		return p.observers[0](source, item, dir, offset, total)
	}
	multi := make(multiObserver, 0, len(p.observers))
	for _, f := range p.observers {
		multi = append(multi, f(source, item, dir, offset, total))
	}
	return multi
}

type nopObserver struct{}

func (nopObserver) Add(int64) {}
func (nopObserver) Done(bool) {}

type multiObserver []ProgressObserver

func (m multiObserver) Add(n int64) {
	for _, o := range m {
		o.Add(n)
	}
}

func (m multiObserver) Done(success bool) {
	for _, o := range m {
		o.Done(success)
	}
}

// TerminalProgress renders one progress bar per transfer on the terminal
func TerminalProgress(out io.Writer) ObserverFactory {
	return func(source string, item *models.SyncItem, dir Direction, offset, total int64) ProgressObserver {
		bar := pb.New64(total)
		bar.Set(pb.Bytes, true)
		bar.SetWriter(out)
		bar.SetTemplate(`{{string . "dir"}} {{string . "name"}} {{counters . }} {{bar . }} {{percent . }} {{speed . }}`)
		bar.Set("dir", string(dir))
		bar.Set("name", item.Name)
		bar.SetCurrent(offset)
		bar.Start()
		return &barObserver{bar: bar}
	}
}

type barObserver struct {
	bar *pb.ProgressBar
}

func (o *barObserver) Add(n int64) {
	o.bar.Add64(n)
}

func (o *barObserver) Done(success bool) {
	o.bar.Finish()
}

// HubProgress publishes transfer progress on the websocket hub
func HubProgress(hub *WebSocketHub) ObserverFactory {
	return func(source string, item *models.SyncItem, dir Direction, offset, total int64) ProgressObserver {
		return &hubObserver{
			hub: hub,
			payload: TransferProgressPayload{
				Source:    source,
				ItemID:    item.ID,
				Name:      item.Name,
				Direction: string(dir),
				Bytes:     offset,
				Total:     total,
			},
			step: total / 20,
		}
	}
}

// hubObserver publishes at most every step bytes
type hubObserver struct {
	mu       sync.Mutex
	hub      *WebSocketHub
	payload  TransferProgressPayload
	step     int64
	reported int64
}

func (o *hubObserver) Add(n int64) {
	o.mu.Lock()
	o.payload.Bytes += n
	if o.payload.Bytes-o.reported < o.step {
		o.mu.Unlock()
		return
	}
	o.reported = o.payload.Bytes
	msg := o.message(WSTypeTransferProgress)
	o.mu.Unlock()
	o.hub.PublishSource(o.payload.Source, msg)
}

func (o *hubObserver) Done(success bool) {
	o.mu.Lock()
	msg := o.message(WSTypeTransferDone)
	o.mu.Unlock()
	if !success {
		msg.Type = WSTypeError
	}
	o.hub.PublishSource(o.payload.Source, msg)
}

func (o *hubObserver) message(kind string) WSMessage {
	p := o.payload
	if p.Total > 0 {
		p.Progress = float64(p.Bytes) / float64(p.Total)
	}
	return WSMessage{Type: kind, Payload: p}
}

// countingReader reports bytes read to an observer and keeps a total
type countingReader struct {
	r   io.Reader
	n   int64
	obs ProgressObserver
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.obs.Add(int64(n))
	}
	return n, err
}

// countingWriter reports bytes written to an observer and keeps a total
type countingWriter struct {
	w   io.Writer
	n   int64
	obs ProgressObserver
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.n += int64(n)
		c.obs.Add(int64(n))
	}
	return n, err
}
