package services

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/models"
)

type recordingObserver struct {
	added int64
	done  []bool
}

func (o *recordingObserver) Add(n int64)       { o.added += n }
func (o *recordingObserver) Done(success bool) { o.done = append(o.done, success) }

func TestFileStreamProvider(t *testing.T) {
	dir := t.TempDir()
	p := NewFileStreamProvider()

	t.Run("input starts at offset", func(t *testing.T) {
		path := filepath.Join(dir, "in.jpg")
		require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0644))

		r, err := p.OpenInput(&models.SyncItem{LocalItemPath: path}, 4)
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "456789", string(data))
	})

	t.Run("missing input", func(t *testing.T) {
		_, err := p.OpenInput(&models.SyncItem{LocalItemPath: filepath.Join(dir, "nope")}, 0)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("output discards past offset", func(t *testing.T) {
		path := filepath.Join(dir, "spool", "out.part")
		w, err := p.OpenOutput(path, 0)
		require.NoError(t, err)
		_, err = w.Write([]byte("abcdefgh"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		w, err = p.OpenOutput(path, 3)
		require.NoError(t, err)
		_, err = w.Write([]byte("XY"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "abcXY", string(data))
	})

	t.Run("no observers", func(t *testing.T) {
		obs := p.NewProgressObserver(testSource, &models.SyncItem{}, DirectionUpload, 0, 10)
		obs.Add(5)
		obs.Done(true)
		assert.IsType(t, nopObserver{}, obs)
	})
}

func TestProgressObservers(t *testing.T) {
	var a, b recordingObserver
	factory := func(o *recordingObserver) ObserverFactory {
		return func(string, *models.SyncItem, Direction, int64, int64) ProgressObserver { return o }
	}
	p := NewFileStreamProvider(factory(&a), factory(&b))

	obs := p.NewProgressObserver(testSource, &models.SyncItem{Name: "a.jpg"}, DirectionDownload, 0, 100)
	cr := &countingReader{r: strings.NewReader("hello world"), obs: obs}
	_, err := io.Copy(io.Discard, cr)
	require.NoError(t, err)

	var sink bytes.Buffer
	cw := &countingWriter{w: &sink, obs: obs}
	_, err = cw.Write([]byte("abc"))
	require.NoError(t, err)
	obs.Done(false)

	assert.Equal(t, int64(11), cr.n)
	assert.Equal(t, int64(3), cw.n)
	assert.Equal(t, int64(14), a.added)
	assert.Equal(t, int64(14), b.added)
	assert.Equal(t, []bool{false}, a.done)
	assert.Equal(t, []bool{false}, b.done)
}

func TestTerminalProgress(t *testing.T) {
	var out bytes.Buffer
	obs := TerminalProgress(&out)(testSource, &models.SyncItem{Name: "a.jpg"}, DirectionUpload, 10, 100)
	obs.Add(90)
	obs.Done(true)
	assert.Contains(t, out.String(), "a.jpg")
}

func TestHubProgress(t *testing.T) {
	hub := NewWebSocketHub()
	client := hub.NewClient("c1", nil)
	hub.Subscribe(client, SourceTopic(testSource))

	item := &models.SyncItem{ID: 7, Name: "a.jpg"}
	obs := HubProgress(hub)(testSource, item, DirectionUpload, 0, 100)

	// below the reporting step
	obs.Add(3)
	assert.Empty(t, hub.broadcast)

	obs.Add(10)
	obs.Done(true)

	var got []WSMessage
	for len(hub.broadcast) > 0 {
		msg := <-hub.broadcast
		assert.Equal(t, SourceTopic(testSource), msg.topic)
		var m struct {
			Type    string                  `json:"type"`
			Payload TransferProgressPayload `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(msg.message, &m))
		got = append(got, WSMessage{Type: m.Type, Payload: m.Payload})
	}

	require.Len(t, got, 2)
	assert.Equal(t, WSTypeTransferProgress, got[0].Type)
	progress := got[0].Payload.(TransferProgressPayload)
	assert.Equal(t, int64(13), progress.Bytes)
	assert.Equal(t, int64(7), progress.ItemID)
	assert.InDelta(t, 0.13, progress.Progress, 0.001)
	assert.Equal(t, WSTypeTransferDone, got[1].Type)

	t.Run("failure is reported as error", func(t *testing.T) {
		obs := HubProgress(hub)(testSource, item, DirectionDownload, 0, 100)
		obs.Done(false)
		msg := <-hub.broadcast
		assert.Contains(t, string(msg.message), `"type":"error"`)
	})
}
