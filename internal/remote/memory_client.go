package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/photosync/client/internal/models"
)

// Operation names accepted by MemoryClient.FailNext and Calls
const (
	OpGetAllItems        = "GetAllItems"
	OpGetItemsChanges    = "GetItemsChanges"
	OpGetItemsFromID     = "GetItemsFromID"
	OpUploadItemMetadata = "UploadItemMetadata"
	OpUploadItemData     = "UploadItemData"
	OpGetItemResumeInfo  = "GetItemResumeInfo"
	OpDownloadItem       = "DownloadItem"
	OpDeleteItem         = "DeleteItem"
	OpGetQuotaInfo       = "GetQuotaInfo"
	OpGetServerTime      = "GetServerTime"
)

type memItem struct {
	item    Item
	data    []byte
	created int64
	updated int64
}

// MemoryClient is an in-process Client holding items in memory. The server
// clock advances by one millisecond on every mutation.
type MemoryClient struct {
	mu        sync.Mutex
	clock     int64
	items     map[string]*memItem
	deleted   map[string]int64
	labels    map[string]models.Label
	quota     Quota
	chunk     int64
	failures  map[string][]Status
	forbidden map[string]bool
	calls     map[string]int
	nextGUID  int
}

// NewMemoryClient creates an empty remote with an unlimited quota
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		clock:     1_000_000,
		items:     make(map[string]*memItem),
		deleted:   make(map[string]int64),
		labels:    make(map[string]models.Label),
		quota:     Quota{Free: 1 << 50, Total: 1 << 50},
		failures:  make(map[string][]Status),
		forbidden: make(map[string]bool),
		calls:     make(map[string]int),
	}
}

// contentETag is the SHA-256 of the content, the validator local files use too
func contentETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m *MemoryClient) tick() int64 {
	m.clock++
	return m.clock
}

// SetClock sets the server clock
func (m *MemoryClient) SetClock(ms int64) {
	m.mu.Lock()
	m.clock = ms
	m.mu.Unlock()
}

// Now returns the server clock
func (m *MemoryClient) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// SetQuota replaces the storage allowance
func (m *MemoryClient) SetQuota(q Quota) {
	m.mu.Lock()
	m.quota = q
	m.mu.Unlock()
}

// SetChunkLimit caps the bytes moved per transfer call; a call that hits the
// cap before the end of the payload fails with StatusNetworkError. Zero disables it.
func (m *MemoryClient) SetChunkLimit(n int64) {
	m.mu.Lock()
	m.chunk = n
	m.mu.Unlock()
}

// FailNext makes the next calls of op return statuses, in order
func (m *MemoryClient) FailNext(op string, statuses ...Status) {
	m.mu.Lock()
	m.failures[op] = append(m.failures[op], statuses...)
	m.mu.Unlock()
}

// ForbidOnce makes the next download of guid return StatusForbidden
func (m *MemoryClient) ForbidOnce(guid string) {
	m.mu.Lock()
	m.forbidden[guid] = true
	m.mu.Unlock()
}

// Calls returns how many times op was invoked
func (m *MemoryClient) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// begin records a call and pops an injected failure. Callers hold m.mu.
func (m *MemoryClient) begin(ctx context.Context, op string) Status {
	m.calls[op]++
	if ctx.Err() != nil {
		return StatusCanceled
	}
	if queue := m.failures[op]; len(queue) > 0 {
		m.failures[op] = queue[1:]
		return queue[0]
	}
	return StatusOK
}

// AddLabel publishes a label
func (m *MemoryClient) AddLabel(label models.Label) {
	m.mu.Lock()
	m.labels[label.GUID] = label
	m.mu.Unlock()
}

// AddItem publishes an item with its content and returns its GUID
func (m *MemoryClient) AddItem(item models.SyncItem, data []byte, labelGUIDs ...string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.GUID == "" {
		m.nextGUID++
		item.GUID = fmt.Sprintf("G%d", m.nextGUID)
	}
	if item.Size == 0 {
		item.Size = int64(len(data))
	}
	now := m.tick()
	item.ID = 0
	item.LUID = ""
	item.LocalItemPath = ""
	item.ServerLastUpdate = now
	item.ETags = models.ETags{RemoteItem: contentETag(data)}
	item.URLs = models.RemoteURLs{Item: "mem://" + item.GUID}
	m.items[item.GUID] = &memItem{
		item:    Item{SyncItem: item, LabelGUIDs: labelGUIDs},
		data:    append([]byte(nil), data...),
		created: now,
		updated: now,
	}
	delete(m.deleted, item.GUID)
	return item.GUID
}

// ReplaceData swaps the content of an item and bumps its server timestamp
func (m *MemoryClient) ReplaceData(guid string, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.items[guid]
	if !ok {
		return false
	}
	mi.data = append([]byte(nil), data...)
	mi.updated = m.tick()
	mi.item.Size = int64(len(data))
	mi.item.ServerLastUpdate = mi.updated
	mi.item.ETags.RemoteItem = contentETag(data)
	return true
}

// ModifyItem applies fn to a stored item and bumps its server timestamp
func (m *MemoryClient) ModifyItem(guid string, fn func(*models.SyncItem)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.items[guid]
	if !ok {
		return false
	}
	fn(&mi.item.SyncItem)
	mi.updated = m.tick()
	mi.item.ServerLastUpdate = mi.updated
	return true
}

// RemoveItem deletes an item server-side
func (m *MemoryClient) RemoveItem(guid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[guid]; ok {
		delete(m.items, guid)
		m.deleted[guid] = m.tick()
	}
}

// Item returns a stored item and its content
func (m *MemoryClient) Item(guid string) (Item, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.items[guid]
	if !ok {
		return Item{}, nil, false
	}
	return mi.item, append([]byte(nil), mi.data...), true
}

// Len returns the number of stored items
func (m *MemoryClient) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryClient) sortedGUIDs() []string {
	guids := make([]string, 0, len(m.items))
	for g := range m.items {
		guids = append(guids, g)
	}
	sort.Slice(guids, func(i, j int) bool {
		a, b := m.items[guids[i]], m.items[guids[j]]
		if a.created != b.created {
			return a.created < b.created
		}
		return guids[i] < guids[j]
	})
	return guids
}

// GetAllItems lists items in creation order
func (m *MemoryClient) GetAllItems(ctx context.Context, limit, offset int) (Page, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpGetAllItems); !s.OK() {
		return Page{}, s
	}

	guids := m.sortedGUIDs()
	page := Page{ServerTime: m.clock}
	if offset >= len(guids) {
		return page, StatusOK
	}
	end := len(guids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
		page.HasMore = true
	}
	seen := map[string]bool{}
	for _, g := range guids[offset:end] {
		mi := m.items[g]
		page.Items = append(page.Items, mi.item)
		for _, lg := range mi.item.LabelGUIDs {
			if l, ok := m.labels[lg]; ok && !seen[lg] {
				seen[lg] = true
				page.Labels = append(page.Labels, l)
			}
		}
	}
	return page, StatusOK
}

// GetItemsChanges reports items created, modified or deleted after since
func (m *MemoryClient) GetItemsChanges(ctx context.Context, since int64) (Changes, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpGetItemsChanges); !s.OK() {
		return Changes{}, s
	}

	changes := Changes{ServerTime: m.clock}
	for _, g := range m.sortedGUIDs() {
		mi := m.items[g]
		switch {
		case mi.created > since:
			changes.New = append(changes.New, g)
		case mi.updated > since:
			changes.Modified = append(changes.Modified, g)
		}
	}
	for g, at := range m.deleted {
		if at > since {
			changes.Deleted = append(changes.Deleted, g)
		}
	}
	sort.Strings(changes.Deleted)
	return changes, StatusOK
}

// GetItemsFromID returns the known items among guids and their labels
func (m *MemoryClient) GetItemsFromID(ctx context.Context, guids []string) ([]Item, []models.Label, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpGetItemsFromID); !s.OK() {
		return nil, nil, s
	}

	var (
		items  []Item
		labels []models.Label
		seen   = map[string]bool{}
	)
	for _, g := range guids {
		mi, ok := m.items[g]
		if !ok {
			continue
		}
		items = append(items, mi.item)
		for _, lg := range mi.item.LabelGUIDs {
			if l, ok := m.labels[lg]; ok && !seen[lg] {
				seen[lg] = true
				labels = append(labels, l)
			}
		}
	}
	return items, labels, StatusOK
}

func (m *MemoryClient) result(mi *memItem) UploadResult {
	return UploadResult{
		GUID:             mi.item.GUID,
		ETags:            mi.item.ETags,
		URLs:             mi.item.URLs,
		ServerLastUpdate: mi.item.ServerLastUpdate,
	}
}

// UploadItemMetadata creates or updates an item record
func (m *MemoryClient) UploadItemMetadata(ctx context.Context, item models.SyncItem, metadataOnly bool) (UploadResult, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpUploadItemMetadata); !s.OK() {
		return UploadResult{}, s
	}

	now := m.tick()
	if !item.HasRemoteIdentity() {
		m.nextGUID++
		guid := fmt.Sprintf("G%d", m.nextGUID)
		rec := item
		rec.ID, rec.LUID, rec.LocalItemPath = 0, "", ""
		rec.GUID = guid
		rec.ServerLastUpdate = now
		rec.ETags = models.ETags{}
		rec.URLs = models.RemoteURLs{Item: "mem://" + guid}
		m.items[guid] = &memItem{item: Item{SyncItem: rec}, created: now, updated: now}
		return m.result(m.items[guid]), StatusOK
	}

	mi, ok := m.items[item.GUID]
	if !ok {
		return UploadResult{}, StatusNotFound
	}
	mi.item.Name = item.Name
	mi.item.CreationDate = item.CreationDate
	mi.item.ModificationDate = item.ModificationDate
	mi.item.Format = item.Format
	if !metadataOnly {
		mi.item.Size = item.Size
		mi.item.ContentType = item.ContentType
	}
	mi.updated = now
	mi.item.ServerLastUpdate = now
	return m.result(mi), StatusOK
}

// UploadItemData appends content at offset, honoring the chunk limit and quota
func (m *MemoryClient) UploadItemData(ctx context.Context, item models.SyncItem, data io.Reader, offset int64) (UploadResult, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpUploadItemData); !s.OK() {
		return UploadResult{}, s
	}

	mi, ok := m.items[item.GUID]
	if !ok {
		return UploadResult{}, StatusNotFound
	}
	if offset < int64(len(mi.data)) {
		m.quota.Free += int64(len(mi.data)) - offset
		mi.data = mi.data[:offset]
	}

	var buf bytes.Buffer
	var err error
	if m.chunk > 0 {
		_, err = io.CopyN(&buf, data, m.chunk)
	} else {
		_, err = io.Copy(&buf, data)
	}
	if err != nil && err != io.EOF {
		return UploadResult{}, StatusNetworkError
	}
	if int64(buf.Len()) > m.quota.Free {
		return UploadResult{}, StatusQuotaExceeded
	}
	m.quota.Free -= int64(buf.Len())
	mi.data = append(mi.data, buf.Bytes()...)

	if int64(len(mi.data)) < item.Size {
		return UploadResult{}, StatusNetworkError
	}

	now := m.tick()
	mi.item.Size = int64(len(mi.data))
	mi.item.ServerLastUpdate = now
	mi.item.ETags.RemoteItem = contentETag(mi.data)
	mi.updated = now
	return m.result(mi), StatusOK
}

// GetItemResumeInfo returns the stored byte count of an item
func (m *MemoryClient) GetItemResumeInfo(ctx context.Context, item models.SyncItem) (int64, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpGetItemResumeInfo); !s.OK() {
		return 0, s
	}
	mi, ok := m.items[item.GUID]
	if !ok {
		return 0, StatusNotFound
	}
	return int64(len(mi.data)), StatusOK
}

// DownloadItem writes content from offset, honoring the chunk limit
func (m *MemoryClient) DownloadItem(ctx context.Context, item models.SyncItem, offset int64, sink io.Writer) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpDownloadItem); !s.OK() {
		return s
	}
	if m.forbidden[item.GUID] {
		delete(m.forbidden, item.GUID)
		return StatusForbidden
	}
	mi, ok := m.items[item.GUID]
	if !ok {
		return StatusNotFound
	}
	if offset > int64(len(mi.data)) {
		return StatusRangeNotSatisfiable
	}

	rest := mi.data[offset:]
	partial := m.chunk > 0 && int64(len(rest)) > m.chunk
	if partial {
		rest = rest[:m.chunk]
	}
	if _, err := sink.Write(rest); err != nil {
		return StatusError
	}
	if partial {
		return StatusNetworkError
	}
	return StatusOK
}

// DeleteItem removes an item
func (m *MemoryClient) DeleteItem(ctx context.Context, guid string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpDeleteItem); !s.OK() {
		return s
	}
	mi, ok := m.items[guid]
	if !ok {
		return StatusNotFound
	}
	m.quota.Free += int64(len(mi.data))
	delete(m.items, guid)
	m.deleted[guid] = m.tick()
	return StatusOK
}

// GetQuotaInfo returns the storage allowance
func (m *MemoryClient) GetQuotaInfo(ctx context.Context) (Quota, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpGetQuotaInfo); !s.OK() {
		return Quota{}, s
	}
	return m.quota, StatusOK
}

// GetServerTime returns the server clock
func (m *MemoryClient) GetServerTime(ctx context.Context) (int64, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.begin(ctx, OpGetServerTime); !s.OK() {
		return 0, s
	}
	return m.clock, StatusOK
}

var _ Client = (*MemoryClient)(nil)
