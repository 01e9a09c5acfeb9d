package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
)

const itemStoreName = "items"

// ChangeKind says what happened to a row
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	}
	return "unknown"
}

// ChangeListener is notified after every committed item mutation
type ChangeListener interface {
	ItemChanged(kind ChangeKind, item models.SyncItem)
}

// ChangeListenerFunc adapts a function to ChangeListener
type ChangeListenerFunc func(kind ChangeKind, item models.SyncItem)

// ItemChanged calls f
func (f ChangeListenerFunc) ItemChanged(kind ChangeKind, item models.SyncItem) {
	f(kind, item)
}

// QueryOptions controls ordered bulk retrieval.
// A zero LabelID disables label filtering and a zero Limit returns every row.
type QueryOptions struct {
	OrderBy    string
	Descending bool
	LabelID    int64
	Limit      int
}

// ItemRepository is the persistent item cache of one data source.
//
// Calls never return errors: failures are logged with the source and item and
// reported through a zero value, nil or false. One mutex serializes every call
// so the store can be read from a status goroutine while a sync writes to it.
type ItemRepository struct {
	mu       sync.Mutex
	db       *sql.DB
	dialect  Dialect
	source   string
	log      *observability.Logger
	listener ChangeListener
	version  int
}

// NewItemRepository wraps db, upgrading its schema when needed
func NewItemRepository(ctx context.Context, db *sql.DB, dialect Dialect, source string) *ItemRepository {
	r := &ItemRepository{
		db:      db,
		dialect: dialect,
		source:  source,
		log:     observability.GetLogger().WithSource(source),
	}
	r.version = migrate(ctx, db, dialect, itemStoreName, itemMigrations, r.log)
	return r
}

// OpenSQLiteItemRepository opens the item store file of a source
func OpenSQLiteItemRepository(ctx context.Context, path, source string) (*ItemRepository, error) {
	db, err := NewSQLiteDB(path)
	if err != nil {
		return nil, fmt.Errorf("open item store %s: %w", path, err)
	}
	return NewItemRepository(ctx, db, SQLite, source), nil
}

// Source returns the data source name
func (r *ItemRepository) Source() string {
	return r.source
}

// SchemaVersion returns the schema version reached at open time
func (r *ItemRepository) SchemaVersion() int {
	return r.version
}

// SetListener installs the change listener, nil removes it
func (r *ItemRepository) SetListener(l ChangeListener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Close closes the underlying database
func (r *ItemRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}

func (r *ItemRepository) notify(kind ChangeKind, item models.SyncItem) {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l != nil {
		l.ItemChanged(kind, item)
	}
}

func (r *ItemRepository) selectClause() string {
	return "SELECT " + strings.Join(itemColumns, ", ") + " FROM items"
}

// Insert stores a new item and returns its assigned id, 0 on failure.
// An item that already carries an id is rejected so ids are assigned once.
func (r *ItemRepository) Insert(ctx context.Context, item *models.SyncItem) int64 {
	if item.ID != 0 {
		r.log.WithItem(item.ID, item.Name).Errorf("Refusing to insert item that already has an id")
		return 0
	}

	r.mu.Lock()
	cols := itemColumns[1:]
	query := fmt.Sprintf("INSERT INTO items (%s) VALUES (%s)",
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
	)
	id, err := r.dialect.InsertReturningID(ctx, r.db, r.dialect.Rebind(query), itemArgs(item)...)
	r.mu.Unlock()

	if err != nil {
		r.log.WithItem(0, item.Name).Errorf("Failed to insert item (path=%s): %v", item.LocalItemPath, err)
		return 0
	}

	item.ID = id
	r.notify(ChangeInsert, item.Clone())
	return id
}

// Update rewrites every column of the row with item.ID
func (r *ItemRepository) Update(ctx context.Context, item *models.SyncItem) bool {
	if item.ID == 0 {
		r.log.WithItem(0, item.Name).Errorf("Cannot update item without id")
		return false
	}

	r.mu.Lock()
	cols := itemColumns[1:]
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	query := "UPDATE items SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args := append(itemArgs(item), item.ID)
	res, err := r.db.ExecContext(ctx, r.dialect.Rebind(query), args...)
	r.mu.Unlock()

	if err != nil {
		r.log.WithItem(item.ID, item.Name).Errorf("Failed to update item: %v", err)
		return false
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.log.WithItem(item.ID, item.Name).Warnf("Update matched no row")
		return false
	}

	r.notify(ChangeUpdate, item.Clone())
	return true
}

// Remove deletes the row with item.ID together with its label links.
// It returns false when no row matched.
func (r *ItemRepository) Remove(ctx context.Context, item *models.SyncItem) bool {
	r.mu.Lock()
	removed, err := r.removeLocked(ctx, item.ID)
	r.mu.Unlock()

	if err != nil {
		r.log.WithItem(item.ID, item.Name).Errorf("Failed to remove item: %v", err)
		return false
	}
	if removed {
		r.notify(ChangeDelete, item.Clone())
	}
	return removed
}

func (r *ItemRepository) removeLocked(ctx context.Context, id int64) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.dialect.Rebind("DELETE FROM item_labels WHERE item_id = ?"), id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, r.dialect.Rebind("DELETE FROM items WHERE id = ?"), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// GetByID returns the item with id, or nil
func (r *ItemRepository) GetByID(ctx context.Context, id int64) *models.SyncItem {
	return r.GetByField(ctx, "id", id)
}

// GetByField returns the first item whose field equals value, or nil.
// Unknown field names are rejected.
func (r *ItemRepository) GetByField(ctx context.Context, field string, value interface{}) *models.SyncItem {
	col, ok := itemFieldAliases[field]
	if !ok {
		r.log.Errorf("Lookup on unknown item field %q", field)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	query := r.selectClause() + " WHERE " + col + " = ? ORDER BY id LIMIT 1"
	item, err := scanItem(r.db.QueryRowContext(ctx, r.dialect.Rebind(query), value))
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.log.Errorf("Failed to get item by %s=%v: %v", field, value, err)
		return nil
	}
	return &item
}

// GetAll returns items ordered by opts.OrderBy (id when empty)
func (r *ItemRepository) GetAll(ctx context.Context, opts QueryOptions) []models.SyncItem {
	order := "id"
	if opts.OrderBy != "" {
		col, ok := itemFieldAliases[opts.OrderBy]
		if !ok {
			r.log.Errorf("Ordering on unknown item field %q", opts.OrderBy)
			return nil
		}
		order = col
	}
	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}

	var (
		b    strings.Builder
		args []interface{}
	)
	b.WriteString(r.selectClause())
	if opts.LabelID != 0 {
		b.WriteString(" WHERE id IN (SELECT item_id FROM item_labels WHERE label_id = ?)")
		args = append(args, opts.LabelID)
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id %s", order, dir, dir)
	if opts.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(b.String()), args...)
	if err != nil {
		r.log.Errorf("Failed to list items: %v", err)
		return nil
	}
	defer rows.Close()

	items := []models.SyncItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			r.log.Errorf("Failed to scan item row: %v", err)
			return nil
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		r.log.Errorf("Failed to iterate item rows: %v", err)
		return nil
	}
	return items
}

// GetByStatus returns every item with one of statuses, in id order
func (r *ItemRepository) GetByStatus(ctx context.Context, statuses ...models.ItemStatus) []models.SyncItem {
	want := make(map[models.ItemStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []models.SyncItem
	for _, item := range r.GetAll(ctx, QueryOptions{}) {
		if want[item.Status] {
			out = append(out, item)
		}
	}
	return out
}

// Count returns the number of rows, -1 on failure
func (r *ItemRepository) Count(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&n); err != nil {
		r.log.Errorf("Failed to count items: %v", err)
		return -1
	}
	return n
}

// CountByStatus returns row counts keyed by status
func (r *ItemRepository) CountByStatus(ctx context.Context) map[models.ItemStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[models.ItemStatus]int)
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM items GROUP BY status")
	if err != nil {
		r.log.Errorf("Failed to count items by status: %v", err)
		return counts
	}
	defer rows.Close()

	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			r.log.Errorf("Failed to scan status count: %v", err)
			return counts
		}
		counts[models.ParseItemStatus(status)] += n
	}
	return counts
}

// SetLabels replaces the label links of an item
func (r *ItemRepository) SetLabels(ctx context.Context, itemID int64, labelIDs []int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.log.WithItem(itemID, "").Errorf("Failed to begin label update: %v", err)
		return false
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.dialect.Rebind("DELETE FROM item_labels WHERE item_id = ?"), itemID); err != nil {
		r.log.WithItem(itemID, "").Errorf("Failed to clear labels: %v", err)
		return false
	}
	for _, labelID := range labelIDs {
		if _, err := tx.ExecContext(ctx,
			r.dialect.Rebind("INSERT INTO item_labels (item_id, label_id) VALUES (?, ?)"),
			itemID, labelID,
		); err != nil {
			r.log.WithItem(itemID, "").Errorf("Failed to link label %d: %v", labelID, err)
			return false
		}
	}
	if err := tx.Commit(); err != nil {
		r.log.WithItem(itemID, "").Errorf("Failed to commit labels: %v", err)
		return false
	}
	return true
}

// LabelIDs returns the label ids linked to an item
func (r *ItemRepository) LabelIDs(ctx context.Context, itemID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx,
		r.dialect.Rebind("SELECT label_id FROM item_labels WHERE item_id = ? ORDER BY label_id"), itemID)
	if err != nil {
		r.log.WithItem(itemID, "").Errorf("Failed to list labels: %v", err)
		return nil
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil
		}
		ids = append(ids, id)
	}
	return ids
}

// Apply commits a batch of add and update operations, setting Success on each
// and linking labels that already carry a LUID.
func (r *ItemRepository) Apply(ctx context.Context, ops []*models.OperationDescriptor) int {
	ok := 0
	for _, op := range ops {
		if op.IsAdd() {
			op.Item.ID = 0
			op.Success = r.Insert(ctx, &op.Item) != 0
		} else {
			op.Item.ID = op.Previous.ID
			op.Success = r.Update(ctx, &op.Item)
		}
		if op.Success && len(op.Labels) > 0 {
			ids := make([]int64, 0, len(op.Labels))
			for _, l := range op.Labels {
				if l.LUID != 0 {
					ids = append(ids, l.LUID)
				}
			}
			op.Success = r.SetLabels(ctx, op.Item.ID, ids)
		}
		if op.Success {
			ok++
		}
	}
	return ok
}
