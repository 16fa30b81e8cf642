package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/developer-mesh/boardsync/pkg/collaboration/crdt"
	"github.com/developer-mesh/boardsync/pkg/database"
	"github.com/developer-mesh/boardsync/pkg/errors"
	"github.com/developer-mesh/boardsync/pkg/models"
	"github.com/developer-mesh/boardsync/pkg/observability"
	"github.com/jmoiron/sqlx"
)

const (
	selectObjectQuery = `SELECT data FROM board_objects WHERE board_id = ? AND id = ?`
	selectBoardQuery  = `SELECT data FROM board_objects WHERE board_id = ? ORDER BY id`
	insertObjectQuery = `INSERT INTO board_objects (board_id, id, data, deleted, updated_ms)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (board_id, id) DO NOTHING`
	updateObjectQuery = `UPDATE board_objects SET data = ?, deleted = ?, updated_ms = ?
		WHERE board_id = ? AND id = ?`
	purgeQuery = `DELETE FROM board_objects WHERE board_id = ? AND deleted = ? AND updated_ms < ?`
)

// maxInsertRaces bounds how often a write retries after losing the race to
// create the same row.
const maxInsertRaces = 3

var errInsertRace = stderrors.New("row created concurrently")

// SQLStore keeps one row per object holding its JSON document and field
// clocks. Writes read the row, merge in Go and write it back inside one
// transaction.
type SQLStore struct {
	db     *sqlx.DB
	logger observability.Logger
	// lockRows appends FOR UPDATE to the read; SQLite serializes writers
	// on its own and has no row locks.
	lockRows bool
}

// NewSQLStore wraps an open database whose schema is migrated
func NewSQLStore(db *sqlx.DB, logger observability.Logger) *SQLStore {
	return &SQLStore{
		db:       db,
		logger:   observability.OrNoop(logger).WithPrefix("sql-store"),
		lockRows: db.DriverName() == database.DriverPostgres,
	}
}

// LoadAll returns every stored object of the board ordered by id. Rows that
// fail to decode are logged and skipped.
func (s *SQLStore) LoadAll(ctx context.Context, boardID string) ([]*models.Object, error) {
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(selectBoardQuery), boardID); err != nil {
		return nil, fmt.Errorf("load board %s: %w", boardID, err)
	}

	objects := make([]*models.Object, 0, len(rows))
	for _, data := range rows {
		var obj models.Object
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			s.logger.Warn("Skipping undecodable board object", map[string]interface{}{
				"board_id": boardID,
				"error":    err.Error(),
			})
			continue
		}
		obj.BoardID = boardID
		objects = append(objects, &obj)
	}
	return objects, nil
}

// Write merges the patch into the stored row under the field clock rule
func (s *SQLStore) Write(ctx context.Context, boardID, objectID string, patch models.Patch, clocks models.FieldClocks) error {
	if boardID == "" || objectID == "" {
		return errors.Wrap(fmt.Errorf("board and object id are required"), errors.ErrInvalid)
	}

	var err error
	for i := 0; i < maxInsertRaces; i++ {
		err = database.Transaction(ctx, s.db, func(tx *sqlx.Tx) error {
			return s.write(ctx, tx, boardID, objectID, patch, clocks)
		})
		if !stderrors.Is(err, errInsertRace) {
			break
		}
	}
	return err
}

func (s *SQLStore) write(ctx context.Context, tx *sqlx.Tx, boardID, objectID string, patch models.Patch, clocks models.FieldClocks) error {
	query := selectObjectQuery
	if s.lockRows {
		query += " FOR UPDATE"
	}

	var local *models.Object
	var data string
	err := tx.GetContext(ctx, &data, tx.Rebind(query), boardID, objectID)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read %s/%s: %w", boardID, objectID, err)
	default:
		local = &models.Object{}
		if err := json.Unmarshal([]byte(data), local); err != nil {
			return fmt.Errorf("decode %s/%s: %w", boardID, objectID, err)
		}
	}

	action := models.ActionUpdate
	if local == nil {
		action = models.ActionCreate
	}
	merged, result, err := crdt.Merge(local, models.Change{
		Action: action,
		ID:     objectID,
		Fields: patch,
		Clocks: clocks,
	})
	if err != nil {
		return err
	}
	if len(result.Applied) == 0 {
		return nil
	}
	merged.BoardID = boardID

	doc, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", boardID, objectID, err)
	}
	updated := merged.Clocks.Max().Wall

	if local == nil {
		res, err := tx.ExecContext(ctx, tx.Rebind(insertObjectQuery),
			boardID, objectID, string(doc), merged.Deleted, updated)
		if err != nil {
			return fmt.Errorf("insert %s/%s: %w", boardID, objectID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errInsertRace
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(updateObjectQuery),
		string(doc), merged.Deleted, updated, boardID, objectID); err != nil {
		return fmt.Errorf("update %s/%s: %w", boardID, objectID, err)
	}
	return nil
}

// PurgeTombstones deletes tombstones whose last write is older than olderThan
func (s *SQLStore) PurgeTombstones(ctx context.Context, boardID string, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(purgeQuery), boardID, true, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge tombstones of %s: %w", boardID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Purged tombstones", map[string]interface{}{
			"board_id": boardID,
			"count":    n,
		})
	}
	return n, nil
}
