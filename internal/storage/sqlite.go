package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the file and schema on
// first use.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Requesters ----

func (s *sqliteStore) UpsertRequester(ctx context.Context, r Requester) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requesters(id, first_name, last_name, username)
		 VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   first_name = excluded.first_name,
		   last_name  = excluded.last_name,
		   username   = excluded.username`,
		r.ID, r.FirstName, nullStr(r.LastName), nullStr(r.Username),
	)
	return err
}

func (s *sqliteStore) Requester(ctx context.Context, id int64) (Requester, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, username, thread_id, banned
		 FROM requesters WHERE id = ?`, id)
	return scanRequester(row)
}

func (s *sqliteStore) RequesterByThread(ctx context.Context, threadID int) (Requester, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, username, thread_id, banned
		 FROM requesters WHERE thread_id = ?`, threadID)
	return scanRequester(row)
}

func scanRequester(row *sql.Row) (Requester, bool, error) {
	var (
		r        Requester
		last     sql.NullString
		username sql.NullString
		thread   sql.NullInt64
		banned   int
	)
	err := row.Scan(&r.ID, &r.FirstName, &last, &username, &thread, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return Requester{}, false, nil
	}
	if err != nil {
		return Requester{}, false, err
	}
	r.LastName = last.String
	r.Username = username.String
	r.ThreadID = int(thread.Int64)
	r.Banned = banned != 0
	return r, true, nil
}

func (s *sqliteStore) ListRequesterIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM requesters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) SetBanned(ctx context.Context, id int64, banned bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE requesters SET banned = ? WHERE id = ?`, boolInt(banned), id)
	return err
}

// ---- Threads ----

func (s *sqliteStore) BindThread(ctx context.Context, requesterID int64, threadID int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE requesters SET thread_id = ? WHERE id = ?`, threadID, requesterID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO thread_status(thread_id, requester_id, status) VALUES(?,?,?)
		 ON CONFLICT(thread_id) DO UPDATE SET requester_id = excluded.requester_id, status = excluded.status`,
		threadID, requesterID, string(ThreadOpened)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetThreadStatus(ctx context.Context, threadID int, requesterID int64, state ThreadState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_status(thread_id, requester_id, status) VALUES(?,?,?)
		 ON CONFLICT(thread_id) DO UPDATE SET
		   status = excluded.status,
		   requester_id = CASE WHEN excluded.requester_id != 0 THEN excluded.requester_id ELSE thread_status.requester_id END`,
		threadID, requesterID, string(state))
	return err
}

func (s *sqliteStore) ThreadStatus(ctx context.Context, threadID int) (ThreadState, bool, error) {
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM thread_status WHERE thread_id = ?`, threadID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ThreadState(st), true, nil
}

func (s *sqliteStore) PurgeThread(ctx context.Context, threadID int, ban bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var requesterID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM requesters WHERE thread_id = ?`, threadID).Scan(&requesterID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM thread_status WHERE thread_id = ?`, threadID); err != nil {
		return 0, err
	}
	if requesterID != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE requesters SET thread_id = NULL WHERE id = ?`, requesterID); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_map WHERE requester_id = ?`, requesterID); err != nil {
			return 0, err
		}
		if ban {
			if _, err := tx.ExecContext(ctx,
				`UPDATE requesters SET banned = 1 WHERE id = ?`, requesterID); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return requesterID, nil
}

// ---- Mappings ----

func (s *sqliteStore) InsertMapping(ctx context.Context, m Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Either side already mapped? Same pair is a no-op, anything else is
	// a consistency violation. The user side only collides within the
	// same requester's chat.
	var u, g int
	var rid int64
	err = tx.QueryRowContext(ctx,
		`SELECT user_msg_id, group_msg_id, requester_id FROM message_map
		 WHERE (requester_id = ? AND user_msg_id = ?) OR group_msg_id = ?`,
		m.RequesterID, m.UserMsgID, m.GroupMsgID).Scan(&u, &g, &rid)
	switch {
	case err == nil:
		if u == m.UserMsgID && g == m.GroupMsgID && rid == m.RequesterID {
			return nil
		}
		return fmt.Errorf("%w: (%d,%d) vs existing (%d,%d)", ErrDuplicateMapping, m.UserMsgID, m.GroupMsgID, u, g)
	case errors.Is(err, sql.ErrNoRows):
		// free to insert
	default:
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message_map(user_msg_id, group_msg_id, requester_id) VALUES(?,?,?)`,
		m.UserMsgID, m.GroupMsgID, m.RequesterID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) MappingByUserMsg(ctx context.Context, requesterID int64, userMsgID int) (Mapping, bool, error) {
	return s.mappingWhere(ctx, `requester_id = ? AND user_msg_id = ?`, requesterID, userMsgID)
}

func (s *sqliteStore) MappingByGroupMsg(ctx context.Context, groupMsgID int) (Mapping, bool, error) {
	return s.mappingWhere(ctx, `group_msg_id = ?`, groupMsgID)
}

func (s *sqliteStore) mappingWhere(ctx context.Context, where string, args ...any) (Mapping, bool, error) {
	var m Mapping
	err := s.db.QueryRowContext(ctx,
		`SELECT user_msg_id, group_msg_id, requester_id FROM message_map WHERE `+where, args...).
		Scan(&m.UserMsgID, &m.GroupMsgID, &m.RequesterID)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, false, nil
	}
	if err != nil {
		return Mapping{}, false, err
	}
	return m, true, nil
}

func (s *sqliteStore) UserMessageIDs(ctx context.Context, requesterID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_msg_id FROM message_map WHERE requester_id = ? ORDER BY user_msg_id`, requesterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) DeleteMappingsByRequester(ctx context.Context, requesterID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_map WHERE requester_id = ?`, requesterID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- Media groups ----

func (s *sqliteStore) AppendMediaItem(ctx context.Context, it MediaItem) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM media_group WHERE group_id = ? AND chat_id = ?)`,
		it.GroupID, it.ChatID).Scan(&exists); err != nil {
		return false, err
	}
	first := exists == 0

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO media_group(group_id, chat_id, message_id, is_header, caption, created_at)
		 VALUES(?,?,?,?,?,?)`,
		it.GroupID, it.ChatID, it.MessageID, boolInt(it.Header || first), nullStr(it.Caption),
		time.Now().Unix()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return first, nil
}

func (s *sqliteStore) TakeMediaGroup(ctx context.Context, groupID string, chatID int64) ([]MediaItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT group_id, chat_id, message_id, is_header, caption
		 FROM media_group WHERE group_id = ? AND chat_id = ? ORDER BY seq`,
		groupID, chatID)
	if err != nil {
		return nil, err
	}

	var items []MediaItem
	for rows.Next() {
		var (
			it      MediaItem
			header  int
			caption sql.NullString
		)
		if err := rows.Scan(&it.GroupID, &it.ChatID, &it.MessageID, &header, &caption); err != nil {
			rows.Close()
			return nil, err
		}
		it.Header = header != 0
		it.Caption = caption.String
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM media_group WHERE group_id = ? AND chat_id = ?`, groupID, chatID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *sqliteStore) PruneMediaGroups(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM media_group WHERE created_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
