package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresStore owns all table access. Ownership-scoped updates and deletes
// match zero rows for non-owners, so a denied mutation is indistinguishable
// from a missing record.
type PostgresStore struct {
	db *DB
}

func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// ── Users ──

const userColumns = `id, email, password_hash, display_name, avatar_url, picture_source, created_at, updated_at, last_login_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.AvatarURL, &u.PictureSource, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, avatar_url, picture_source)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.PasswordHash, user.DisplayName, user.AvatarURL, user.PictureSource)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]UserRef, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT id, display_name, avatar_url FROM users ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	refs := make([]UserRef, 0)
	for rows.Next() {
		var ref UserRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Avatar); err != nil {
			return nil, fmt.Errorf("scan user ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return refs, nil
}

// UpsertExternalUser is the single idempotent find-or-create for
// external-identity login, keyed by email. The externally supplied picture
// always wins and the account is marked as not self-uploaded.
func (s *PostgresStore) UpsertExternalUser(ctx context.Context, user User) (User, error) {
	return scanUser(s.db.Pool.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, avatar_url, picture_source, last_login_at)
		VALUES ($1, $2, $3, $4, 'external', NOW())
		ON CONFLICT (email) DO UPDATE SET
			avatar_url = EXCLUDED.avatar_url,
			picture_source = 'external',
			last_login_at = NOW(),
			updated_at = NOW()
		RETURNING `+userColumns, user.ID, user.Email, user.DisplayName, user.AvatarURL))
}

func (s *PostgresStore) UpdateUserName(ctx context.Context, userID, name string) (User, error) {
	return scanUser(s.db.Pool.QueryRow(ctx, `
		UPDATE users SET display_name=$2, updated_at=NOW() WHERE id=$1
		RETURNING `+userColumns, userID, name))
}

func (s *PostgresStore) UpdateUserPicture(ctx context.Context, userID, avatarURL, source string) (User, error) {
	return scanUser(s.db.Pool.QueryRow(ctx, `
		UPDATE users SET avatar_url=$2, picture_source=$3, updated_at=NOW() WHERE id=$1
		RETURNING `+userColumns, userID, avatarURL, source))
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.Pool.Exec(ctx, `UPDATE users SET last_login_at=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// ── Todos ──

const todoColumns = `id, title, completed, owner_id, created_at, updated_at, completed_at`

func scanTodo(row pgx.Row) (Todo, error) {
	var t Todo
	err := row.Scan(&t.ID, &t.Title, &t.Completed, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Todo{}, ErrNotFound
	}
	if err != nil {
		return Todo{}, fmt.Errorf("scan todo: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) InsertTodo(ctx context.Context, todo Todo) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO todos (id, title, completed, owner_id)
		VALUES ($1, $2, $3, $4)
	`, todo.ID, todo.Title, todo.Completed, todo.OwnerID)
	if err != nil {
		return fmt.Errorf("insert todo: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTodo(ctx context.Context, todoID string) (Todo, error) {
	return scanTodo(s.db.Pool.QueryRow(ctx, `SELECT `+todoColumns+` FROM todos WHERE id=$1`, todoID))
}

// ListVisibleTodos returns todos the user owns or is assigned to, with owner
// display info joined in the same query. Assignees are resolved by
// ListAssigneesForTodos to keep the whole listing at two round trips.
func (s *PostgresStore) ListVisibleTodos(ctx context.Context, userID string) ([]TodoWithUsers, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT t.id, t.title, t.completed, t.owner_id, t.created_at, t.updated_at, t.completed_at,
		       u.display_name, u.avatar_url
		FROM todos t
		JOIN users u ON u.id = t.owner_id
		WHERE t.owner_id = $1
		   OR EXISTS (SELECT 1 FROM todo_assignees ta WHERE ta.todo_id = t.id AND ta.user_id = $1)
		ORDER BY t.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	items := make([]TodoWithUsers, 0)
	for rows.Next() {
		var item TodoWithUsers
		if err := rows.Scan(
			&item.ID, &item.Title, &item.Completed, &item.OwnerID,
			&item.CreatedAt, &item.UpdatedAt, &item.CompletedAt,
			&item.Owner.Name, &item.Owner.Avatar,
		); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		item.Owner.ID = item.OwnerID
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate todos: %w", err)
	}
	return items, nil
}

// ListAssigneesForTodos batch-loads assignee display info for a set of todos.
func (s *PostgresStore) ListAssigneesForTodos(ctx context.Context, todoIDs []string) (map[string][]UserRef, error) {
	byTodo := make(map[string][]UserRef, len(todoIDs))
	if len(todoIDs) == 0 {
		return byTodo, nil
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT ta.todo_id, u.id, u.display_name, u.avatar_url
		FROM todo_assignees ta
		JOIN users u ON u.id = ta.user_id
		WHERE ta.todo_id = ANY($1)
		ORDER BY ta.assigned_at
	`, todoIDs)
	if err != nil {
		return nil, fmt.Errorf("list assignees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var todoID string
		var ref UserRef
		if err := rows.Scan(&todoID, &ref.ID, &ref.Name, &ref.Avatar); err != nil {
			return nil, fmt.Errorf("scan assignee: %w", err)
		}
		byTodo[todoID] = append(byTodo[todoID], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignees: %w", err)
	}
	return byTodo, nil
}

// UpdateTodoOwned applies an allow-listed partial update scoped to the owner.
// A title change (any non-completion key) refreshes updated_at; a completion
// toggle only moves completed_at. COALESCE preserves the original completion
// time when completed=true is re-sent.
func (s *PostgresStore) UpdateTodoOwned(ctx context.Context, todoID, ownerID string, title *string, completed *bool) (Todo, error) {
	return scanTodo(s.db.Pool.QueryRow(ctx, `
		UPDATE todos SET
			title = COALESCE($3, title),
			updated_at = CASE WHEN $3::TEXT IS NOT NULL THEN NOW() ELSE updated_at END,
			completed = COALESCE($4, completed),
			completed_at = CASE
				WHEN $4::BOOLEAN IS NULL THEN completed_at
				WHEN $4 THEN COALESCE(completed_at, NOW())
				ELSE NULL
			END
		WHERE id=$1 AND owner_id=$2
		RETURNING `+todoColumns, todoID, ownerID, title, completed))
}

func (s *PostgresStore) DeleteTodoOwned(ctx context.Context, todoID, ownerID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM todos WHERE id=$1 AND owner_id=$2`, todoID, ownerID)
	if err != nil {
		return fmt.Errorf("delete todo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IsOwnerOrAssignee reports whether the user may see the todo.
func (s *PostgresStore) IsOwnerOrAssignee(ctx context.Context, todoID, userID string) (bool, error) {
	var visible bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM todos t
			WHERE t.id = $1 AND (
				t.owner_id = $2
				OR EXISTS (SELECT 1 FROM todo_assignees ta WHERE ta.todo_id = t.id AND ta.user_id = $2)
			)
		)
	`, todoID, userID).Scan(&visible)
	if err != nil {
		return false, fmt.Errorf("check visibility: %w", err)
	}
	return visible, nil
}

// ── Assignment ──

// AddAssignee is idempotent and race-free: concurrent assigns of the same
// user land on the join table's primary key instead of a read-modify-write.
func (s *PostgresStore) AddAssignee(ctx context.Context, todoID, userID string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO todo_assignees (todo_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (todo_id, user_id) DO NOTHING
	`, todoID, userID)
	if err != nil {
		return fmt.Errorf("add assignee: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveAssignee(ctx context.Context, todoID, userID string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM todo_assignees WHERE todo_id=$1 AND user_id=$2`, todoID, userID)
	if err != nil {
		return fmt.Errorf("remove assignee: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAssignees(ctx context.Context, todoID string) ([]UserRef, error) {
	byTodo, err := s.ListAssigneesForTodos(ctx, []string{todoID})
	if err != nil {
		return nil, err
	}
	refs := byTodo[todoID]
	if refs == nil {
		refs = []UserRef{}
	}
	return refs, nil
}

// ── Deleted todos (archive) ──

const deletedColumns = `id, todo_id, title, completed, owner_id, created_at, updated_at, completed_at, deleted_at`

func (s *PostgresStore) InsertDeletedTodo(ctx context.Context, item DeletedTodo) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO deleted_todos (id, todo_id, title, completed, owner_id, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.TodoID, item.Title, item.Completed, item.OwnerID, item.CreatedAt, item.UpdatedAt, item.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert deleted todo: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeletedTodos(ctx context.Context, ownerID string) ([]DeletedTodo, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+deletedColumns+` FROM deleted_todos
		WHERE owner_id=$1
		ORDER BY deleted_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list deleted todos: %w", err)
	}
	defer rows.Close()

	items := make([]DeletedTodo, 0)
	for rows.Next() {
		var item DeletedTodo
		if err := rows.Scan(&item.ID, &item.TodoID, &item.Title, &item.Completed, &item.OwnerID,
			&item.CreatedAt, &item.UpdatedAt, &item.CompletedAt, &item.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan deleted todo: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted todos: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PurgeDeletedTodo(ctx context.Context, deletedTodoID, ownerID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM deleted_todos WHERE id=$1 AND owner_id=$2`, deletedTodoID, ownerID)
	if err != nil {
		return fmt.Errorf("purge deleted todo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Comments ──

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO comments (id, todo_id, author_id, content)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.TodoID, comment.AuthorID, comment.Content)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var c Comment
	err := s.db.Pool.QueryRow(ctx, `
		SELECT c.id, c.todo_id, c.author_id, c.content, c.created_at, u.display_name, u.avatar_url
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.id=$1
	`, commentID).Scan(&c.ID, &c.TodoID, &c.AuthorID, &c.Content, &c.CreatedAt, &c.AuthorName, &c.AuthorAvatar)
	if errors.Is(err, pgx.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, todoID string) ([]Comment, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT c.id, c.todo_id, c.author_id, c.content, c.created_at, u.display_name, u.avatar_url
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.todo_id=$1
		ORDER BY c.created_at DESC
	`, todoID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TodoID, &c.AuthorID, &c.Content, &c.CreatedAt, &c.AuthorName, &c.AuthorAvatar); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.Pool.QueryRow(ctx, `
		SELECT `+prefixedUserColumns("u")+`
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.Pool.Exec(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func prefixedUserColumns(alias string) string {
	return alias + `.id, ` + alias + `.email, ` + alias + `.password_hash, ` + alias + `.display_name, ` +
		alias + `.avatar_url, ` + alias + `.picture_source, ` + alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.last_login_at`
}
