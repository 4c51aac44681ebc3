package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/therings/todo-backend/internal/authpw"
	"github.com/therings/todo-backend/internal/export"
	"github.com/therings/todo-backend/internal/store"
)

// memStore is a map-backed store for exercising full request flows through
// the HTTP layer without Postgres.
type memStore struct {
	mu        sync.Mutex
	users     map[string]store.User            // by ID
	todos     map[string]store.Todo            // by ID
	assignees map[string]map[string]struct{}   // todoID -> userID set
	deleted   map[string]store.DeletedTodo     // by ID
	comments  map[string]store.Comment         // by ID
	refresh   map[string]store.User            // token hash -> user
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[string]store.User{},
		todos:     map[string]store.Todo{},
		assignees: map[string]map[string]struct{}{},
		deleted:   map[string]store.DeletedTodo{},
		comments:  map[string]store.Comment{},
		refresh:   map[string]store.User{},
	}
}

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return store.ErrDuplicate
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memStore) UpsertExternalUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.users {
		if existing.Email == user.Email {
			existing.DisplayName = user.DisplayName
			m.users[id] = existing
			return existing, nil
		}
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) UpdateUserName(_ context.Context, userID, name string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	user.DisplayName = name
	m.users[userID] = user
	return user, nil
}

func (m *memStore) UpdateUserPicture(_ context.Context, userID, avatarURL, source string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	user.AvatarURL = avatarURL
	user.PictureSource = source
	m.users[userID] = user
	return user, nil
}

func (m *memStore) TouchLastLogin(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		now := time.Now()
		user.LastLoginAt = &now
		m.users[userID] = user
	}
	return nil
}

func (m *memStore) ListUsers(context.Context) ([]store.UserRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]store.UserRef, 0, len(m.users))
	for _, user := range m.users {
		refs = append(refs, store.UserRef{ID: user.ID, Name: user.DisplayName, Avatar: user.AvatarURL})
	}
	return refs, nil
}

func (m *memStore) InsertTodo(_ context.Context, todo store.Todo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.todos[todo.ID] = todo
	return nil
}

func (m *memStore) GetTodo(_ context.Context, todoID string) (store.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo, ok := m.todos[todoID]
	if !ok {
		return store.Todo{}, store.ErrNotFound
	}
	return todo, nil
}

func (m *memStore) ListVisibleTodos(_ context.Context, userID string) ([]store.TodoWithUsers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TodoWithUsers
	for _, todo := range m.todos {
		_, assigned := m.assignees[todo.ID][userID]
		if todo.OwnerID != userID && !assigned {
			continue
		}
		owner := m.users[todo.OwnerID]
		out = append(out, store.TodoWithUsers{
			Todo:  todo,
			Owner: store.UserRef{ID: owner.ID, Name: owner.DisplayName, Avatar: owner.AvatarURL},
		})
	}
	return out, nil
}

func (m *memStore) ListAssigneesForTodos(ctx context.Context, todoIDs []string) (map[string][]store.UserRef, error) {
	out := map[string][]store.UserRef{}
	for _, todoID := range todoIDs {
		refs, err := m.ListAssignees(ctx, todoID)
		if err != nil {
			return nil, err
		}
		if len(refs) > 0 {
			out[todoID] = refs
		}
	}
	return out, nil
}

func (m *memStore) UpdateTodoOwned(_ context.Context, todoID, ownerID string, title *string, completed *bool) (store.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo, ok := m.todos[todoID]
	if !ok || todo.OwnerID != ownerID {
		return store.Todo{}, store.ErrNotFound
	}
	now := time.Now()
	if title != nil {
		todo.Title = *title
		todo.UpdatedAt = &now
	}
	if completed != nil {
		todo.Completed = *completed
		if *completed {
			todo.CompletedAt = &now
		} else {
			todo.CompletedAt = nil
		}
	}
	m.todos[todoID] = todo
	return todo, nil
}

func (m *memStore) DeleteTodoOwned(_ context.Context, todoID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo, ok := m.todos[todoID]
	if !ok || todo.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(m.todos, todoID)
	delete(m.assignees, todoID)
	return nil
}

func (m *memStore) IsOwnerOrAssignee(_ context.Context, todoID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo, ok := m.todos[todoID]
	if !ok {
		return false, nil
	}
	if todo.OwnerID == userID {
		return true, nil
	}
	_, assigned := m.assignees[todoID][userID]
	return assigned, nil
}

func (m *memStore) AddAssignee(_ context.Context, todoID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignees[todoID] == nil {
		m.assignees[todoID] = map[string]struct{}{}
	}
	m.assignees[todoID][userID] = struct{}{}
	return nil
}

func (m *memStore) RemoveAssignee(_ context.Context, todoID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignees[todoID], userID)
	return nil
}

func (m *memStore) ListAssignees(_ context.Context, todoID string) ([]store.UserRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []store.UserRef
	for userID := range m.assignees[todoID] {
		user := m.users[userID]
		refs = append(refs, store.UserRef{ID: user.ID, Name: user.DisplayName, Avatar: user.AvatarURL})
	}
	return refs, nil
}

func (m *memStore) InsertDeletedTodo(_ context.Context, item store.DeletedTodo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[item.ID] = item
	return nil
}

func (m *memStore) ListDeletedTodos(_ context.Context, ownerID string) ([]store.DeletedTodo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.DeletedTodo
	for _, item := range m.deleted {
		if item.OwnerID == ownerID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *memStore) PurgeDeletedTodo(_ context.Context, deletedTodoID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.deleted[deletedTodoID]
	if !ok || item.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(m.deleted, deletedTodoID)
	return nil
}

func (m *memStore) InsertComment(_ context.Context, comment store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[comment.ID] = comment
	return nil
}

func (m *memStore) GetComment(_ context.Context, commentID string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[commentID]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	return comment, nil
}

func (m *memStore) ListComments(_ context.Context, todoID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Comment
	for _, comment := range m.comments {
		if comment.TodoID == todoID {
			out = append(out, comment)
		}
	}
	return out, nil
}

func (m *memStore) DeleteComment(_ context.Context, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.comments, commentID)
	return nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = user
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.refresh[tokenHash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func newFlowHandler() http.Handler {
	mem := newMemStore()
	svc := &Service{
		cfg:      testConfig(),
		store:    mem,
		sessions: mem,
		creds:    authpw.NewService(mem, nil, nil),
		log:      zap.NewNop(),
	}
	svc.exporter = export.NewService(&exportStore{store: mem})
	return NewHTTPServer(svc, []string{"*"}, zap.NewNop()).Handler()
}

func registerAndLogin(t *testing.T, handler http.Handler, email, name string) (token string, userID string) {
	t.Helper()
	recorder := doRequest(t, handler, http.MethodPost, "/api/users/register", "", map[string]string{
		"email":    email,
		"password": "S3cure&Pass",
		"name":     name,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register %s: status = %d, body = %s", email, recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/users/login", "", map[string]string{
		"email":    email,
		"password": "S3cure&Pass",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("login %s: status = %d, body = %s", email, recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	user := payload["user"].(map[string]any)
	return payload["token"].(string), user["id"].(string)
}

func TestCollaborationFlow(t *testing.T) {
	handler := newFlowHandler()

	ownerToken, _ := registerAndLogin(t, handler, "dana@example.com", "Dana")
	helperToken, helperID := registerAndLogin(t, handler, "fox@example.com", "Fox")

	// Owner creates a todo.
	recorder := doRequest(t, handler, http.MethodPost, "/api/todos", ownerToken, map[string]string{"title": "Ship release"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create todo: status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	todo := decodeResponse(t, recorder)["todo"].(map[string]any)
	todoID := todo["id"].(string)
	if todo["completed"] != false || todo["completedAt"] != nil {
		t.Errorf("fresh todo state wrong: %+v", todo)
	}

	// Helper cannot see it yet.
	recorder = doRequest(t, handler, http.MethodGet, "/api/todos", helperToken, nil)
	if todos := decodeResponse(t, recorder)["todos"].([]any); len(todos) != 0 {
		t.Fatalf("helper sees %d todos before assignment", len(todos))
	}

	// Helper cannot edit or comment on it either.
	recorder = doRequest(t, handler, http.MethodPut, "/api/todos/"+todoID, helperToken, map[string]any{"completed": true})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("helper edit before assignment: status = %d", recorder.Code)
	}
	recorder = doRequest(t, handler, http.MethodPost, "/api/todos/"+todoID+"/comments", helperToken, map[string]string{"content": "hi"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("helper comment before assignment: status = %d", recorder.Code)
	}

	// Owner assigns the helper.
	recorder = doRequest(t, handler, http.MethodPost, "/api/todos/"+todoID+"/assign", ownerToken, map[string]string{"userId": helperID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("assign: status = %d, body = %s", recorder.Code, recorder.Body.String())
	}

	// Now the helper sees it, flagged as assigned but not creator.
	recorder = doRequest(t, handler, http.MethodGet, "/api/todos", helperToken, nil)
	todos := decodeResponse(t, recorder)["todos"].([]any)
	if len(todos) != 1 {
		t.Fatalf("helper sees %d todos after assignment", len(todos))
	}
	shared := todos[0].(map[string]any)
	if shared["isCreator"] != false || shared["isAssigned"] != true {
		t.Errorf("helper flags wrong: %+v", shared)
	}

	// Assignment still does not grant edit rights.
	recorder = doRequest(t, handler, http.MethodPut, "/api/todos/"+todoID, helperToken, map[string]any{"completed": true})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("helper edit after assignment: status = %d", recorder.Code)
	}

	// But it grants commenting.
	recorder = doRequest(t, handler, http.MethodPost, "/api/todos/"+todoID+"/comments", helperToken, map[string]string{"content": "on it"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("helper comment: status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	commentID := decodeResponse(t, recorder)["comment"].(map[string]any)["id"].(string)

	// The owner may delete the helper's comment.
	recorder = doRequest(t, handler, http.MethodDelete, fmt.Sprintf("/api/todos/%s/comments/%s", todoID, commentID), ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("owner delete comment: status = %d, body = %s", recorder.Code, recorder.Body.String())
	}

	// Owner completes the todo.
	recorder = doRequest(t, handler, http.MethodPut, "/api/todos/"+todoID, ownerToken, map[string]any{"completed": true})
	if recorder.Code != http.StatusOK {
		t.Fatalf("complete: status = %d", recorder.Code)
	}
	updated := decodeResponse(t, recorder)["todo"].(map[string]any)
	if updated["completed"] != true || updated["completedAt"] == nil {
		t.Errorf("completion state wrong: %+v", updated)
	}
	// Completion alone must not count as an edit.
	if updated["updatedAt"] != nil {
		t.Errorf("completion must not touch updatedAt: %+v", updated)
	}

	// A title change does.
	recorder = doRequest(t, handler, http.MethodPut, "/api/todos/"+todoID, ownerToken, map[string]any{"title": "Ship the release"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("rename: status = %d", recorder.Code)
	}
	renamed := decodeResponse(t, recorder)["todo"].(map[string]any)
	if renamed["title"] != "Ship the release" {
		t.Errorf("title not applied: %+v", renamed)
	}
	if renamed["updatedAt"] == nil {
		t.Errorf("title change must refresh updatedAt: %+v", renamed)
	}
	if renamed["completedAt"] == nil {
		t.Errorf("title change must keep completedAt: %+v", renamed)
	}

	// Owner archives a snapshot, then deletes the live todo.
	recorder = doRequest(t, handler, http.MethodPost, "/api/deleted-todos", ownerToken, map[string]any{
		"todoId":    todoID,
		"title":     "Ship release",
		"completed": true,
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("archive: status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	archiveID := decodeResponse(t, recorder)["deletedTodo"].(map[string]any)["id"].(string)

	recorder = doRequest(t, handler, http.MethodDelete, "/api/todos/"+todoID, ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete todo: status = %d", recorder.Code)
	}

	// The archive is private to the owner.
	recorder = doRequest(t, handler, http.MethodGet, "/api/deleted-todos", helperToken, nil)
	if items := decodeResponse(t, recorder)["deletedTodos"].([]any); len(items) != 0 {
		t.Fatalf("helper sees %d archived todos", len(items))
	}
	recorder = doRequest(t, handler, http.MethodGet, "/api/deleted-todos", ownerToken, nil)
	if items := decodeResponse(t, recorder)["deletedTodos"].([]any); len(items) != 1 {
		t.Fatalf("owner sees %d archived todos", len(items))
	}

	// Purge is owner-only too.
	recorder = doRequest(t, handler, http.MethodDelete, "/api/deleted-todos/"+archiveID, helperToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("helper purge: status = %d", recorder.Code)
	}
	recorder = doRequest(t, handler, http.MethodDelete, "/api/deleted-todos/"+archiveID, ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("owner purge: status = %d", recorder.Code)
	}
}

func TestRefreshAndLogoutFlow(t *testing.T) {
	handler := newFlowHandler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/users/register", "", map[string]string{
		"email":    "dana@example.com",
		"password": "S3cure&Pass",
		"name":     "Dana",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register: status = %d", recorder.Code)
	}
	recorder = doRequest(t, handler, http.MethodPost, "/api/users/login", "", map[string]string{
		"email":    "dana@example.com",
		"password": "S3cure&Pass",
	})
	refreshToken := decodeResponse(t, recorder)["refreshToken"].(string)

	// Refresh rotates the token.
	recorder = doRequest(t, handler, http.MethodPost, "/api/users/refresh", "", map[string]string{"refreshToken": refreshToken})
	if recorder.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d, body = %s", recorder.Code, recorder.Body.String())
	}
	rotated := decodeResponse(t, recorder)["refreshToken"].(string)
	if rotated == refreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// The old token is dead.
	recorder = doRequest(t, handler, http.MethodPost, "/api/users/refresh", "", map[string]string{"refreshToken": refreshToken})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: status = %d", recorder.Code)
	}

	// Logout revokes the rotated one.
	recorder = doRequest(t, handler, http.MethodPost, "/api/users/logout", "", map[string]string{"refreshToken": rotated})
	if recorder.Code != http.StatusOK {
		t.Fatalf("logout: status = %d", recorder.Code)
	}
	recorder = doRequest(t, handler, http.MethodPost, "/api/users/refresh", "", map[string]string{"refreshToken": rotated})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: status = %d", recorder.Code)
	}
}
