package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/therings/todo-backend/internal/auth"
	"github.com/therings/todo-backend/internal/authpw"
	"github.com/therings/todo-backend/internal/config"
	"github.com/therings/todo-backend/internal/export"
	"github.com/therings/todo-backend/internal/search"
	"github.com/therings/todo-backend/internal/store"
	"github.com/therings/todo-backend/internal/util"
)

// Session is the authenticated caller attached to each request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	AvatarURL    string
	ExpiresAt    time.Time
}

// UpdateTodoInput is the allow-listed partial update for a todo. Absent
// fields stay untouched; anything else a client sends is dropped at decode.
type UpdateTodoInput struct {
	Title     *string `json:"title"`
	Completed *bool   `json:"completed"`
}

// ArchiveTodoInput is the caller-supplied snapshot written to the archive.
type ArchiveTodoInput struct {
	TodoID      string     `json:"todoId"`
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.UserRef, error)

	InsertTodo(context.Context, store.Todo) error
	GetTodo(context.Context, string) (store.Todo, error)
	ListVisibleTodos(context.Context, string) ([]store.TodoWithUsers, error)
	ListAssigneesForTodos(context.Context, []string) (map[string][]store.UserRef, error)
	UpdateTodoOwned(ctx context.Context, todoID, ownerID string, title *string, completed *bool) (store.Todo, error)
	DeleteTodoOwned(ctx context.Context, todoID, ownerID string) error
	IsOwnerOrAssignee(ctx context.Context, todoID, userID string) (bool, error)

	AddAssignee(ctx context.Context, todoID, userID string) error
	RemoveAssignee(ctx context.Context, todoID, userID string) error
	ListAssignees(ctx context.Context, todoID string) ([]store.UserRef, error)

	InsertDeletedTodo(context.Context, store.DeletedTodo) error
	ListDeletedTodos(ctx context.Context, ownerID string) ([]store.DeletedTodo, error)
	PurgeDeletedTodo(ctx context.Context, deletedTodoID, ownerID string) error

	InsertComment(context.Context, store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, todoID string) ([]store.Comment, error)
	DeleteComment(ctx context.Context, commentID string) error

	Ping(ctx context.Context) error
}

// SessionStore persists refresh tokens. Served by Redis when configured,
// otherwise by the refresh_sessions table.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	creds    *authpw.Service
	search   *search.Service
	exporter *export.Service
	log      *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, creds *authpw.Service, searchSvc *search.Service, log *zap.Logger) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		creds:    creds,
		search:   searchSvc,
		log:      log,
	}
	svc.exporter = export.NewService(&exportStore{store: svc.store})
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Auth and profile operations

func (s *Service) Register(ctx context.Context, email, password, name string) (map[string]any, error) {
	user, err := s.creds.Register(ctx, email, password, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message": "Account created",
		"user":    userView(user),
	}, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (map[string]any, error) {
	user, err := s.creds.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.sessionPayload(ctx, user)
}

func (s *Service) LoginWithGoogle(ctx context.Context, credential string) (map[string]any, error) {
	user, err := s.creds.LoginWithGoogle(ctx, credential)
	if err != nil {
		return nil, err
	}
	return s.sessionPayload(ctx, user)
}

// RefreshSession rotates the refresh token: the presented token is revoked
// and a fresh pair is issued.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (map[string]any, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return nil, errUnauthorized("Refresh token invalid")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return nil, err
	}
	return s.sessionPayload(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
		s.log.Warn("revoke refresh session", zap.Error(err))
	}
}

func (s *Service) sessionPayload(ctx context.Context, user store.User) (map[string]any, error) {
	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user":         userView(user),
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
	}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return Session{}, err
	}
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		AvatarURL:    user.AvatarURL,
		ExpiresAt:    time.Now().Add(s.cfg.AccessTTL),
	}, nil
}

// newRefreshToken returns an opaque 256-bit token. Only its hash is stored.
func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return "rft_" + hex.EncodeToString(buf), nil
}

// SessionFromToken verifies the access token and resolves the user it names.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	userID, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
	}, nil
}

func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userView(user)}, nil
}

func (s *Service) UpdateProfilePicture(ctx context.Context, session Session, pictureURL string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	updated, err := s.creds.UpdateProfilePicture(ctx, user, pictureURL)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userView(updated)}, nil
}

func (s *Service) ResetProfilePicture(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	updated, err := s.creds.ResetProfilePicture(ctx, user)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userView(updated)}, nil
}

func (s *Service) UpdateName(ctx context.Context, session Session, name string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	updated, err := s.creds.UpdateName(ctx, user, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"user": userView(updated)}, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(users))
	for _, user := range users {
		views = append(views, userRefView(user))
	}
	return views, nil
}

// Todo lifecycle

func (s *Service) ListTodos(ctx context.Context, session Session) (map[string]any, error) {
	todos, err := s.store.ListVisibleTodos(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(todos))
	for _, todo := range todos {
		ids = append(ids, todo.ID)
	}
	assigneesByTodo, err := s.store.ListAssigneesForTodos(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]map[string]any, 0, len(todos))
	for _, todo := range todos {
		views = append(views, todoView(todo.Todo, todo.Owner, assigneesByTodo[todo.ID], session.UserID))
	}
	return map[string]any{"todos": views}, nil
}

func (s *Service) CreateTodo(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errValidation("title is required")
	}

	todo := store.Todo{
		ID:        util.NewID("todo"),
		Title:     title,
		OwnerID:   session.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.store.InsertTodo(ctx, todo); err != nil {
		return nil, err
	}

	s.indexTodo(todo, nil)

	owner := store.UserRef{ID: session.UserID, Name: session.UserName, Avatar: session.AvatarURL}
	return map[string]any{"todo": todoView(todo, owner, nil, session.UserID)}, nil
}

// UpdateTodo applies the allow-listed partial update, scoped to the owner. A
// non-owner request comes back as NotFound, assignees included.
func (s *Service) UpdateTodo(ctx context.Context, session Session, todoID string, input UpdateTodoInput) (map[string]any, error) {
	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return nil, errValidation("title must not be empty")
	}

	todo, err := s.store.UpdateTodoOwned(ctx, todoID, session.UserID, input.Title, input.Completed)
	if err != nil {
		return nil, err
	}

	assignees, err := s.store.ListAssignees(ctx, todoID)
	if err != nil {
		return nil, err
	}
	s.indexTodo(todo, assignees)

	owner := store.UserRef{ID: session.UserID, Name: session.UserName, Avatar: session.AvatarURL}
	return map[string]any{"todo": todoView(todo, owner, assignees, session.UserID)}, nil
}

// SoftDeleteTodo removes the live todo. Writing the archive snapshot is a
// separate call made by the client beforehand.
func (s *Service) SoftDeleteTodo(ctx context.Context, session Session, todoID string) error {
	if err := s.store.DeleteTodoOwned(ctx, todoID, session.UserID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTodo(todoID)
	}
	return nil
}

func (s *Service) ArchiveTodo(ctx context.Context, session Session, input ArchiveTodoInput) (map[string]any, error) {
	if strings.TrimSpace(input.TodoID) == "" {
		return nil, errValidation("todoId is required")
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, errValidation("title is required")
	}

	item := store.DeletedTodo{
		ID:          util.NewID("arch"),
		TodoID:      input.TodoID,
		Title:       input.Title,
		Completed:   input.Completed,
		OwnerID:     session.UserID,
		CreatedAt:   input.CreatedAt,
		UpdatedAt:   input.UpdatedAt,
		CompletedAt: input.CompletedAt,
		DeletedAt:   time.Now(),
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if err := s.store.InsertDeletedTodo(ctx, item); err != nil {
		return nil, err
	}
	return map[string]any{"deletedTodo": deletedTodoView(item)}, nil
}

func (s *Service) ListArchivedTodos(ctx context.Context, session Session) (map[string]any, error) {
	items, err := s.store.ListDeletedTodos(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		views = append(views, deletedTodoView(item))
	}
	return map[string]any{"deletedTodos": views}, nil
}

func (s *Service) PurgeArchivedTodo(ctx context.Context, session Session, deletedTodoID string) error {
	return s.store.PurgeDeletedTodo(ctx, deletedTodoID, session.UserID)
}

// Collaboration

// Assign adds a user to a todo's assignee set. Only the owner may assign, and
// a non-owner request is indistinguishable from a missing todo.
func (s *Service) Assign(ctx context.Context, session Session, todoID, userID string) (map[string]any, error) {
	todo, err := s.requireOwnedTodo(ctx, session, todoID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, errNotFound("User not found")
	}
	if err := s.store.AddAssignee(ctx, todoID, userID); err != nil {
		return nil, err
	}
	return s.assigneesPayload(ctx, todo)
}

func (s *Service) Unassign(ctx context.Context, session Session, todoID, userID string) (map[string]any, error) {
	todo, err := s.requireOwnedTodo(ctx, session, todoID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RemoveAssignee(ctx, todoID, userID); err != nil {
		return nil, err
	}
	return s.assigneesPayload(ctx, todo)
}

func (s *Service) ListTodoAssignees(ctx context.Context, session Session, todoID string) (map[string]any, error) {
	if err := s.requireVisibleTodo(ctx, session, todoID); err != nil {
		return nil, err
	}
	assignees, err := s.store.ListAssignees(ctx, todoID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"assignedUsers": userRefViews(assignees)}, nil
}

func (s *Service) assigneesPayload(ctx context.Context, todo store.Todo) (map[string]any, error) {
	assignees, err := s.store.ListAssignees(ctx, todo.ID)
	if err != nil {
		return nil, err
	}
	s.indexTodo(todo, assignees)
	return map[string]any{"assignedUsers": userRefViews(assignees)}, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, todoID string) (map[string]any, error) {
	if err := s.requireVisibleTodo(ctx, session, todoID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, todoID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		views = append(views, commentView(comment))
	}
	return map[string]any{"comments": views}, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, todoID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errValidation("content is required")
	}
	if err := s.requireVisibleTodo(ctx, session, todoID); err != nil {
		return nil, err
	}

	comment := store.Comment{
		ID:           util.NewID("cmt"),
		TodoID:       todoID,
		AuthorID:     session.UserID,
		Content:      content,
		CreatedAt:    time.Now(),
		AuthorName:   session.UserName,
		AuthorAvatar: session.AvatarURL,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	s.indexComment(ctx, comment)
	return map[string]any{"comment": commentView(comment)}, nil
}

// DeleteComment enforces the author-or-owner rule. An assignee who is neither
// gets Forbidden.
func (s *Service) DeleteComment(ctx context.Context, session Session, todoID, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.TodoID != todoID {
		return errNotFound("Comment not found")
	}
	todo, err := s.store.GetTodo(ctx, todoID)
	if err != nil {
		return err
	}
	if session.UserID != comment.AuthorID && session.UserID != todo.OwnerID {
		return errForbidden("Only the comment author or the todo owner may delete a comment")
	}
	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

// Search and export

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:       text,
		UserID:     session.UserID,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
		Offset:     offset,
	}), nil
}

func (s *Service) Export(ctx context.Context, session Session, format string, includeComments bool) (*export.Result, error) {
	return s.exporter.Export(ctx, export.Request{
		UserID:          session.UserID,
		UserName:        session.UserName,
		Format:          export.Format(format),
		IncludeComments: includeComments,
	})
}

// helpers

func (s *Service) requireOwnedTodo(ctx context.Context, session Session, todoID string) (store.Todo, error) {
	todo, err := s.store.GetTodo(ctx, todoID)
	if err != nil {
		return store.Todo{}, err
	}
	if todo.OwnerID != session.UserID {
		return store.Todo{}, errNotFound("Todo not found")
	}
	return todo, nil
}

func (s *Service) requireVisibleTodo(ctx context.Context, session Session, todoID string) error {
	visible, err := s.store.IsOwnerOrAssignee(ctx, todoID, session.UserID)
	if err != nil {
		return err
	}
	if !visible {
		return errNotFound("Todo not found")
	}
	return nil
}

func (s *Service) indexTodo(todo store.Todo, assignees []store.UserRef) {
	if s.search == nil {
		return
	}
	visibleTo := []string{todo.OwnerID}
	for _, ref := range assignees {
		visibleTo = append(visibleTo, ref.ID)
	}
	s.search.IndexTodo(search.TodoRecord{
		ID:        todo.ID,
		Title:     todo.Title,
		OwnerID:   todo.OwnerID,
		Completed: todo.Completed,
		VisibleTo: visibleTo,
	})
}

func (s *Service) indexComment(ctx context.Context, comment store.Comment) {
	if s.search == nil {
		return
	}
	todo, err := s.store.GetTodo(ctx, comment.TodoID)
	if err != nil {
		return
	}
	assignees, err := s.store.ListAssignees(ctx, comment.TodoID)
	if err != nil {
		return
	}
	visibleTo := []string{todo.OwnerID}
	for _, ref := range assignees {
		visibleTo = append(visibleTo, ref.ID)
	}
	s.search.IndexComment(search.CommentRecord{
		ID:        comment.ID,
		Body:      comment.Content,
		TodoID:    comment.TodoID,
		OwnerID:   todo.OwnerID,
		VisibleTo: visibleTo,
	})
}

// exportStore adapts the data store to the exporter's view of the world.
type exportStore struct {
	store dataStore
}

func (e *exportStore) ListExportItems(ctx context.Context, userID string) ([]export.Item, error) {
	todos, err := e.store.ListVisibleTodos(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(todos))
	for _, todo := range todos {
		ids = append(ids, todo.ID)
	}
	assigneesByTodo, err := e.store.ListAssigneesForTodos(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]export.Item, 0, len(todos))
	for _, todo := range todos {
		names := make([]string, 0, len(assigneesByTodo[todo.ID]))
		for _, ref := range assigneesByTodo[todo.ID] {
			names = append(names, ref.Name)
		}
		items = append(items, export.Item{
			ID:          todo.ID,
			Title:       todo.Title,
			OwnerName:   todo.Owner.Name,
			Assignees:   names,
			Completed:   todo.Completed,
			CreatedAt:   todo.CreatedAt,
			CompletedAt: todo.CompletedAt,
		})
	}
	return items, nil
}

func (e *exportStore) ListExportComments(ctx context.Context, todoID string) ([]export.CommentItem, error) {
	comments, err := e.store.ListComments(ctx, todoID)
	if err != nil {
		return nil, err
	}
	items := make([]export.CommentItem, 0, len(comments))
	for _, comment := range comments {
		items = append(items, export.CommentItem{
			Author:    comment.AuthorName,
			Body:      comment.Content,
			CreatedAt: comment.CreatedAt,
		})
	}
	return items, nil
}

// views

func userView(user store.User) map[string]any {
	var lastLogin any
	if user.LastLoginAt != nil {
		lastLogin = user.LastLoginAt.Unix()
	}
	return map[string]any{
		"id":            user.ID,
		"email":         user.Email,
		"name":          user.DisplayName,
		"avatar":        user.AvatarURL,
		"pictureSource": user.PictureSource,
		"lastLoginAt":   lastLogin,
	}
}

func userRefView(ref store.UserRef) map[string]any {
	return map[string]any{
		"id":     ref.ID,
		"name":   ref.Name,
		"avatar": ref.Avatar,
	}
}

func userRefViews(refs []store.UserRef) []map[string]any {
	views := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		views = append(views, userRefView(ref))
	}
	return views
}

func todoView(todo store.Todo, owner store.UserRef, assignees []store.UserRef, viewerID string) map[string]any {
	var updatedAt, completedAt any
	if todo.UpdatedAt != nil {
		updatedAt = todo.UpdatedAt.Unix()
	}
	if todo.CompletedAt != nil {
		completedAt = todo.CompletedAt.Unix()
	}

	isAssigned := false
	for _, ref := range assignees {
		if ref.ID == viewerID {
			isAssigned = true
			break
		}
	}

	return map[string]any{
		"id":            todo.ID,
		"title":         todo.Title,
		"completed":     todo.Completed,
		"createdAt":     todo.CreatedAt.Unix(),
		"updatedAt":     updatedAt,
		"completedAt":   completedAt,
		"owner":         userRefView(owner),
		"assignedUsers": userRefViews(assignees),
		"isCreator":     todo.OwnerID == viewerID,
		"isAssigned":    isAssigned,
	}
}

func deletedTodoView(item store.DeletedTodo) map[string]any {
	var updatedAt, completedAt any
	if item.UpdatedAt != nil {
		updatedAt = item.UpdatedAt.Unix()
	}
	if item.CompletedAt != nil {
		completedAt = item.CompletedAt.Unix()
	}
	return map[string]any{
		"id":          item.ID,
		"todoId":      item.TodoID,
		"title":       item.Title,
		"completed":   item.Completed,
		"createdAt":   item.CreatedAt.Unix(),
		"updatedAt":   updatedAt,
		"completedAt": completedAt,
		"deletedAt":   item.DeletedAt.Unix(),
	}
}

func commentView(comment store.Comment) map[string]any {
	return map[string]any{
		"id":        comment.ID,
		"todoId":    comment.TodoID,
		"content":   comment.Content,
		"createdAt": comment.CreatedAt.Unix(),
		"author": map[string]any{
			"id":     comment.AuthorID,
			"name":   comment.AuthorName,
			"avatar": comment.AuthorAvatar,
		},
	}
}
