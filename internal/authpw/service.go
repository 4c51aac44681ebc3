// Package authpw provides email/password and external-identity authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/therings/todo-backend/internal/avatar"
	"github.com/therings/todo-backend/internal/store"
	"github.com/therings/todo-backend/internal/util"
)

var (
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrEmptyName          = errors.New("name must not be empty")
)

// PolicyError lists every password rule the candidate violated, not just the
// first one.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "password rejected: " + strings.Join(e.Violations, ", ")
}

// UserStore defines the storage interface for credential operations.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	UpsertExternalUser(ctx context.Context, user store.User) (store.User, error)
	UpdateUserName(ctx context.Context, userID, name string) (store.User, error)
	UpdateUserPicture(ctx context.Context, userID, avatarURL, source string) (store.User, error)
	TouchLastLogin(ctx context.Context, userID string) error
}

// CredentialVerifier validates an external identity credential (a Google ID
// token) and returns the verified identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// Identity is what an external provider attests about a user.
type Identity struct {
	Email   string
	Name    string
	Picture string
}

// Service implements the credential store operations.
type Service struct {
	store    UserStore
	verifier CredentialVerifier
	objects  *avatar.ObjectStore // nil when MinIO is not configured
}

func NewService(userStore UserStore, verifier CredentialVerifier, objects *avatar.ObjectStore) *Service {
	return &Service{store: userStore, verifier: verifier, objects: objects}
}

// Register creates a user with a salted hash and a deterministic default
// avatar. A duplicate email surfaces as ErrEmailExists.
func (s *Service) Register(ctx context.Context, email, password, name string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	name = strings.TrimSpace(name)

	if name == "" {
		return store.User{}, ErrEmptyName
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return store.User{}, ErrInvalidEmail
	}
	if err := CheckPasswordPolicy(password); err != nil {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	hashed := string(hash)

	user := store.User{
		ID:            util.NewID("usr"),
		Email:         email,
		PasswordHash:  &hashed,
		DisplayName:   name,
		AvatarURL:     avatar.Default(name),
		PictureSource: store.PictureDefault,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.User{}, ErrEmailExists
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate verifies an email/password pair. Unknown email, missing
// password hash, and mismatched password all fail identically so callers
// cannot probe which accounts exist.
func (s *Service) Authenticate(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	_ = s.store.TouchLastLogin(ctx, user.ID)
	return user, nil
}

// LoginWithGoogle verifies the credential and upserts the account keyed by
// email. The provider's picture always overwrites name-derived defaults.
func (s *Service) LoginWithGoogle(ctx context.Context, credential string) (store.User, error) {
	if s.verifier == nil {
		return store.User{}, errors.New("google sign-in not configured")
	}
	identity, err := s.verifier.Verify(ctx, credential)
	if err != nil {
		return store.User{}, fmt.Errorf("verify credential: %w", err)
	}

	name := strings.TrimSpace(identity.Name)
	if name == "" {
		name = identity.Email
	}
	return s.store.UpsertExternalUser(ctx, store.User{
		ID:          util.NewID("usr"),
		Email:       strings.ToLower(identity.Email),
		DisplayName: name,
		AvatarURL:   identity.Picture,
	})
}

// UpdateProfilePicture validates an inline upload and stores it, in object
// storage when configured or inline on the user row otherwise.
func (s *Service) UpdateProfilePicture(ctx context.Context, user store.User, dataURI string) (store.User, error) {
	img, err := avatar.ParseDataURI(dataURI)
	if err != nil {
		return store.User{}, err
	}

	url := dataURI
	if s.objects != nil {
		url, err = s.objects.Put(ctx, user.ID, img)
		if err != nil {
			return store.User{}, err
		}
	}
	return s.store.UpdateUserPicture(ctx, user.ID, url, store.PictureUpload)
}

// ResetProfilePicture regenerates the deterministic default avatar from the
// current display name.
func (s *Service) ResetProfilePicture(ctx context.Context, user store.User) (store.User, error) {
	return s.store.UpdateUserPicture(ctx, user.ID, avatar.Default(user.DisplayName), store.PictureDefault)
}

// UpdateName changes the display name. Accounts still on the default avatar
// get it re-derived so it keeps matching the name.
func (s *Service) UpdateName(ctx context.Context, user store.User, newName string) (store.User, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return store.User{}, ErrEmptyName
	}
	updated, err := s.store.UpdateUserName(ctx, user.ID, newName)
	if err != nil {
		return store.User{}, err
	}
	if updated.PictureSource == store.PictureDefault {
		return s.store.UpdateUserPicture(ctx, user.ID, avatar.Default(newName), store.PictureDefault)
	}
	return updated, nil
}

// CheckPasswordPolicy enforces the password rules and reports every violated
// rule at once.
func CheckPasswordPolicy(password string) error {
	var violations []string
	if len(password) < 8 {
		violations = append(violations, "at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if !hasUpper {
		violations = append(violations, "an uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "a lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "a digit")
	}
	if !hasSpecial {
		violations = append(violations, "a special character")
	}
	if len(violations) > 0 {
		return &PolicyError{Violations: violations}
	}
	return nil
}
