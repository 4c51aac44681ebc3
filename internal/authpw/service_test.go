package authpw

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/therings/todo-backend/internal/store"
)

type fakeUserStore struct {
	createUser         func(ctx context.Context, user store.User) error
	getUserByEmail     func(ctx context.Context, email string) (store.User, error)
	getUserByID        func(ctx context.Context, id string) (store.User, error)
	upsertExternalUser func(ctx context.Context, user store.User) (store.User, error)
	updateUserName     func(ctx context.Context, userID, name string) (store.User, error)
	updateUserPicture  func(ctx context.Context, userID, avatarURL, source string) (store.User, error)
	touchLastLogin     func(ctx context.Context, userID string) error
}

func (f *fakeUserStore) CreateUser(ctx context.Context, user store.User) error {
	return f.createUser(ctx, user)
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	return f.getUserByEmail(ctx, email)
}

func (f *fakeUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	return f.getUserByID(ctx, id)
}

func (f *fakeUserStore) UpsertExternalUser(ctx context.Context, user store.User) (store.User, error) {
	return f.upsertExternalUser(ctx, user)
}

func (f *fakeUserStore) UpdateUserName(ctx context.Context, userID, name string) (store.User, error) {
	return f.updateUserName(ctx, userID, name)
}

func (f *fakeUserStore) UpdateUserPicture(ctx context.Context, userID, avatarURL, source string) (store.User, error) {
	return f.updateUserPicture(ctx, userID, avatarURL, source)
}

func (f *fakeUserStore) TouchLastLogin(ctx context.Context, userID string) error {
	if f.touchLastLogin != nil {
		return f.touchLastLogin(ctx, userID)
	}
	return nil
}

type fakeVerifier struct {
	verify func(ctx context.Context, credential string) (Identity, error)
}

func (f *fakeVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	return f.verify(ctx, credential)
}

func TestRegisterCreatesUserWithDefaults(t *testing.T) {
	var created store.User
	svc := NewService(&fakeUserStore{
		createUser: func(_ context.Context, user store.User) error {
			created = user
			return nil
		},
	}, nil, nil)

	user, err := svc.Register(context.Background(), "  Dana@Example.COM ", "Sup3r$ecret", "Dana Scully")
	require.NoError(t, err)

	require.Equal(t, "dana@example.com", user.Email)
	require.Equal(t, "Dana Scully", user.DisplayName)
	require.True(t, strings.HasPrefix(user.ID, "usr_"))
	require.Equal(t, store.PictureDefault, user.PictureSource)
	require.True(t, strings.HasPrefix(user.AvatarURL, "data:image/svg+xml;base64,"))
	require.NotNil(t, user.PasswordHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte("Sup3r$ecret")))
	require.Equal(t, user, created)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc := NewService(&fakeUserStore{
		createUser: func(context.Context, store.User) error { return store.ErrDuplicate },
	}, nil, nil)

	_, err := svc.Register(context.Background(), "dana@example.com", "Sup3r$ecret", "Dana")
	require.ErrorIs(t, err, ErrEmailExists)
}

func TestRegisterRejectsBadEmailAndName(t *testing.T) {
	svc := NewService(&fakeUserStore{
		createUser: func(context.Context, store.User) error {
			t.Fatal("store should not be reached")
			return nil
		},
	}, nil, nil)

	_, err := svc.Register(context.Background(), "not-an-email", "Sup3r$ecret", "Dana")
	require.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.Register(context.Background(), "dana@example.com", "Sup3r$ecret", "   ")
	require.ErrorIs(t, err, ErrEmptyName)
}

func TestPasswordPolicyCollectsAllViolations(t *testing.T) {
	err := CheckPasswordPolicy("short")
	var policy *PolicyError
	require.ErrorAs(t, err, &policy)
	require.Len(t, policy.Violations, 4) // length, upper, digit, special

	err = CheckPasswordPolicy("alllowercase")
	require.ErrorAs(t, err, &policy)
	require.Len(t, policy.Violations, 3)

	require.NoError(t, CheckPasswordPolicy("G00d&Long"))
}

func TestAuthenticateMasksEveryFailureIdentically(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("Sup3r$ecret"), bcrypt.MinCost)
	require.NoError(t, err)
	hashed := string(hash)

	users := map[string]store.User{
		"dana@example.com":   {ID: "usr_1", Email: "dana@example.com", PasswordHash: &hashed},
		"google@example.com": {ID: "usr_2", Email: "google@example.com"},
	}
	svc := NewService(&fakeUserStore{
		getUserByEmail: func(_ context.Context, email string) (store.User, error) {
			user, ok := users[email]
			if !ok {
				return store.User{}, store.ErrNotFound
			}
			return user, nil
		},
	}, nil, nil)

	_, err = svc.Authenticate(context.Background(), "nobody@example.com", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(context.Background(), "dana@example.com", "wrong password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// External-only account has no hash to compare against.
	_, err = svc.Authenticate(context.Background(), "google@example.com", "Sup3r$ecret")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	user, err := svc.Authenticate(context.Background(), "Dana@Example.com", "Sup3r$ecret")
	require.NoError(t, err)
	require.Equal(t, "usr_1", user.ID)
}

func TestLoginWithGoogleUpserts(t *testing.T) {
	var upserted store.User
	svc := NewService(&fakeUserStore{
		upsertExternalUser: func(_ context.Context, user store.User) (store.User, error) {
			upserted = user
			upserted.ID = "usr_existing"
			return upserted, nil
		},
	}, &fakeVerifier{
		verify: func(_ context.Context, credential string) (Identity, error) {
			require.Equal(t, "raw-credential", credential)
			return Identity{Email: "Fox@Example.com", Name: "Fox Mulder", Picture: "https://pics/fox.jpg"}, nil
		},
	}, nil)

	user, err := svc.LoginWithGoogle(context.Background(), "raw-credential")
	require.NoError(t, err)
	require.Equal(t, "usr_existing", user.ID)
	require.Equal(t, "fox@example.com", upserted.Email)
	require.Equal(t, "Fox Mulder", upserted.DisplayName)
	require.Equal(t, "https://pics/fox.jpg", upserted.AvatarURL)
}

func TestLoginWithGoogleRejectedCredential(t *testing.T) {
	svc := NewService(&fakeUserStore{}, &fakeVerifier{
		verify: func(context.Context, string) (Identity, error) {
			return Identity{}, errors.New("signature mismatch")
		},
	}, nil)

	_, err := svc.LoginWithGoogle(context.Background(), "bad")
	require.Error(t, err)
}

func TestUpdateProfilePictureInlineFallback(t *testing.T) {
	const uri = "data:image/png;base64,aGVsbG8=" // minio not configured, stored inline
	svc := NewService(&fakeUserStore{
		updateUserPicture: func(_ context.Context, userID, avatarURL, source string) (store.User, error) {
			require.Equal(t, "usr_1", userID)
			require.Equal(t, uri, avatarURL)
			require.Equal(t, store.PictureUpload, source)
			return store.User{ID: userID, AvatarURL: avatarURL, PictureSource: source}, nil
		},
	}, nil, nil)

	user, err := svc.UpdateProfilePicture(context.Background(), store.User{ID: "usr_1"}, uri)
	require.NoError(t, err)
	require.Equal(t, store.PictureUpload, user.PictureSource)

	_, err = svc.UpdateProfilePicture(context.Background(), store.User{ID: "usr_1"}, "https://not-a-data-uri")
	require.Error(t, err)
}

func TestUpdateNameRegeneratesDefaultAvatar(t *testing.T) {
	pictureCalls := 0
	svc := NewService(&fakeUserStore{
		updateUserName: func(_ context.Context, userID, name string) (store.User, error) {
			return store.User{ID: userID, DisplayName: name, PictureSource: store.PictureDefault}, nil
		},
		updateUserPicture: func(_ context.Context, userID, avatarURL, source string) (store.User, error) {
			pictureCalls++
			require.Equal(t, store.PictureDefault, source)
			return store.User{ID: userID, DisplayName: "New Name", AvatarURL: avatarURL, PictureSource: source}, nil
		},
	}, nil, nil)

	user, err := svc.UpdateName(context.Background(), store.User{ID: "usr_1"}, "New Name")
	require.NoError(t, err)
	require.Equal(t, 1, pictureCalls)
	require.True(t, strings.HasPrefix(user.AvatarURL, "data:image/svg+xml;base64,"))

	_, err = svc.UpdateName(context.Background(), store.User{ID: "usr_1"}, "  ")
	require.ErrorIs(t, err, ErrEmptyName)
}

func TestUpdateNameKeepsUploadedPicture(t *testing.T) {
	svc := NewService(&fakeUserStore{
		updateUserName: func(_ context.Context, userID, name string) (store.User, error) {
			return store.User{ID: userID, DisplayName: name, AvatarURL: "https://pics/custom.png", PictureSource: store.PictureUpload}, nil
		},
		updateUserPicture: func(context.Context, string, string, string) (store.User, error) {
			t.Fatal("picture should not change")
			return store.User{}, nil
		},
	}, nil, nil)

	user, err := svc.UpdateName(context.Background(), store.User{ID: "usr_1"}, "New Name")
	require.NoError(t, err)
	require.Equal(t, "https://pics/custom.png", user.AvatarURL)
}
