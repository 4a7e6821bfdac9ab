package userstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate"
)

func newTestStore(t *testing.T) *Redis {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
}

func sampleData(identity string) keygate.ProviderData {
	return keygate.ProviderData{
		Identity: identity,
		Name:     "Alice Smith",
		Emails:   []string{"alice@example.com"},
		Custom: map[string]any{
			keygate.KeyHashedPassword: "$argon2id$...",
		},
	}
}

func TestCreateAndUserData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, keygate.ProviderEmail, sampleData("alice@example.com"))
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero user id")
	}

	data, err := store.UserData(ctx, keygate.ProviderEmail, id)
	if err != nil {
		t.Fatalf("UserData failed: %v", err)
	}
	if data.Identity != "alice@example.com" || data.Name != "Alice Smith" {
		t.Fatalf("unexpected record: %+v", data)
	}
	if _, ok := data.CustomString(keygate.KeyHashedPassword); !ok {
		t.Fatal("expected hashed password custom key")
	}
}

func TestUserDataUnknown(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.UserData(context.Background(), keygate.ProviderEmail, 99); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDuplicateIdentityRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateUser(ctx, keygate.ProviderEmail, sampleData("alice@example.com")); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := store.CreateUser(ctx, keygate.ProviderEmail, sampleData("alice@example.com")); !errors.Is(err, keygate.ErrIdentityTaken) {
		t.Fatalf("expected ErrIdentityTaken, got %v", err)
	}
}

func TestConcurrentDuplicateIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateUser(ctx, keygate.ProviderEmail, sampleData("race@example.com"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, keygate.ErrIdentityTaken):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (losses %d)", wins, losses)
	}
}

func TestUserDataByIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateUser(ctx, keygate.ProviderEmail, sampleData("alice@example.com"))
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	id, data, err := store.UserDataByIdentity(ctx, keygate.ProviderEmail, "alice@example.com")
	if err != nil {
		t.Fatalf("UserDataByIdentity failed: %v", err)
	}
	if id != created || data.Name != "Alice Smith" {
		t.Fatalf("unexpected result: id=%d data=%+v", id, data)
	}

	if _, _, err := store.UserDataByIdentity(ctx, keygate.ProviderEmail, "bob@example.com"); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUserDataByEmailAndVerified(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := sampleData("alice@example.com")
	data.VerifiedEmails = []string{"alice@example.com"}

	created, err := store.CreateUser(ctx, keygate.ProviderEmail, data)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	id, _, err := store.UserDataByEmail(ctx, keygate.ProviderEmail, "alice@example.com")
	if err != nil || id != created {
		t.Fatalf("UserDataByEmail: id=%d err=%v", id, err)
	}

	id, _, err = store.UserDataByVerifiedEmail(ctx, keygate.ProviderEmail, "alice@example.com")
	if err != nil || id != created {
		t.Fatalf("UserDataByVerifiedEmail: id=%d err=%v", id, err)
	}

	if _, _, err := store.UserDataByVerifiedEmail(ctx, keygate.ProviderEmail, "nobody@example.com"); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUserDataByEmailPicksLowestID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := keygate.ProviderData{Emails: []string{"shared@example.com"}}
	second := keygate.ProviderData{Emails: []string{"shared@example.com"}}

	firstID, err := store.CreateUser(ctx, keygate.ProviderEmail, first)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if _, err := store.CreateUser(ctx, keygate.ProviderEmail, second); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	id, _, err := store.UserDataByEmail(ctx, keygate.ProviderEmail, "shared@example.com")
	if err != nil {
		t.Fatalf("UserDataByEmail failed: %v", err)
	}
	if id != firstID {
		t.Fatalf("expected lowest id %d, got %d", firstID, id)
	}
}

func TestUpdateReplacesRecordAndIndexes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, keygate.ProviderEmail, sampleData("alice@example.com"))
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	updated := keygate.ProviderData{
		Identity:       "alice@example.com",
		Name:           "Alice Smith",
		Emails:         []string{"alice@new.example.com"},
		VerifiedEmails: []string{"alice@new.example.com"},
		Custom: map[string]any{
			keygate.KeyHashedPassword: "$argon2id$new",
		},
	}
	if err := store.UpdateUser(ctx, keygate.ProviderEmail, id, updated); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}

	// old email index gone
	if _, _, err := store.UserDataByEmail(ctx, keygate.ProviderEmail, "alice@example.com"); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected stale email index removed, got %v", err)
	}

	gotID, data, err := store.UserDataByVerifiedEmail(ctx, keygate.ProviderEmail, "alice@new.example.com")
	if err != nil || gotID != id {
		t.Fatalf("new verified email lookup: id=%d err=%v", gotID, err)
	}
	if hash, _ := data.CustomString(keygate.KeyHashedPassword); hash != "$argon2id$new" {
		t.Fatalf("expected replaced record, got %+v", data)
	}

	count, err := store.CountVerifiedEmail(ctx, "alice@new.example.com")
	if err != nil || count != 1 {
		t.Fatalf("CountVerifiedEmail: count=%d err=%v", count, err)
	}
}

func TestUpdateUnknownUser(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateUser(context.Background(), keygate.ProviderEmail, 42, sampleData("x@example.com"))
	if !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUpgradeAddsProviderRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// imported subscriber: subscription row plus identity-less email row
	sub := keygate.ProviderData{
		Custom: map[string]any{
			keygate.KeySubscriptionConfirmationCode: []any{"promo-code-1"},
		},
	}
	id, err := store.CreateUser(ctx, keygate.ProviderSubscription, sub)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	emailRow := keygate.ProviderData{Emails: []string{"sub@example.com"}}
	if err := store.UpdateUser(ctx, keygate.ProviderEmail, id, emailRow); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}

	gotID, _, err := store.UserDataByCustomAttribute(
		ctx, keygate.ProviderSubscription, keygate.KeySubscriptionConfirmationCode, "promo-code-1")
	if err != nil || gotID != id {
		t.Fatalf("custom attribute lookup: id=%d err=%v", gotID, err)
	}

	gotID, data, err := store.UserDataByEmail(ctx, keygate.ProviderEmail, "sub@example.com")
	if err != nil || gotID != id {
		t.Fatalf("email lookup: id=%d err=%v", gotID, err)
	}
	if data.Identity != "" {
		t.Fatalf("imported row must have no identity, got %q", data.Identity)
	}
}

func TestCustomAttributeStringValue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := sampleData("alice@example.com")
	data.SetCustom(keygate.KeyEmailConfirmationCode, "code-abc")

	id, err := store.CreateUser(ctx, keygate.ProviderEmail, data)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	gotID, _, err := store.UserDataByCustomAttribute(
		ctx, keygate.ProviderEmail, keygate.KeyEmailConfirmationCode, "code-abc")
	if err != nil || gotID != id {
		t.Fatalf("custom attribute lookup: id=%d err=%v", gotID, err)
	}
}

func TestConsumeCustomAttribute(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := sampleData("alice@example.com")
	data.SetCustom(keygate.KeyPasswordResetCode, "reset-xyz")

	id, err := store.CreateUser(ctx, keygate.ProviderEmail, data)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	gotID, err := store.ConsumeCustomAttribute(ctx, keygate.ProviderEmail, keygate.KeyPasswordResetCode, "reset-xyz")
	if err != nil {
		t.Fatalf("ConsumeCustomAttribute failed: %v", err)
	}
	if gotID != id {
		t.Fatalf("expected id %d, got %d", id, gotID)
	}

	// spent: second consume and lookups both miss
	if _, err := store.ConsumeCustomAttribute(ctx, keygate.ProviderEmail, keygate.KeyPasswordResetCode, "reset-xyz"); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound on second consume, got %v", err)
	}
	if _, _, err := store.UserDataByCustomAttribute(ctx, keygate.ProviderEmail, keygate.KeyPasswordResetCode, "reset-xyz"); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound after consume, got %v", err)
	}
}

func TestConsumeCustomAttributeSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := sampleData("alice@example.com")
	data.SetCustom(keygate.KeyPasswordResetCode, "reset-race")
	if _, err := store.CreateUser(ctx, keygate.ProviderEmail, data); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeCustomAttribute(ctx, keygate.ProviderEmail, keygate.KeyPasswordResetCode, "reset-race")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, keygate.ErrUserNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestTimestampSurvivesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sentAt := time.Unix(0, 1724673001234567891)
	data := sampleData("alice@example.com")
	data.SetCustomTime(keygate.KeyEmailConfSentAt, sentAt)

	id, err := store.CreateUser(ctx, keygate.ProviderEmail, data)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	got, err := store.UserData(ctx, keygate.ProviderEmail, id)
	if err != nil {
		t.Fatalf("UserData failed: %v", err)
	}
	ts, ok := got.CustomTime(keygate.KeyEmailConfSentAt)
	if !ok {
		t.Fatal("expected timestamp custom key")
	}
	if !ts.Equal(sentAt) {
		t.Fatalf("timestamp truncated: want %v, got %v", sentAt.UnixNano(), ts.UnixNano())
	}
}

func TestRFC3339TimestampAccepted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// rows written by older importers carry RFC 3339 strings
	data := sampleData("alice@example.com")
	data.SetCustom(keygate.KeyEmailConfSentAt, "2024-08-26T12:30:01Z")

	id, err := store.CreateUser(ctx, keygate.ProviderEmail, data)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	got, err := store.UserData(ctx, keygate.ProviderEmail, id)
	if err != nil {
		t.Fatalf("UserData failed: %v", err)
	}
	ts, ok := got.CustomTime(keygate.KeyEmailConfSentAt)
	if !ok {
		t.Fatal("expected timestamp parse")
	}
	if ts.UTC().Year() != 2024 || ts.UTC().Month() != time.August {
		t.Fatalf("unexpected parsed time: %v", ts)
	}
}

func TestCountVerifiedEmailAcrossProviders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	emailRow := keygate.ProviderData{
		Identity:       "alice@example.com",
		Emails:         []string{"alice@example.com"},
		VerifiedEmails: []string{"alice@example.com"},
	}
	id, err := store.CreateUser(ctx, keygate.ProviderEmail, emailRow)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	subRow := keygate.ProviderData{
		VerifiedEmails: []string{"alice@example.com"},
	}
	if err := store.UpdateUser(ctx, keygate.ProviderSubscription, id, subRow); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}

	count, err := store.CountVerifiedEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("CountVerifiedEmail failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 verified entries across providers, got %d", count)
	}
}

// failPipelineHook refuses pipelined commands while letting single commands
// through, simulating a backend that dies between the identity claim and
// the record write.
type failPipelineHook struct {
	err error
}

func (h failPipelineHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h failPipelineHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h failPipelineHook) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		return h.err
	}
}

func TestCreateUserReleasesIdentityClaimOnWriteFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx := context.Background()

	failing := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	failing.AddHook(failPipelineHook{err: errors.New("write refused")})

	_, err = NewRedis(failing, "").CreateUser(ctx, keygate.ProviderEmail, sampleData("alice@example.com"))
	if !errors.Is(err, keygate.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	// the failed create must not poison the identity for later signups
	store := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	id, err := store.CreateUser(ctx, keygate.ProviderEmail, sampleData("alice@example.com"))
	if err != nil {
		t.Fatalf("retry after failed create: %v", err)
	}
	gotID, _, err := store.UserDataByIdentity(ctx, keygate.ProviderEmail, "alice@example.com")
	if err != nil || gotID != id {
		t.Fatalf("identity lookup after retry: id=%d err=%v", gotID, err)
	}
}

func TestCustomIndexSkipsCredentialMaterial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	data := sampleData("alice@example.com")
	data.SetCustom(keygate.KeyEmailConfirmationCode, "code-abc")
	hash, _ := data.CustomString(keygate.KeyHashedPassword)

	id, err := store.CreateUser(ctx, keygate.ProviderEmail, data)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	// codes resolve, hashes do not
	gotID, _, err := store.UserDataByCustomAttribute(
		ctx, keygate.ProviderEmail, keygate.KeyEmailConfirmationCode, "code-abc")
	if err != nil || gotID != id {
		t.Fatalf("code lookup: id=%d err=%v", gotID, err)
	}
	if _, _, err := store.UserDataByCustomAttribute(
		ctx, keygate.ProviderEmail, keygate.KeyHashedPassword, hash); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected hash to be unresolvable, got %v", err)
	}
	if _, err := store.ConsumeCustomAttribute(
		ctx, keygate.ProviderEmail, keygate.KeyHashedPassword, hash); !errors.Is(err, keygate.ErrUserNotFound) {
		t.Fatalf("expected hash to be unconsumable, got %v", err)
	}
}
