package userstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate"
)

const updateMaxRetries = 4

// consumeAttributeScript atomically reads and deletes one custom-attribute
// index entry. Exactly one of N concurrent redeemers gets the id back; the
// rest see nil.
var consumeAttributeScript = redis.NewScript(`
local id = redis.call("HGET", KEYS[1], ARGV[1])
if not id then
  return false
end
redis.call("HDEL", KEYS[1], ARGV[1])
return id
`)

// Redis implements keygate.UserStore on a Redis keyspace.
//
// Layout under the configured prefix:
//
//	{p}:next_id                    counter for user id allocation
//	{p}:user:{id}                  hash, one field per provider, JSON record
//	{p}:identity:{provider}        hash, identity -> id (claimed with HSETNX)
//	{p}:email:{provider}:{email}   set of ids holding the email
//	{p}:vemail:{provider}:{email}  set of ids holding the email verified
//	{p}:vemail_all:{email}         set of "provider:id" pairs, all providers
//	{p}:custom:{provider}:{key}    hash, custom value -> id
//
// Custom-attribute indexing is limited to the verification-code keys and
// covers string values and string elements of array values, so imported
// subscriber rows whose codes live in a JSON array resolve the same way as
// plain string codes. Non-code custom values, the password hash included,
// are never indexed.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a store. An empty prefix selects "kgu".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "kgu"
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) nextIDKey() string {
	return s.prefix + ":next_id"
}

func (s *Redis) userKey(id keygate.UserID) string {
	return s.prefix + ":user:" + strconv.FormatInt(int64(id), 10)
}

func (s *Redis) identityKey(provider string) string {
	return s.prefix + ":identity:" + provider
}

func (s *Redis) emailKey(provider, email string) string {
	return s.prefix + ":email:" + provider + ":" + email
}

func (s *Redis) verifiedEmailKey(provider, email string) string {
	return s.prefix + ":vemail:" + provider + ":" + email
}

func (s *Redis) allVerifiedEmailKey(email string) string {
	return s.prefix + ":vemail_all:" + email
}

func (s *Redis) customKey(provider, key string) string {
	return s.prefix + ":custom:" + provider + ":" + key
}

// CreateUser describes the createuser operation and its observable behavior.
//
// The identity claim is HSETNX-guarded: of concurrent creates for the same
// identity exactly one wins, the rest get keygate.ErrIdentityTaken.
func (s *Redis) CreateUser(ctx context.Context, provider string, data keygate.ProviderData) (keygate.UserID, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("userstore: encode record: %w", err)
	}

	nextID, err := s.client.Incr(ctx, s.nextIDKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}
	id := keygate.UserID(nextID)

	if data.Identity != "" {
		claimed, err := s.client.HSetNX(ctx, s.identityKey(provider), data.Identity, int64(id)).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
		}
		if !claimed {
			return 0, keygate.ErrIdentityTaken
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.userKey(id), provider, raw)
		s.addIndexes(ctx, pipe, provider, id, &data)
		return nil
	})
	if err != nil {
		// Release the claim, or the identity stays pointed at an id with no
		// record and every later signup for it fails as a duplicate. The
		// caller's context may be the reason the pipeline failed, so the
		// rollback runs detached from it.
		if data.Identity != "" {
			s.client.HDel(context.WithoutCancel(ctx), s.identityKey(provider), data.Identity)
		}
		return 0, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}

	return id, nil
}

// UpdateUser describes the updateuser operation and its observable behavior.
//
// The provider's record is replaced wholesale and every index is diffed
// against the previous record inside an optimistic WATCH transaction. The
// user must already exist under some provider; the record for this provider
// may be new (account upgrades write the email record for a user that so
// far only has a subscription row).
func (s *Redis) UpdateUser(ctx context.Context, provider string, id keygate.UserID, data keygate.ProviderData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("userstore: encode record: %w", err)
	}

	userKey := s.userKey(id)
	identityKey := s.identityKey(provider)

	txn := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, userKey).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return keygate.ErrUserNotFound
		}

		var old *keygate.ProviderData
		oldRaw, err := tx.HGet(ctx, userKey, provider).Result()
		switch {
		case err == nil:
			decoded, err := decodeRecord([]byte(oldRaw))
			if err != nil {
				return err
			}
			old = &decoded
		case errors.Is(err, redis.Nil):
			// first record for this provider
		default:
			return err
		}

		oldIdentity := ""
		if old != nil {
			oldIdentity = old.Identity
		}
		if data.Identity != "" && data.Identity != oldIdentity {
			owner, err := tx.HGet(ctx, identityKey, data.Identity).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && owner != strconv.FormatInt(int64(id), 10) {
				return keygate.ErrIdentityTaken
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, userKey, provider, raw)
			if old != nil {
				s.removeIndexes(ctx, pipe, provider, id, old)
			}
			s.addIndexes(ctx, pipe, provider, id, &data)
			return nil
		})
		return err
	}

	for i := 0; i < updateMaxRetries; i++ {
		err := s.client.Watch(ctx, txn, userKey, identityKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, keygate.ErrUserNotFound) || errors.Is(err, keygate.ErrIdentityTaken) {
			return err
		}
		return fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%w: update retries exhausted", keygate.ErrStoreUnavailable)
}

// UserData describes the userdata operation and its observable behavior.
func (s *Redis) UserData(ctx context.Context, provider string, id keygate.UserID) (keygate.ProviderData, error) {
	raw, err := s.client.HGet(ctx, s.userKey(id), provider).Result()
	if errors.Is(err, redis.Nil) {
		return keygate.ProviderData{}, keygate.ErrUserNotFound
	}
	if err != nil {
		return keygate.ProviderData{}, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}
	return decodeRecord([]byte(raw))
}

// UserDataByIdentity describes the userdatabyidentity operation and its observable behavior.
func (s *Redis) UserDataByIdentity(ctx context.Context, provider, identity string) (keygate.UserID, keygate.ProviderData, error) {
	raw, err := s.client.HGet(ctx, s.identityKey(provider), identity).Result()
	if errors.Is(err, redis.Nil) {
		return 0, keygate.ProviderData{}, keygate.ErrUserNotFound
	}
	if err != nil {
		return 0, keygate.ProviderData{}, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}
	return s.load(ctx, provider, raw)
}

// UserDataByEmail describes the userdatabyemail operation and its observable behavior.
//
// When several users hold the email, the lowest id wins so repeated lookups
// are deterministic.
func (s *Redis) UserDataByEmail(ctx context.Context, provider, email string) (keygate.UserID, keygate.ProviderData, error) {
	return s.bySet(ctx, provider, s.emailKey(provider, email))
}

// UserDataByVerifiedEmail describes the userdatabyverifiedemail operation and its observable behavior.
func (s *Redis) UserDataByVerifiedEmail(ctx context.Context, provider, email string) (keygate.UserID, keygate.ProviderData, error) {
	return s.bySet(ctx, provider, s.verifiedEmailKey(provider, email))
}

// UserDataByCustomAttribute describes the userdatabycustomattribute operation and its observable behavior.
func (s *Redis) UserDataByCustomAttribute(ctx context.Context, provider, key, value string) (keygate.UserID, keygate.ProviderData, error) {
	raw, err := s.client.HGet(ctx, s.customKey(provider, key), value).Result()
	if errors.Is(err, redis.Nil) {
		return 0, keygate.ProviderData{}, keygate.ErrUserNotFound
	}
	if err != nil {
		return 0, keygate.ProviderData{}, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}
	return s.load(ctx, provider, raw)
}

// ConsumeCustomAttribute describes the consumecustomattribute operation and its observable behavior.
//
// The read-and-delete runs as one Lua script, so exactly one of N
// concurrent callers gets the id; the rest get keygate.ErrUserNotFound.
func (s *Redis) ConsumeCustomAttribute(ctx context.Context, provider, key, value string) (keygate.UserID, error) {
	res, err := consumeAttributeScript.Run(ctx, s.client, []string{s.customKey(provider, key)}, value).Result()
	if errors.Is(err, redis.Nil) {
		return 0, keygate.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}

	raw, ok := res.(string)
	if !ok {
		return 0, keygate.ErrUserNotFound
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q in custom index", keygate.ErrIntegrity, raw)
	}
	return keygate.UserID(id), nil
}

// CountVerifiedEmail describes the countverifiedemail operation and its observable behavior.
//
// The count spans every provider, so a signup cannot reuse an email some
// other provider already verified.
func (s *Redis) CountVerifiedEmail(ctx context.Context, email string) (int, error) {
	n, err := s.client.SCard(ctx, s.allVerifiedEmailKey(email)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}
	return int(n), nil
}

func (s *Redis) load(ctx context.Context, provider, rawID string) (keygate.UserID, keygate.ProviderData, error) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0, keygate.ProviderData{}, fmt.Errorf("%w: bad id %q in index", keygate.ErrIntegrity, rawID)
	}

	data, err := s.UserData(ctx, provider, keygate.UserID(id))
	if err != nil {
		return 0, keygate.ProviderData{}, err
	}
	return keygate.UserID(id), data, nil
}

func (s *Redis) bySet(ctx context.Context, provider, setKey string) (keygate.UserID, keygate.ProviderData, error) {
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, keygate.ProviderData{}, fmt.Errorf("%w: %v", keygate.ErrStoreUnavailable, err)
	}
	if len(members) == 0 {
		return 0, keygate.ProviderData{}, keygate.ErrUserNotFound
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return 0, keygate.ProviderData{}, fmt.Errorf("%w: bad id %q in index", keygate.ErrIntegrity, m)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data, err := s.UserData(ctx, provider, keygate.UserID(ids[0]))
	if err != nil {
		return 0, keygate.ProviderData{}, err
	}
	return keygate.UserID(ids[0]), data, nil
}

func (s *Redis) addIndexes(ctx context.Context, pipe redis.Pipeliner, provider string, id keygate.UserID, data *keygate.ProviderData) {
	idStr := strconv.FormatInt(int64(id), 10)

	for _, email := range data.Emails {
		pipe.SAdd(ctx, s.emailKey(provider, email), idStr)
	}
	for _, email := range data.VerifiedEmails {
		pipe.SAdd(ctx, s.verifiedEmailKey(provider, email), idStr)
		pipe.SAdd(ctx, s.allVerifiedEmailKey(email), provider+":"+idStr)
	}
	if data.Identity != "" {
		pipe.HSet(ctx, s.identityKey(provider), data.Identity, idStr)
	}
	for key, values := range indexableCustom(data) {
		for _, value := range values {
			pipe.HSet(ctx, s.customKey(provider, key), value, idStr)
		}
	}
}

func (s *Redis) removeIndexes(ctx context.Context, pipe redis.Pipeliner, provider string, id keygate.UserID, data *keygate.ProviderData) {
	idStr := strconv.FormatInt(int64(id), 10)

	for _, email := range data.Emails {
		pipe.SRem(ctx, s.emailKey(provider, email), idStr)
	}
	for _, email := range data.VerifiedEmails {
		pipe.SRem(ctx, s.verifiedEmailKey(provider, email), idStr)
		pipe.SRem(ctx, s.allVerifiedEmailKey(email), provider+":"+idStr)
	}
	if data.Identity != "" {
		pipe.HDel(ctx, s.identityKey(provider), data.Identity)
	}
	for key, values := range indexableCustom(data) {
		for _, value := range values {
			pipe.HDel(ctx, s.customKey(provider, key), value)
		}
	}
}

// indexedCustomKeys lists the custom keys that get a reverse index: the
// verification codes, which must resolve back to their user. Everything
// else, password hashes above all, stays record-only and out of the
// queryable keyspace.
var indexedCustomKeys = map[string]struct{}{
	keygate.KeyEmailConfirmationCode:        {},
	keygate.KeyPasswordResetCode:            {},
	keygate.KeySubscriptionConfirmationCode: {},
}

// indexableCustom extracts the indexed custom values: string values and
// string elements of array values, for the allowlisted keys only.
func indexableCustom(data *keygate.ProviderData) map[string][]string {
	if len(data.Custom) == 0 {
		return nil
	}

	out := make(map[string][]string, len(data.Custom))
	for key, value := range data.Custom {
		if _, ok := indexedCustomKeys[key]; !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = []string{v}
		case []any:
			for _, elem := range v {
				if s, ok := elem.(string); ok {
					out[key] = append(out[key], s)
				}
			}
		case []string:
			out[key] = append(out[key], v...)
		}
	}
	return out
}

// decodeRecord keeps numeric custom values as json.Number so nanosecond
// timestamps survive the round trip without float64 truncation.
func decodeRecord(raw []byte) (keygate.ProviderData, error) {
	var data keygate.ProviderData
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return keygate.ProviderData{}, fmt.Errorf("%w: undecodable record: %v", keygate.ErrIntegrity, err)
	}
	return data, nil
}
