package db

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Closi1/Scarlet-messenger/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func appendAt(t *testing.T, database *DB, sender, receiver, kind, text string, ts time.Time) {
	t.Helper()
	require.NoError(t, database.AppendMessage(models.Message{
		Sender:    sender,
		Receiver:  receiver,
		Kind:      kind,
		Text:      text,
		Timestamp: ts,
	}))
}

func TestCreateAccount(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.CreateAccount("alice", "secret"))

	exists, err := database.AccountExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)

	// The profile is created alongside the account.
	profile, err := database.Profile("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.DisplayName)
}

func TestCreateAccountDuplicate(t *testing.T) {
	database := newTestDB(t)

	require.NoError(t, database.CreateAccount("alice", "secret"))
	err := database.CreateAccount("alice", "other")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestCreateAccountAllDigits(t *testing.T) {
	database := newTestDB(t)

	err := database.CreateAccount("12345", "secret")
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestVerifyCredential(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "secret"))

	ok, hash, err := database.VerifyCredential("alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, hash)

	ok, _, err = database.VerifyCredential("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = database.VerifyCredential("nobody", "secret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyCredentialHash(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "secret"))

	_, hash, err := database.VerifyCredential("alice", "secret")
	require.NoError(t, err)

	ok, err := database.VerifyCredentialHash("alice", hash)
	require.NoError(t, err)
	assert.True(t, ok, "hash returned by VerifyCredential must resume the session")

	ok, err = database.VerifyCredentialHash("alice", "bogus")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = database.VerifyCredentialHash("alice", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddContactIdempotent(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))
	require.NoError(t, database.CreateAccount("bob", "b"))

	require.NoError(t, database.AddContact("alice", "bob"))
	// Adding the same edge again is a silent no-op, not an error.
	require.NoError(t, database.AddContact("alice", "bob"))

	contacts, err := database.Contacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, contacts)
}

func TestContactEdgeIsDirected(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))
	require.NoError(t, database.CreateAccount("bob", "b"))

	require.NoError(t, database.AddContact("alice", "bob"))

	contacts, err := database.Contacts("bob")
	require.NoError(t, err)
	assert.Empty(t, contacts, "watched peer need not reciprocate")
}

func TestCreateGroupCreatorJoins(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))

	groupID, err := database.CreateGroup("team", "alice")
	require.NoError(t, err)
	assert.Greater(t, groupID, int64(0))

	groups, err := database.Groups("alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "team", groups[0].Name)
	assert.Equal(t, "alice", groups[0].Creator)
}

func TestAddGroupMember(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))
	require.NoError(t, database.CreateAccount("bob", "b"))

	groupID, err := database.CreateGroup("team", "alice")
	require.NoError(t, err)

	require.NoError(t, database.AddGroupMember(groupID, "bob"))
	require.NoError(t, database.AddGroupMember(groupID, "bob"))

	groups, err := database.Groups("bob")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, groupID, groups[0].ID)
}

func TestPrivateHistory(t *testing.T) {
	database := newTestDB(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	appendAt(t, database, "alice", "bob", models.KindPrivate, "one", base)
	appendAt(t, database, "bob", "alice", models.KindPrivate, "two", base.Add(time.Minute))
	appendAt(t, database, "alice", "bob", models.KindPrivate, "three", base.Add(2*time.Minute))
	// Noise: other pairs and kinds must not leak into the pair history.
	appendAt(t, database, "alice", "carol", models.KindPrivate, "other", base)
	appendAt(t, database, "alice", "7", models.KindGroup, "group talk", base)

	messages, err := database.PrivateHistory("alice", "bob", 100)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "one", messages[0].Text)
	assert.Equal(t, "two", messages[1].Text)
	assert.Equal(t, "three", messages[2].Text)

	// Symmetric: the pair is unordered.
	mirror, err := database.PrivateHistory("bob", "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, messages, mirror)
}

func TestPrivateHistoryKeepsNewest(t *testing.T) {
	database := newTestDB(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		appendAt(t, database, "alice", "bob", models.KindPrivate, string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
	}

	messages, err := database.PrivateHistory("alice", "bob", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "d", messages[0].Text)
	assert.Equal(t, "e", messages[1].Text)
}

func TestGroupHistory(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))

	groupID, err := database.CreateGroup("team", "alice")
	require.NoError(t, err)

	gid := strconv.FormatInt(groupID, 10)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	appendAt(t, database, "alice", gid, models.KindGroup, "hi", base)
	appendAt(t, database, "bob", gid, models.KindGroup, "hello", base.Add(time.Minute))
	appendAt(t, database, "alice", "999", models.KindGroup, "elsewhere", base)

	messages, err := database.GroupHistory(groupID, 100)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hi", messages[0].Text)
	assert.Equal(t, "hello", messages[1].Text)
}

func TestAllHistory(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))
	require.NoError(t, database.CreateAccount("bob", "b"))

	groupID, err := database.CreateGroup("team", "alice")
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	appendAt(t, database, "alice", "bob", models.KindPrivate, "direct out", base)
	appendAt(t, database, "bob", "alice", models.KindPrivate, "direct in", base.Add(time.Minute))
	appendAt(t, database, "bob", strconv.FormatInt(groupID, 10), models.KindGroup, "in my group", base.Add(2*time.Minute))
	appendAt(t, database, "bob", "carol", models.KindPrivate, "not mine", base)

	messages, err := database.AllHistory("alice", 100)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "direct out", messages[0].Text)
	assert.Equal(t, "direct in", messages[1].Text)
	assert.Equal(t, "in my group", messages[2].Text)
}

func TestRenameAccount(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))
	require.NoError(t, database.CreateAccount("bob", "b"))

	require.NoError(t, database.AddContact("bob", "alice"))
	groupID, err := database.CreateGroup("team", "alice")
	require.NoError(t, err)

	now := time.Now().UTC()
	appendAt(t, database, "alice", "bob", models.KindPrivate, "hi", now)
	appendAt(t, database, "bob", "alice", models.KindPrivate, "yo", now)

	require.NoError(t, database.RenameAccount("alice", "alicia"))

	// Old name gone, new name everywhere.
	exists, err := database.AccountExists("alice")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = database.AccountExists("alicia")
	require.NoError(t, err)
	assert.True(t, exists)

	contacts, err := database.Contacts("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alicia"}, contacts)

	groups, err := database.Groups("alicia")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, groupID, groups[0].ID)
	assert.Equal(t, "alicia", groups[0].Creator)

	messages, err := database.PrivateHistory("alicia", "bob", 100)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	for _, m := range messages {
		assert.NotEqual(t, "alice", m.Sender)
		assert.NotEqual(t, "alice", m.Receiver)
	}

	profile, err := database.Profile("alicia")
	require.NoError(t, err)
	assert.Equal(t, "alicia", profile.Username)
}

func TestRenameAccountCollision(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))
	require.NoError(t, database.CreateAccount("bob", "b"))

	require.NoError(t, database.AddContact("bob", "alice"))
	appendAt(t, database, "alice", "bob", models.KindPrivate, "hi", time.Now().UTC())

	err := database.RenameAccount("alice", "bob")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	// The failed rename must leave every table unchanged.
	exists, err := database.AccountExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)

	contacts, err := database.Contacts("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, contacts)

	messages, err := database.PrivateHistory("alice", "bob", 100)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "alice", messages[0].Sender)
}

func TestUpdateProfile(t *testing.T) {
	database := newTestDB(t)
	require.NoError(t, database.CreateAccount("alice", "a"))

	require.NoError(t, database.UpdateProfile("alice", "Alice W.", "away"))

	profile, err := database.Profile("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice W.", profile.DisplayName)
	assert.Equal(t, "away", profile.StatusText)

	// Empty fields leave existing values alone.
	require.NoError(t, database.UpdateProfile("alice", "", "back"))
	profile, err = database.Profile("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice W.", profile.DisplayName)
	assert.Equal(t, "back", profile.StatusText)
}

func TestKVRoundTrip(t *testing.T) {
	database := newTestDB(t)

	_, err := database.GetValue("missing")
	assert.ErrorIs(t, err, ErrNoRows)

	require.NoError(t, database.SetValue("settings", []byte(`{"theme":"dark"}`)))
	value, err := database.GetValue("settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"dark"}`, string(value))

	require.NoError(t, database.SetValue("settings", []byte(`{"theme":"light"}`)))
	value, err = database.GetValue("settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"theme":"light"}`, string(value))

	require.NoError(t, database.DeleteValue("settings"))
	_, err = database.GetValue("settings")
	assert.ErrorIs(t, err, ErrNoRows)
}
