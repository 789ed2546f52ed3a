package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/teehee/chat-backend/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by store lookups when the requested record does
// not exist.
var ErrNotFound = errors.New("record not found")

// BoltDB implements the application's Store interface using a BoltDB backend
// for persistent storage of users, provider keys, chats and messages. Every
// method runs as a single bolt transaction, so each call takes effect
// atomically with respect to concurrent readers and writers.
type BoltDB struct {
	db *bolt.DB
}

var (
	usersBucket      = []byte("users")
	userEmailsBucket = []byte("user-emails")
	keysBucket       = []byte("keys")
	chatsBucket      = []byte("chats")
	messageIndex     = []byte("message-index")
)

// userRecord is the stored form of a user. The model hides PasswordHash from
// API responses with a json:"-" tag, so the store marshals its own record
// type to keep the hash on disk.
type userRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	SSOID        string    `json:"sso_id,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func newUserRecord(u models.User) userRecord {
	return userRecord{
		ID:           u.ID,
		Email:        u.Email,
		SSOID:        u.SSOID,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func (r userRecord) user() models.User {
	return models.User{
		ID:           r.ID,
		Email:        r.Email,
		SSOID:        r.SSOID,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
	}
}

// keyRecord is the stored form of a provider key, for the same reason:
// EncryptedKey carries a json:"-" tag on the model.
type keyRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Provider     string    `json:"provider"`
	EncryptedKey string    `json:"encrypted_key"`
	CreatedAt    time.Time `json:"created_at"`
}

func newKeyRecord(k models.ProviderKey) keyRecord {
	return keyRecord{
		ID:           k.ID,
		UserID:       k.UserID,
		Provider:     k.Provider,
		EncryptedKey: k.EncryptedKey,
		CreatedAt:    k.CreatedAt,
	}
}

func (r keyRecord) providerKey() models.ProviderKey {
	return models.ProviderKey{
		ID:           r.ID,
		UserID:       r.UserID,
		Provider:     r.Provider,
		EncryptedKey: r.EncryptedKey,
		CreatedAt:    r.CreatedAt,
	}
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It
// initializes the database with required buckets and returns an error if the
// database cannot be opened or initialized. The database file is created
// with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, userEmailsBucket, keysBucket, chatsBucket, messageIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func keyID(userID, provider string) []byte {
	return []byte(fmt.Sprintf("%s/%s", userID, provider))
}

// AddUser stores a new user record and indexes it by email. It returns an
// error if the email is already registered.
func (b BoltDB) AddUser(_ context.Context, user models.User) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(userEmailsBucket)
		if emails.Get([]byte(user.Email)) != nil {
			return fmt.Errorf("email %s is already registered", user.Email)
		}

		v, err := json.Marshal(newUserRecord(user))
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		if err := tx.Bucket(usersBucket).Put([]byte(user.ID), v); err != nil {
			return err
		}
		return emails.Put([]byte(user.Email), []byte(user.ID))
	})
}

// UserByEmail retrieves the user registered under the given email, or
// ErrNotFound when no such account exists.
func (b BoltDB) UserByEmail(_ context.Context, email string) (models.User, error) {
	var rec userRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(userEmailsBucket).Get([]byte(email))
		if id == nil {
			return ErrNotFound
		}
		v := tx.Bucket(usersBucket).Get(id)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec.user(), err
}

// UpdateUser overwrites an existing user record. The email is assumed to be
// immutable; only the remaining fields change.
func (b BoltDB) UpdateUser(_ context.Context, user models.User) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(usersBucket)
		if bk.Get([]byte(user.ID)) == nil {
			return ErrNotFound
		}
		v, err := json.Marshal(newUserRecord(user))
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		return bk.Put([]byte(user.ID), v)
	})
}

// AddProviderKey stores an encrypted provider API key for a user. It returns
// an error if the user already has a key for that provider.
func (b BoltDB) AddProviderKey(_ context.Context, key models.ProviderKey) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(keysBucket)
		id := keyID(key.UserID, key.Provider)
		if bk.Get(id) != nil {
			return fmt.Errorf("API key for %s already exists", key.Provider)
		}
		v, err := json.Marshal(newKeyRecord(key))
		if err != nil {
			return fmt.Errorf("failed to marshal provider key: %w", err)
		}
		return bk.Put(id, v)
	})
}

// ProviderKeys lists a user's stored provider keys.
func (b BoltDB) ProviderKeys(_ context.Context, userID string) ([]models.ProviderKey, error) {
	var keys []models.ProviderKey
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(keysBucket).Cursor()
		prefix := []byte(userID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec keyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal provider key: %w", err)
			}
			keys = append(keys, rec.providerKey())
		}
		return nil
	})
	return keys, err
}

// ProviderKey retrieves the user's key for one provider, or ErrNotFound.
func (b BoltDB) ProviderKey(_ context.Context, userID, provider string) (models.ProviderKey, error) {
	var rec keyRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keysBucket).Get(keyID(userID, provider))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &rec)
	})
	return rec.providerKey(), err
}

// DeleteProviderKey removes a stored key by its record id, scoped to the
// owning user. Returns ErrNotFound if the user has no such key.
func (b BoltDB) DeleteProviderKey(_ context.Context, userID, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(keysBucket).Cursor()
		prefix := []byte(userID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec keyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal provider key: %w", err)
			}
			if rec.ID == id {
				return c.Delete()
			}
		}
		return ErrNotFound
	})
}

// Chats retrieves a user's chat records in reverse chronological order.
func (b BoltDB) Chats(_ context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if chat.UserID == userID {
				chats = append(chats, chat)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// AddChat stores a new chat record and creates an associated message bucket.
// It generates a unique ID for the chat by combining a sequence number with
// the chat's original ID, and returns the new ID or an error if the
// operation fails.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%010d-%s", idPrefix, chat.ID)
		chat.ID = newID

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bk.Put([]byte(newID), v)
	})

	return newID, err
}

// Chat retrieves a single chat record, or ErrNotFound.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &chat)
	})
	return chat, err
}

// UpdateChat modifies an existing chat record. Returns ErrNotFound if the
// chat does not exist.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk.Get([]byte(chat.ID)) == nil {
			return ErrNotFound
		}
		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bk.Put([]byte(chat.ID), v)
	})
}

// DeleteChat removes a chat, its message bucket, and the message index
// entries pointing into it.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk.Get([]byte(chatID)) == nil {
			return ErrNotFound
		}
		if err := bk.Delete([]byte(chatID)); err != nil {
			return err
		}

		idx := tx.Bucket(messageIndex)
		if msgs := tx.Bucket(messageBucketName(chatID)); msgs != nil {
			if err := msgs.ForEach(func(_, v []byte) error {
				var msg models.Message
				if err := json.Unmarshal(v, &msg); err != nil {
					return fmt.Errorf("failed to unmarshal message: %w", err)
				}
				return idx.Delete([]byte(msg.ID))
			}); err != nil {
				return err
			}
			if err := tx.DeleteBucket(messageBucketName(chatID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Messages retrieves all messages of a chat in their stored order, which
// follows insertion order thanks to the zero-padded sequence prefix on the
// message keys.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage stores a new message in the specified chat's message bucket and
// records the message→chat relation in the index. It generates a unique ID
// for the message by combining a sequence number with the message's original
// ID, and returns the new ID or an error if the operation fails.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrNotFound
		}

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%010d-%s", idPrefix, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := bk.Put([]byte(newID), v); err != nil {
			return err
		}
		return tx.Bucket(messageIndex).Put([]byte(newID), []byte(chatID))
	})

	return newID, err
}

// Message retrieves a single message from a chat, or ErrNotFound.
func (b BoltDB) Message(_ context.Context, chatID, messageID string) (models.Message, error) {
	var message models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrNotFound
		}
		v := bk.Get([]byte(messageID))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &message)
	})
	return message, err
}

// FindMessage resolves a message id alone to its chat and record using the
// message index. Abort and continue requests arrive with only a message id,
// so this is their entry point into the tree.
func (b BoltDB) FindMessage(ctx context.Context, messageID string) (string, models.Message, error) {
	var chatID string
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messageIndex).Get([]byte(messageID))
		if v == nil {
			return ErrNotFound
		}
		chatID = string(v)
		return nil
	})
	if err != nil {
		return "", models.Message{}, err
	}
	message, err := b.Message(ctx, chatID, messageID)
	return chatID, message, err
}

// UpdateMessage modifies an existing message in the specified chat's message
// bucket. Returns ErrNotFound if the message does not exist.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrNotFound
		}
		if bk.Get([]byte(message.ID)) == nil {
			return ErrNotFound
		}
		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bk.Put([]byte(message.ID), v)
	})
}

// UpdateMessageText overwrites the full accumulated text of an in-progress
// message. The stream runner calls this after every fragment, so an
// interrupted generation never loses more than the fragment in flight.
func (b BoltDB) UpdateMessageText(_ context.Context, chatID, messageID, text string) error {
	return b.updateMessageRecord(chatID, messageID, func(msg *models.Message) {
		msg.Text = text
	})
}

// FinalizeMessage clears the partial flag and records the final text of a
// message, along with an error description when the generation failed.
// Finalizing twice with the same arguments leaves the record unchanged.
func (b BoltDB) FinalizeMessage(_ context.Context, chatID, messageID, text, errorText string) error {
	return b.updateMessageRecord(chatID, messageID, func(msg *models.Message) {
		msg.Text = text
		msg.IsPartial = false
		msg.ErrorText = errorText
	})
}

func (b BoltDB) updateMessageRecord(chatID, messageID string, mutate func(*models.Message)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(chatID))
		if bk == nil {
			return ErrNotFound
		}
		v := bk.Get([]byte(messageID))
		if v == nil {
			return ErrNotFound
		}
		var msg models.Message
		if err := json.Unmarshal(v, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		mutate(&msg)
		nv, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bk.Put([]byte(messageID), nv)
	})
}
