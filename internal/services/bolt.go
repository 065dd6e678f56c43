package services

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/congdinh/vivuchat/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to another user.
	ErrNotFound = errors.New("not found")
	// ErrUserExists is returned when registering a username or email that is already taken.
	ErrUserExists = errors.New("user already exists")
)

var (
	usersBucket  = []byte("users")
	tokensBucket = []byte("tokens")
	chatsBucket  = []byte("chats")
)

// BoltDB is the backend's persistent store for users, their tokens, their chats and the messages of
// every chat, kept in a single BoltDB file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, tokensBucket, chatsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// AddUser stores a new user. The username and the email must both be unused.
func (b BoltDB) AddUser(_ context.Context, user models.User) (models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usersBucket)
		if bkt.Get([]byte(user.Username)) != nil {
			return ErrUserExists
		}

		if err := checkEmailFree(bkt, user.Email, user.Username); err != nil {
			return err
		}

		return putJSON(bkt, user.Username, user)
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

// UpdateUser replaces a stored user, keyed by username. The email must not belong to another user.
func (b BoltDB) UpdateUser(_ context.Context, user models.User) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usersBucket)
		if bkt.Get([]byte(user.Username)) == nil {
			return ErrNotFound
		}
		if err := checkEmailFree(bkt, user.Email, user.Username); err != nil {
			return err
		}
		return putJSON(bkt, user.Username, user)
	})
}

// checkEmailFree fails with ErrUserExists when a user other than username has email.
func checkEmailFree(bkt *bolt.Bucket, email, username string) error {
	if email == "" {
		return nil
	}
	return bkt.ForEach(func(k, v []byte) error {
		if string(k) == username {
			return nil
		}
		var existing models.User
		if err := json.Unmarshal(v, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		if strings.EqualFold(existing.Email, email) {
			return ErrUserExists
		}
		return nil
	})
}

// User returns the user with the given username.
func (b BoltDB) User(_ context.Context, username string) (models.User, error) {
	var user models.User
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), username, &user)
	})
	return user, err
}

// SaveToken stores an issued token.
func (b BoltDB) SaveToken(_ context.Context, token models.Token) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(tokensBucket), token.Value, token)
	})
}

// Token returns the stored token with the given value.
func (b BoltDB) Token(_ context.Context, value string) (models.Token, error) {
	var token models.Token
	err := b.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(tokensBucket), value, &token)
	})
	return token, err
}

// DeleteToken revokes a token. Deleting an unknown token is not an error.
func (b BoltDB) DeleteToken(_ context.Context, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete([]byte(value))
	})
}

// PruneTokens removes every token that expired before now and returns how many were removed.
func (b BoltDB) PruneTokens(_ context.Context, now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(tokensBucket)
		var stale [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			var token models.Token
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("failed to unmarshal token: %w", err)
			}
			if token.Expired(now) {
				stale = append(stale, slices.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return fmt.Errorf("failed to delete token: %w", err)
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// AddChat stores a new chat record and creates its message bucket. The chat gets a fresh ID and
// timestamps when they are unset.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (models.Chat, error) {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = chat.CreatedAt
	chat.Messages = nil

	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putJSON(tx.Bucket(chatsBucket), chat.ID, chat)
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// Chat returns the chat owned by owner, without its messages.
func (b BoltDB) Chat(_ context.Context, owner, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx.Bucket(chatsBucket), chatID, &chat); err != nil {
			return err
		}
		if chat.Owner != owner {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// Chats returns one page of the chats owned by owner, most recently updated first. Pages are
// numbered from zero.
func (b BoltDB) Chats(_ context.Context, owner string, page, size int) (models.ChatPage, error) {
	if size <= 0 {
		size = 20
	}
	page = max(page, 0)

	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if chat.Owner == owner {
				chats = append(chats, chat)
			}
			return nil
		})
	})
	if err != nil {
		return models.ChatPage{}, err
	}

	slices.SortFunc(chats, func(a, b models.Chat) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.ID, b.ID))
	})

	total := len(chats)
	from := min(page*size, total)
	to := min(from+size, total)

	return models.ChatPage{
		Content:       append([]models.Chat{}, chats[from:to]...),
		TotalPages:    (total + size - 1) / size,
		TotalElements: total,
		Number:        page,
		Size:          size,
	}, nil
}

// UpdateChat overwrites an existing chat record. If the chat doesn't exist, the operation is silently
// ignored.
func (b BoltDB) UpdateChat(_ context.Context, chat models.Chat) error {
	chat.Messages = nil
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(chatsBucket)
		if bkt.Get([]byte(chat.ID)) == nil {
			return nil
		}
		return putJSON(bkt, chat.ID, chat)
	})
}

// DeleteChat removes a chat owned by owner together with its messages.
func (b BoltDB) DeleteChat(_ context.Context, owner, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(chatsBucket)

		var chat models.Chat
		if err := getJSON(bkt, chatID, &chat); err != nil {
			return err
		}
		if chat.Owner != owner {
			return ErrNotFound
		}

		if err := tx.DeleteBucket(messageBucketName(chatID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
		return bkt.Delete([]byte(chatID))
	})
}

// Messages retrieves all messages associated with the specified chat ID. It returns the messages
// in their stored order or an error if the database operation fails.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.MessageRecord, error) {
	var messages []models.MessageRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(chatID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.MessageRecord
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

// AddMessage appends a message to the chat and bumps the chat's update time. The message ID is
// prefixed with a zero padded sequence number so that keys sort in insertion order.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.MessageRecord) (models.MessageRecord, error) {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(chatsBucket)

		var chat models.Chat
		if err := getJSON(chats, chatID, &chat); err != nil {
			return err
		}

		bkt, err := tx.CreateBucketIfNotExists(messageBucketName(chatID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		message.ID = fmt.Sprintf("%020d-%s", seq, message.ID)

		if err := putJSON(bkt, message.ID, message); err != nil {
			return err
		}

		chat.UpdatedAt = message.CreatedAt
		return putJSON(chats, chat.ID, chat)
	})
	if err != nil {
		return models.MessageRecord{}, err
	}
	return message, nil
}

func putJSON(bkt *bolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", key, err)
	}
	return bkt.Put([]byte(key), raw)
}

func getJSON(bkt *bolt.Bucket, key string, v any) error {
	raw := bkt.Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return nil
}
