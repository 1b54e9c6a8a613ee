package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	apperrors "coachchat/internal/errors"
	"coachchat/internal/migrations"
	"coachchat/internal/models"
	"coachchat/internal/security"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Database is the SQLite-backed message store. Message content is
// encrypted at rest when COACHCHAT_ENABLE_ENCRYPTION is set; ids and
// timestamps stay in the clear so ordering and pagination work in SQL.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(migrations.GetInitialSchema()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// EnsureConversation creates the conversation row if it does not already
// exist. Existing rows are left untouched.
func (d *Database) EnsureConversation(ctx context.Context, conv *models.Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, insertConversationQuery, conv.ID, string(participants), createdAt)
		return err
	}, "ensure conversation")
}

// Conversations returns every conversation with its newest message
// attached, so the index can be seeded in one call at startup.
func (d *Database) Conversations(ctx context.Context) ([]*models.Conversation, error) {
	rows, err := d.db.QueryContext(ctx, selectConversationsQuery)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query conversations", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	var conversations []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var participants string
		if err := rows.Scan(&conv.ID, &participants, &conv.IsArchived, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
		}
		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	for _, conv := range conversations {
		last, err := d.lastMessage(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			conv.LastMessage = last
			at := last.CreatedAt
			conv.LastMessageAt = &at
		}
	}

	return conversations, nil
}

// SetArchived flips the archived flag on a conversation.
func (d *Database) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, setArchivedQuery, archived, conversationID)
		return err
	}, "set archived")
}

// FetchPage returns up to limit messages older than beforeMessageID in
// ascending (created_at, id) order. An empty beforeMessageID means the
// newest page. Pagination anchors on the before-message's own ordering
// key rather than an offset, so concurrent inserts never shift pages.
func (d *Database) FetchPage(ctx context.Context, conversationID, beforeMessageID string, limit int) ([]*models.Message, error) {
	var rows *sql.Rows
	var err error

	if beforeMessageID == "" {
		rows, err = d.db.QueryContext(ctx, selectNewestPageQuery, conversationID, limit)
	} else {
		anchor, anchorErr := d.getMessage(ctx, beforeMessageID)
		if anchorErr != nil {
			return nil, anchorErr
		}
		if anchor == nil {
			return nil, fmt.Errorf("pagination anchor %s not found", beforeMessageID)
		}
		rows, err = d.db.QueryContext(ctx, selectPageBeforeQuery,
			conversationID, anchor.CreatedAt, anchor.CreatedAt, anchor.ID, limit)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("query message page", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	page, err := d.scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Rows arrive newest-first; callers expect ascending order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// Send persists a new message, assigning the server id and timestamp.
func (d *Database) Send(ctx context.Context, conversationID, senderID, content string, kind models.MessageKind, attachments []models.Attachment) (*models.Message, error) {
	msg := &models.Message{
		ID:             "msg-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Kind:           kind,
		Attachments:    attachments,
		CreatedAt:      time.Now().UTC(),
		DeliveryState:  models.DeliverySent,
	}

	encryptedContent, err := d.encryptor.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content: %w", err)
	}

	var attachmentsJSON sql.NullString
	if len(attachments) > 0 {
		raw, err := json.Marshal(attachments)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attachments: %w", err)
		}
		attachmentsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	err = withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, insertMessageQuery,
			msg.ID, msg.ConversationID, msg.SenderID, encryptedContent,
			string(msg.Kind), attachmentsJSON, msg.CreatedAt)
		return err
	}, "insert message")
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Edit replaces a message's content and stamps edited_at. Deleted
// messages cannot be edited.
func (d *Database) Edit(ctx context.Context, messageID, content string) (*models.Message, error) {
	encryptedContent, err := d.encryptor.Encrypt(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content: %w", err)
	}

	editedAt := time.Now().UTC()
	err = withWriteRetry(ctx, func() error {
		result, err := d.db.ExecContext(ctx, updateMessageContentQuery, encryptedContent, editedAt, messageID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	}, "edit message")
	if err != nil {
		return nil, fmt.Errorf("failed to edit message: %w", err)
	}

	msg, err := d.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not found after edit", messageID)
	}
	return msg, nil
}

// Delete tombstones a message. The row survives so ordering keys stay
// stable; only the content is removed.
func (d *Database) Delete(ctx context.Context, messageID string) error {
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, tombstoneMessageQuery, messageID)
		return err
	}, "delete message")
}

// React records a reaction, replacing any previous reaction from the
// same user.
func (d *Database) React(ctx context.Context, messageID, userID, emoji string) error {
	msg, err := d.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %s not found", messageID)
	}

	reactions := make([]models.Reaction, 0, len(msg.Reactions)+1)
	for _, r := range msg.Reactions {
		if r.UserID != userID {
			reactions = append(reactions, r)
		}
	}
	if emoji != "" {
		reactions = append(reactions, models.Reaction{UserID: userID, Emoji: emoji})
	}

	var reactionsJSON sql.NullString
	if len(reactions) > 0 {
		raw, err := json.Marshal(reactions)
		if err != nil {
			return fmt.Errorf("failed to marshal reactions: %w", err)
		}
		reactionsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, updateReactionsQuery, reactionsJSON, messageID)
		return err
	}, "update reactions")
}

// CleanupOldRecords deletes messages older than the retention window.
func (d *Database) CleanupOldRecords(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return withWriteRetry(ctx, func() error {
		_, err := d.db.ExecContext(ctx, cleanupMessagesQuery, cutoff)
		return err
	}, "cleanup old records")
}

func (d *Database) lastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, selectLastMessageQuery, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query last message: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	msgs, err := d.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

func (d *Database) getMessage(ctx context.Context, messageID string) (*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, selectMessageQuery, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	msgs, err := d.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

func (d *Database) scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var kind string
		var content string
		var attachments, reactions sql.NullString
		var editedAt, readAt sql.NullTime

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &content, &kind,
			&attachments, &reactions, &msg.CreatedAt, &editedAt, &readAt, &msg.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		decrypted, err := d.encryptor.Decrypt(content)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt content: %w", err)
		}
		msg.Content = decrypted
		msg.Kind = models.MessageKind(kind)
		msg.DeliveryState = models.DeliverySent

		if attachments.Valid {
			if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
			}
		}
		if reactions.Valid {
			if err := json.Unmarshal([]byte(reactions.String), &msg.Reactions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal reactions: %w", err)
			}
		}
		if editedAt.Valid {
			t := editedAt.Time
			msg.EditedAt = &t
		}
		if readAt.Valid {
			t := readAt.Time
			msg.ReadAt = &t
		}

		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}
