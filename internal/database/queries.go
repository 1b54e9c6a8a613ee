package database

const (
	insertConversationQuery = `
		INSERT OR IGNORE INTO conversations (id, participants, created_at)
		VALUES (?, ?, ?)
	`

	selectConversationsQuery = `
		SELECT id, participants, is_archived, created_at
		FROM conversations
		ORDER BY created_at ASC
	`

	setArchivedQuery = `
		UPDATE conversations SET is_archived = ? WHERE id = ?
	`

	insertMessageQuery = `
		INSERT INTO messages (
			id, conversation_id, sender_id, content, kind,
			attachments, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	selectMessageQuery = `
		SELECT id, conversation_id, sender_id, content, kind,
		       attachments, reactions, created_at, edited_at, read_at, deleted
		FROM messages
		WHERE id = ?
	`

	selectNewestPageQuery = `
		SELECT id, conversation_id, sender_id, content, kind,
		       attachments, reactions, created_at, edited_at, read_at, deleted
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	selectPageBeforeQuery = `
		SELECT id, conversation_id, sender_id, content, kind,
		       attachments, reactions, created_at, edited_at, read_at, deleted
		FROM messages
		WHERE conversation_id = ?
		  AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	selectLastMessageQuery = `
		SELECT id, conversation_id, sender_id, content, kind,
		       attachments, reactions, created_at, edited_at, read_at, deleted
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	updateMessageContentQuery = `
		UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted = 0
	`

	tombstoneMessageQuery = `
		UPDATE messages SET deleted = 1, content = '', attachments = NULL, kind = 'system'
		WHERE id = ?
	`

	updateReactionsQuery = `
		UPDATE messages SET reactions = ? WHERE id = ?
	`

	cleanupMessagesQuery = `
		DELETE FROM messages WHERE created_at < ?
	`
)
