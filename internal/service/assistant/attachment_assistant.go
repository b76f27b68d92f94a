package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"docchat/internal/models"
)

// RecordAttachment stores the metadata row for a freshly uploaded file and
// returns its id. Extracted content is attached separately once extraction
// finishes.
func (s *Service) RecordAttachment(ctx context.Context, userID, sessionID int64, fileName, storedPath, mimeType string, category models.Category, size int64) (int64, error) {
	if userID <= 0 {
		return 0, errors.New("user_id is required")
	}
	if sessionID <= 0 {
		return 0, errors.New("session_id is required")
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return 0, errors.New("file name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (user_id, session_id, file_name, stored_path, mime_type, category, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, sessionID, fileName, storedPath, mimeType, string(category), size, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("record attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("attachment id: %w", err)
	}
	return id, nil
}

// SetExtractedContent writes the extraction result for an attachment.
// The column is set at most once; a second write is a no-op.
func (s *Service) SetExtractedContent(ctx context.Context, id int64, content string) error {
	if id <= 0 {
		return errors.New("invalid attachment id")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET extracted_content = ? WHERE id = ? AND extracted_content IS NULL`,
		content, id,
	)
	if err != nil {
		return fmt.Errorf("set extracted content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM attachments WHERE id = ?)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("verify attachment: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
		// content already present, keep the first write
	}
	return nil
}

// GetAttachmentsByIDs returns the attachments matching ids for the given
// user/session pair, in the order the ids were requested. Unknown ids are
// an error so a caller can't silently reference someone else's files.
func (s *Service) GetAttachmentsByIDs(ctx context.Context, userID, sessionID int64, ids []int64) ([]*models.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, userID, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, category, size, extracted_content, created_at
		 FROM attachments WHERE user_id = ? AND session_id = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*models.Attachment, len(ids))
	for rows.Next() {
		a := new(models.Attachment)
		var extracted sql.NullString
		var category string
		if err := rows.Scan(&a.ID, &a.UserID, &a.SessionID, &a.FileName, &a.StoredPath, &a.MimeType, &category, &a.Size, &extracted, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.Category = models.Category(category)
		if extracted.Valid {
			a.ExtractedContent = extracted.String
		}
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ordered := make([]*models.Attachment, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("attachment %d not found", id)
		}
		ordered = append(ordered, a)
	}
	return ordered, nil
}

// SessionAttachments returns all attachments for a session, newest first.
func (s *Service) SessionAttachments(ctx context.Context, userID, sessionID int64) ([]*models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, category, size, extracted_content, created_at
		 FROM attachments WHERE user_id = ? AND session_id = ? ORDER BY created_at DESC`,
		userID, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		a := new(models.Attachment)
		var extracted sql.NullString
		var category string
		if err := rows.Scan(&a.ID, &a.UserID, &a.SessionID, &a.FileName, &a.StoredPath, &a.MimeType, &category, &a.Size, &extracted, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.Category = models.Category(category)
		if extracted.Valid {
			a.ExtractedContent = extracted.String
		}
		attachments = append(attachments, a)
	}
	return attachments, rows.Err()
}

// PruneAttachmentByPath drops the row for a file the lifecycle manager
// removed from disk. Used as the manager's onRemove hook; the filesystem
// already won, so failures are only logged by the caller.
func (s *Service) PruneAttachmentByPath(ctx context.Context, storedPath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE stored_path = ?`, storedPath)
	if err != nil {
		return fmt.Errorf("prune attachment: %w", err)
	}
	return nil
}

// AttachmentPruner adapts PruneAttachmentByPath to the lifecycle manager's
// onRemove signature.
func (s *Service) AttachmentPruner() func(path string) {
	return func(path string) {
		if err := s.PruneAttachmentByPath(context.Background(), path); err != nil {
			log.Printf("prune attachment row for %s: %v", path, err)
		}
	}
}
