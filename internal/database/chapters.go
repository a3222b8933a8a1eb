package database

import (
	"context"
	"database/sql"
	"strings"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

const chapterColumns = `id, story_id, chapter_number, version_number, content, summary,
	word_count, is_active, source_choice_id, source_choice_title, created_at`

// CreateChapterVersion inserts the next version of a slot and makes it the
// only active version of that slot, all in one transaction.
func (db *DB) CreateChapterVersion(ctx context.Context, nc NewChapter) (*Chapter, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin chapter version")
	}
	defer tx.Rollback()

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM chapters
		WHERE story_id = ? AND chapter_number = ?`,
		nc.StoryID, nc.ChapterNumber,
	).Scan(&maxVersion); err != nil {
		return nil, classify(err, "reading latest version")
	}

	// Deactivate before inserting: the single-active index is checked per row.
	deactivate := `UPDATE chapters SET is_active = 0
		WHERE story_id = ? AND chapter_number = ? AND is_active = 1`
	if nc.SupersedeLater {
		deactivate = `UPDATE chapters SET is_active = 0
		WHERE story_id = ? AND chapter_number >= ? AND is_active = 1`
	}
	if _, err := tx.ExecContext(ctx, deactivate, nc.StoryID, nc.ChapterNumber); err != nil {
		return nil, classify(err, "deactivating sibling versions")
	}

	ch := Chapter{
		StoryID:           nc.StoryID,
		ChapterNumber:     nc.ChapterNumber,
		VersionNumber:     maxVersion + 1,
		Content:           nc.Content,
		Summary:           nc.Summary,
		WordCount:         CountWords(nc.Content),
		IsActive:          true,
		SourceChoiceID:    nullable(nc.SourceChoiceID),
		SourceChoiceTitle: nullable(nc.SourceChoiceTitle),
	}
	stamp := db.stamp()
	ch.CreatedAt = parseStamp(stamp)

	result, err := tx.ExecContext(ctx,
		`INSERT INTO chapters
		(story_id, chapter_number, version_number, content, summary, word_count,
		is_active, source_choice_id, source_choice_title, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		ch.StoryID, ch.ChapterNumber, ch.VersionNumber, ch.Content, ch.Summary,
		ch.WordCount, ch.SourceChoiceID, ch.SourceChoiceTitle, stamp,
	)
	if err != nil {
		return nil, classify(err, "inserting chapter version")
	}
	if ch.ID, err = result.LastInsertId(); err != nil {
		return nil, classify(err, "reading chapter id")
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err, "committing chapter version")
	}
	return &ch, nil
}

// ActivateChapterVersion marks one version of a slot active and every sibling
// inactive. It fails with NOT_FOUND when chapterID is not a version of the slot.
func (db *DB) ActivateChapterVersion(ctx context.Context, storyID string, chapterNumber int, chapterID int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin activation")
	}
	defer tx.Rollback()

	var found int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapters WHERE id = ? AND story_id = ? AND chapter_number = ?`,
		chapterID, storyID, chapterNumber,
	).Scan(&found)
	if err != nil {
		return classify(err, "looking up version")
	}
	if found == 0 {
		return apperr.New(apperr.CodeNotFound,
			"chapter %d is not a version of story %s slot %d", chapterID, storyID, chapterNumber)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chapters SET is_active = 0
		WHERE story_id = ? AND chapter_number = ? AND is_active = 1 AND id <> ?`,
		storyID, chapterNumber, chapterID,
	); err != nil {
		return classify(err, "deactivating sibling versions")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chapters SET is_active = 1 WHERE id = ?`, chapterID,
	); err != nil {
		return classify(err, "activating version")
	}

	return classify(tx.Commit(), "committing activation")
}

// ListActiveChapters returns the active version of every slot, ordered by
// chapter_number ascending.
func (db *DB) ListActiveChapters(ctx context.Context, storyID string) ([]Chapter, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters
		WHERE story_id = ? AND is_active = 1 ORDER BY chapter_number ASC`, storyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChapters(rows)
}

// ListChapterVersions returns every version of a slot, newest first.
func (db *DB) ListChapterVersions(ctx context.Context, storyID string, chapterNumber int) ([]Chapter, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters
		WHERE story_id = ? AND chapter_number = ? ORDER BY version_number DESC`,
		storyID, chapterNumber,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChapters(rows)
}

// ListAllVersions returns every chapter version of a story in creation order.
func (db *DB) ListAllVersions(ctx context.Context, storyID string) ([]Chapter, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE story_id = ? ORDER BY id ASC`, storyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChapters(rows)
}

// GetChapter returns a chapter version by ID, or nil if it does not exist.
func (db *DB) GetChapter(ctx context.Context, chapterID int64) (*Chapter, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, chapterID,
	)
	ch, err := scanChapter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// GetActiveChapter returns the active version of a slot, or nil if the slot
// has none.
func (db *DB) GetActiveChapter(ctx context.Context, storyID string, chapterNumber int) (*Chapter, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters
		WHERE story_id = ? AND chapter_number = ? AND is_active = 1`,
		storyID, chapterNumber,
	)
	ch, err := scanChapter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// CountWords counts whitespace-separated words.
func CountWords(content string) int {
	return len(strings.Fields(content))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChapterRow(r rowScanner) (*Chapter, error) {
	var c Chapter
	var active int
	var created string
	if err := r.Scan(&c.ID, &c.StoryID, &c.ChapterNumber, &c.VersionNumber,
		&c.Content, &c.Summary, &c.WordCount, &active,
		&c.SourceChoiceID, &c.SourceChoiceTitle, &created); err != nil {
		return nil, err
	}
	c.IsActive = active != 0
	c.CreatedAt = parseStamp(created)
	return &c, nil
}

func scanChapter(row *sql.Row) (*Chapter, error) {
	return scanChapterRow(row)
}

func scanChapters(rows *sql.Rows) ([]Chapter, error) {
	var chapters []Chapter
	for rows.Next() {
		c, err := scanChapterRow(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, *c)
	}
	return chapters, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
