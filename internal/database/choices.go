package database

import (
	"context"
	"database/sql"

	"github.com/TobiSchelling/StoryForge/internal/apperr"
)

// InsertChoices attaches choices to a chapter version in one transaction.
// Choices whose ID is already attached to the chapter are skipped, so a retried
// attachment never duplicates rows. Returns the number of rows inserted.
func (db *DB) InsertChoices(ctx context.Context, chapterID int64, choices []Choice) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err, "begin choice attachment")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapters WHERE id = ?`, chapterID,
	).Scan(&exists); err != nil {
		return 0, classify(err, "looking up chapter")
	}
	if exists == 0 {
		return 0, apperr.New(apperr.CodeNotFound, "chapter %d not found", chapterID)
	}

	var maxOrdinal int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordinal), -1) FROM choices WHERE chapter_id = ?`, chapterID,
	).Scan(&maxOrdinal); err != nil {
		return 0, classify(err, "reading choice ordinal")
	}

	stamp := db.stamp()
	inserted := 0
	for _, c := range choices {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO choices
			(chapter_id, ordinal, choice_id, title, description, impact, type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (chapter_id, choice_id) DO NOTHING`,
			chapterID, maxOrdinal+1+inserted, c.ID, c.Title, c.Description, string(c.Impact), c.Type, stamp,
		)
		if err != nil {
			return 0, classify(err, "inserting choice")
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, classify(err, "counting inserted choices")
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err, "committing choices")
	}
	return inserted, nil
}

// MarkChoiceSelected selects one choice of a chapter and unselects the rest.
// Fails with INVALID_CHOICE when choiceID is not attached to chapterID.
func (db *DB) MarkChoiceSelected(ctx context.Context, chapterID int64, choiceID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin choice selection")
	}
	defer tx.Rollback()

	var found int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM choices WHERE chapter_id = ? AND choice_id = ?`,
		chapterID, choiceID,
	).Scan(&found); err != nil {
		return classify(err, "looking up choice")
	}
	if found == 0 {
		return apperr.New(apperr.CodeInvalidChoice,
			"choice %q is not attached to chapter %d", choiceID, chapterID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE choices SET is_selected = 0, selected_at = NULL
		WHERE chapter_id = ? AND choice_id <> ?`,
		chapterID, choiceID,
	); err != nil {
		return classify(err, "unselecting sibling choices")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE choices SET is_selected = 1, selected_at = ?
		WHERE chapter_id = ? AND choice_id = ?`,
		db.stamp(), chapterID, choiceID,
	); err != nil {
		return classify(err, "selecting choice")
	}

	return classify(tx.Commit(), "committing choice selection")
}

// GetChoices returns the choices of a chapter version in creation order.
func (db *DB) GetChoices(ctx context.Context, chapterID int64) ([]Choice, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT choice_id, chapter_id, ordinal, title, description, impact, type,
		is_selected, selected_at, created_at
		FROM choices WHERE chapter_id = ? ORDER BY ordinal ASC`, chapterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChoices(rows)
}

func scanChoices(rows *sql.Rows) ([]Choice, error) {
	var choices []Choice
	for rows.Next() {
		var c Choice
		var impact, created string
		var selected int
		var selectedAt *string
		if err := rows.Scan(&c.ID, &c.ChapterID, &c.Ordinal, &c.Title, &c.Description,
			&impact, &c.Type, &selected, &selectedAt, &created); err != nil {
			return nil, err
		}
		c.Impact = Impact(impact)
		c.IsSelected = selected != 0
		if selectedAt != nil {
			t := parseStamp(*selectedAt)
			c.SelectedAt = &t
		}
		c.CreatedAt = parseStamp(created)
		choices = append(choices, c)
	}
	return choices, rows.Err()
}
