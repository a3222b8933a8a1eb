package database

import "context"

// ListStories summarizes every story that has at least one chapter version,
// most recently updated first.
func (db *DB) ListStories(ctx context.Context) ([]StorySummary, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT story_id,
			SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END) AS active_chapters,
			COUNT(*) AS total_versions,
			MAX(created_at) AS updated_at
		FROM chapters
		GROUP BY story_id
		ORDER BY updated_at DESC, story_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stories []StorySummary
	for rows.Next() {
		var s StorySummary
		var updated string
		if err := rows.Scan(&s.StoryID, &s.ActiveChapters, &s.TotalVersions, &updated); err != nil {
			return nil, err
		}
		s.UpdatedAt = parseStamp(updated)
		stories = append(stories, s)
	}
	return stories, rows.Err()
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(DISTINCT story_id) FROM chapters", &s.Stories},
		{"SELECT COUNT(*) FROM chapters", &s.ChapterVersions},
		{"SELECT COUNT(*) FROM chapters WHERE is_active = 1", &s.ActiveChapters},
		{"SELECT COUNT(*) FROM choices", &s.Choices},
		{"SELECT COUNT(*) FROM choices WHERE is_selected = 1", &s.SelectedChoices},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}
	return s, nil
}
