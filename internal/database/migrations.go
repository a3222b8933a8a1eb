package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "chapter versions and choices",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS chapters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    story_id TEXT NOT NULL,
    chapter_number INTEGER NOT NULL CHECK(chapter_number >= 1),
    version_number INTEGER NOT NULL CHECK(version_number >= 1),
    content TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    word_count INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 0,
    source_choice_id TEXT,
    source_choice_title TEXT,
    created_at TEXT NOT NULL,
    UNIQUE (story_id, chapter_number, version_number)
);

CREATE TABLE IF NOT EXISTS choices (
    chapter_id INTEGER NOT NULL REFERENCES chapters(id),
    ordinal INTEGER NOT NULL,
    choice_id TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    impact TEXT NOT NULL CHECK(impact IN ('low', 'medium', 'high')),
    type TEXT NOT NULL,
    is_selected INTEGER NOT NULL DEFAULT 0,
    selected_at TEXT,
    created_at TEXT NOT NULL,
    PRIMARY KEY (chapter_id, ordinal),
    UNIQUE (chapter_id, choice_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chapters_single_active
    ON chapters(story_id, chapter_number) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_chapters_story_slot ON chapters(story_id, chapter_number);
CREATE UNIQUE INDEX IF NOT EXISTS idx_choices_single_selected
    ON choices(chapter_id) WHERE is_selected = 1;
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
