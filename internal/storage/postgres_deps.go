package storage

// pgx pulls this in transitively; the blank import keeps it pinned as a
// direct requirement so module tidying does not reshuffle it.
import (
	_ "golang.org/x/text/transform"
)
