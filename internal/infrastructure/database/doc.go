// Package database provides SQLite connectivity for the access core.
//
// This package manages:
//   - Connection setup with WAL mode, foreign keys and a busy timeout
//   - The versioned schema history embedded by the migrations package
//   - Transaction helpers (WithTx) and the Querier interface repositories
//     use to join a caller's transaction
//   - Canonical UTC timestamp formatting shared by every table
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Schema changes are never made by runtime code. Every table, index and
// trigger comes from a YYYYMMDD_HHMMSS_description.up.sql file with a
// matching .down.sql.
package database
