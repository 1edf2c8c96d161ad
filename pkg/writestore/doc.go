// Package writestore is the authoritative, transactional side of convsync.
//
// Each command runs in one transaction that reads the entity row, bumps its
// version, writes the new post-image, and appends a change_log row carrying
// the same version. The change log is the CDC feed: pkg/feed polls it by
// sequence and the change consumer applies it to the read store.
//
// SQLiteStore (modernc.org/sqlite) suits single-node deployments and tests.
// PostgresStore (GORM) locks the entity row with SELECT ... FOR UPDATE so
// concurrent commands on one entity serialize; commands on different
// entities commit in parallel and may leave sequence gaps that the feed
// poller waits out.
//
// Deleted entities keep their row with deleted=true so a later re-create
// continues the version sequence instead of restarting at 1.
package writestore
