package betula

// SyncMode controls when database writes are fsynced to disk
type SyncMode int

const (
	// SyncEveryCommit fsyncs the journal and the database file on
	// every transaction commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	// - Use for: Financial transactions, critical data
	SyncEveryCommit SyncMode = iota

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - Maximum throughput
	// - All unflushed data lost on crash
	// - Use for: Testing, bulk imports with external durability
	SyncOff
)

// DBOptions configures database behavior.
type DBOptions struct {
	syncMode      SyncMode
	pageSize      int  // Page size for newly created files.
	cacheSize     int  // Pages held in the clean-page cache.
	readOnly      bool // Open the file without write permission.
	fillFactor    int  // Target fill percentage when rebalancing.
	siblingWindow int  // Siblings considered per rebalance, including the troubled page.
	logger        Logger
}

// DefaultDBOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultDBOptions() DBOptions {
	return DBOptions{
		syncMode:      SyncEveryCommit,
		pageSize:      4096,
		cacheSize:     2000,
		fillFactor:    85,
		siblingWindow: 3,
		logger:        DiscardLogger{},
	}
}

// DBOption configures database options using the functional options pattern.
type DBOption func(*DBOptions)

// WithSyncEveryCommit configures the database to fsync on every commit.
// This provides maximum durability (zero data loss) but lower throughput.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncOff disables fsync entirely.
// This provides maximum throughput but all unflushed data is lost on crash.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncOff
	}
}

// WithPageSize sets the page size used when creating a new database
// file. Must be a power of two between 512 and 65536. Opening an
// existing file always uses the size recorded in its header.
//
//goland:noinspection GoUnusedExportedFunction
func WithPageSize(n int) DBOption {
	return func(opts *DBOptions) {
		opts.pageSize = n
	}
}

// WithCacheSize sets how many pages the clean-page cache holds before
// evicting the least recently used.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(pages int) DBOption {
	return func(opts *DBOptions) {
		opts.cacheSize = pages
	}
}

// WithReadOnly opens the database without write permission. Write
// transactions fail with ErrReadOnly.
//
//goland:noinspection GoUnusedExportedFunction
func WithReadOnly() DBOption {
	return func(opts *DBOptions) {
		opts.readOnly = true
	}
}

// WithFillFactor sets the target fill percentage (50-100) that pages
// are packed to when the tree rebalances.
//
//goland:noinspection GoUnusedExportedFunction
func WithFillFactor(pct int) DBOption {
	return func(opts *DBOptions) {
		if pct >= 50 && pct <= 100 {
			opts.fillFactor = pct
		}
	}
}

// WithSiblingWindow sets how many adjacent pages (2-5, including the
// page that triggered it) a rebalance redistributes cells across.
// Wider windows pack tighter but dirty more pages per rebalance.
//
//goland:noinspection GoUnusedExportedFunction
func WithSiblingWindow(n int) DBOption {
	return func(opts *DBOptions) {
		if n >= 2 && n <= 5 {
			opts.siblingWindow = n
		}
	}
}

// WithLogger sets the logger for internal events. The default
// discards everything.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) DBOption {
	return func(opts *DBOptions) {
		if l != nil {
			opts.logger = l
		}
	}
}
