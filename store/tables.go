// Package store implements the metadata store collaborator referenced
// throughout spec §4 (version persistence, free-space persistence): a
// small typed-table registry over an embedded mdbx environment, in the
// same TableCfg/DBI shape the teacher uses for its chaindata tables.
package store

// DBI is a handle to an opened mdbx database-within-environment, mirroring
// the teacher's kv.DBI.
type DBI uint

// TableFlags mirrors the subset of mdbx database flags the teacher's
// TableCfgItem exposes.
type TableFlags uint

const (
	Default    TableFlags = 0x00
	IntegerKey TableFlags = 0x08
)

// TableCfgItem describes one table's mdbx flags and its resolved DBI once
// the environment is open.
type TableCfgItem struct {
	Flags TableFlags
	DBI   DBI
}

// TableCfg is the full registry of tables a store opens at startup,
// keyed by table name (mirrors the teacher's kv.TableCfg).
type TableCfg map[string]TableCfgItem

// Table names used by the castle metadata store.
const (
	// TblVersions holds one row per version tuple (version.Entry), keyed
	// by big-endian version id.
	TblVersions = "Versions"

	// TblFreeSpace holds the serialized free-space bitmap, keyed by a
	// fixed sentinel key (single row, rewritten whole on each writeback).
	TblFreeSpace = "FreeSpace"

	// TblRegions holds one row per to-region quota record, keyed by
	// region id.
	TblRegions = "Regions"

	// TblConfig holds engine-level scalar settings (e.g. last allocated
	// version id, schema version) as simple key/value pairs.
	TblConfig = "Config"

	// TblObjects holds the per-da_id object B-tree: one row per encoded
	// key.BtreeKey, value the marshaled cvt.CVT (spec §4.1/§4.3's "keyed
	// associative store" collaborator). Keys are raw bytes, ordered by
	// mdbx's default memcmp comparator, which key.Encode's packed layout
	// is deliberately built to agree with.
	TblObjects = "Objects"
)

// DefaultTablesCfg is the table set every castle store opens.
var DefaultTablesCfg = TableCfg{
	TblVersions:  {Flags: IntegerKey},
	TblFreeSpace: {},
	TblRegions:   {Flags: IntegerKey},
	TblConfig:    {},
	TblObjects:   {},
}
