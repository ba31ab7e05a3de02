package mbtiles

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/config"
	"github.com/MeKo-Tech/osgcore/internal/decoder"
	_ "modernc.org/sqlite" // SQLite driver
)

// Profile describes the tiling grid a store was opened under.
type Profile struct {
	SRS      string // spatial reference identifier, e.g. "EPSG:3857"
	TileSize int
}

// Extents describes the zoom range and geographic bounds a store
// declares (or, with computeLevels, was actually found to contain).
type Extents struct {
	Bounds  [4]float64
	MinZoom int
	MaxZoom int
}

// Store is a single SQLite-backed tile database that reads and writes
// through the same handle, rather than splitting reads and writes
// across separate handles, and satisfies cachebin.Bin, so it can sit
// directly under a Cache as a durable, disk-backed cache bin.
//
// Tile data lives in the standard MBTiles "tiles" table (zoom_level,
// tile_column, tile_row, tile_data), so a store can read an archive
// produced by any other MBTiles tool, not only ones this package wrote.
// Per-key cache bookkeeping (arbitrary metadata, write/touch
// timestamps) that a plain MBTiles archive has no room for lives in a
// side "tile_cache_meta" table keyed by the same zoom/column/row; a
// tile read from an archive that never populated that side table still
// serves correctly, just with no recorded metadata or timestamp.
// Entries whose key does not parse as "<profile>/<level>/<x>/<y>" (an
// opaque cache key, e.g. a request URL) are kept in a separate
// "kv_entries" table instead, since they have no tile coordinate to
// join on.
type Store struct {
	db       *sql.DB
	path     string
	format   string
	decoders *decoder.Registry
	mu       sync.Mutex
}

// Open opens or creates an MBTiles-schema database at path. format
// names the tile encoding ("png", "jpg", ...) used to validate blobs
// read from and written to the "tiles" table; an empty format falls
// back to the dataset's recorded metadata; if that is empty too, blobs
// are not validated. If
// computeLevels is true, the zoom range in the returned Extents is
// derived by scanning the tiles actually present instead of trusting
// the metadata table's minzoom/maxzoom, which is the only way to get
// accurate bounds from an archive whose metadata was never kept in
// sync with its contents.
func Open(path string, format string, computeLevels bool) (*Store, Profile, Extents, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, Profile{}, Extents{}, fmt.Errorf("mbtiles: open %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 50000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, Profile{}, Extents{}, fmt.Errorf("mbtiles: pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, Profile{}, Extents{}, err
	}

	s := &Store{db: db, path: path, decoders: decoder.Default}

	meta, err := s.Metadata()
	if err != nil {
		db.Close()
		return nil, Profile{}, Extents{}, err
	}

	// format stays empty (skipping validation) when neither the caller nor
	// the dataset's own metadata declares one, so a store used as a plain
	// opaque cache bin never rejects writes for not looking like an image.
	s.format = format
	if s.format == "" {
		s.format = meta.Format
	}

	extents := Extents{Bounds: meta.Bounds, MinZoom: meta.MinZoom, MaxZoom: meta.MaxZoom}
	if computeLevels {
		levels, err := s.computeLevels()
		if err != nil {
			db.Close()
			return nil, Profile{}, Extents{}, err
		}
		if len(levels) > 0 {
			extents.MinZoom = levels[0]
			extents.MaxZoom = levels[len(levels)-1]
		}
	}

	profile := Profile{SRS: "EPSG:3857", TileSize: 256}
	return s, profile, extents, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);

		CREATE TABLE IF NOT EXISTS tile_cache_meta (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			cache_key TEXT NOT NULL,
			metadata BLOB,
			timestamp INTEGER NOT NULL,
			last_modified INTEGER,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		);

		CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			metadata BLOB,
			timestamp INTEGER NOT NULL,
			last_modified INTEGER
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("mbtiles: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReadString implements cachebin.Bin.
func (s *Store) ReadString(key string) (cachebin.Entry, error) {
	level, x, tmsY, hasCoord := parseTileKey(key)
	if hasCoord {
		return s.readTileEntry(level, x, tmsY)
	}
	return s.readKVEntry(key)
}

func (s *Store) readTileEntry(level, x, tmsY int) (cachebin.Entry, error) {
	var compressed []byte
	var metaBytes []byte
	var timestamp, lastModified sql.NullInt64

	err := s.db.QueryRow(
		`SELECT t.tile_data, m.metadata, m.timestamp, m.last_modified
		 FROM tiles t LEFT JOIN tile_cache_meta m
		   ON m.zoom_level = t.zoom_level AND m.tile_column = t.tile_column AND m.tile_row = t.tile_row
		 WHERE t.zoom_level=? AND t.tile_column=? AND t.tile_row=?`,
		level, x, tmsY,
	).Scan(&compressed, &metaBytes, &timestamp, &lastModified)
	if err == sql.ErrNoRows {
		return cachebin.Entry{Status: cachebin.StatusNotFound}, nil
	}
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	blob, err := gzipDecompress(compressed)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}
	if err := s.validateFormat(blob); err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	cfg, err := metadataFromBytes(metaBytes)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	entry := cachebin.Entry{Status: cachebin.StatusOK, Blob: blob, Metadata: cfg}
	if timestamp.Valid {
		entry.Timestamp = time.Unix(timestamp.Int64, 0)
	}
	if lastModified.Valid {
		entry.LastModified = time.Unix(lastModified.Int64, 0)
	}
	return entry, nil
}

func (s *Store) readKVEntry(key string) (cachebin.Entry, error) {
	var compressed, metaBytes []byte
	var timestamp int64
	var lastModified sql.NullInt64

	err := s.db.QueryRow(
		"SELECT data, metadata, timestamp, last_modified FROM kv_entries WHERE key = ?",
		key,
	).Scan(&compressed, &metaBytes, &timestamp, &lastModified)
	if err == sql.ErrNoRows {
		return cachebin.Entry{Status: cachebin.StatusNotFound}, nil
	}
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	blob, err := gzipDecompress(compressed)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	cfg, err := metadataFromBytes(metaBytes)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	entry := cachebin.Entry{
		Status:    cachebin.StatusOK,
		Blob:      blob,
		Metadata:  cfg,
		Timestamp: time.Unix(timestamp, 0),
	}
	if lastModified.Valid {
		entry.LastModified = time.Unix(lastModified.Int64, 0)
	}
	return entry, nil
}

// ReadMetadata implements cachebin.Bin, skipping the (potentially large)
// blob column entirely.
func (s *Store) ReadMetadata(key string) (cachebin.Entry, error) {
	level, x, tmsY, hasCoord := parseTileKey(key)
	if hasCoord {
		return s.readTileMetadata(level, x, tmsY)
	}
	return s.readKVMetadata(key)
}

func (s *Store) readTileMetadata(level, x, tmsY int) (cachebin.Entry, error) {
	var metaBytes []byte
	var timestamp, lastModified sql.NullInt64

	err := s.db.QueryRow(
		`SELECT m.metadata, m.timestamp, m.last_modified
		 FROM tiles t LEFT JOIN tile_cache_meta m
		   ON m.zoom_level = t.zoom_level AND m.tile_column = t.tile_column AND m.tile_row = t.tile_row
		 WHERE t.zoom_level=? AND t.tile_column=? AND t.tile_row=?`,
		level, x, tmsY,
	).Scan(&metaBytes, &timestamp, &lastModified)
	if err == sql.ErrNoRows {
		return cachebin.Entry{Status: cachebin.StatusNotFound}, nil
	}
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	cfg, err := metadataFromBytes(metaBytes)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	entry := cachebin.Entry{Status: cachebin.StatusOK, Metadata: cfg}
	if timestamp.Valid {
		entry.Timestamp = time.Unix(timestamp.Int64, 0)
	}
	if lastModified.Valid {
		entry.LastModified = time.Unix(lastModified.Int64, 0)
	}
	return entry, nil
}

func (s *Store) readKVMetadata(key string) (cachebin.Entry, error) {
	var metaBytes []byte
	var timestamp int64
	var lastModified sql.NullInt64

	err := s.db.QueryRow(
		"SELECT metadata, timestamp, last_modified FROM kv_entries WHERE key = ?",
		key,
	).Scan(&metaBytes, &timestamp, &lastModified)
	if err == sql.ErrNoRows {
		return cachebin.Entry{Status: cachebin.StatusNotFound}, nil
	}
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	cfg, err := metadataFromBytes(metaBytes)
	if err != nil {
		return cachebin.Entry{Status: cachebin.StatusIOError}, err
	}

	entry := cachebin.Entry{
		Status:    cachebin.StatusOK,
		Metadata:  cfg,
		Timestamp: time.Unix(timestamp, 0),
	}
	if lastModified.Valid {
		entry.LastModified = time.Unix(lastModified.Int64, 0)
	}
	return entry, nil
}

// Write implements cachebin.Bin. blob is gzip-compressed before storage;
// when key names a tile coordinate, blob must decode under the store's
// configured format (validated via the decoder registry).
func (s *Store) Write(key string, blob []byte, metadata *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if metadata == nil {
		metadata = config.New("metadata")
	}

	level, x, tmsY, hasCoord := parseTileKey(key)
	if hasCoord {
		if err := s.validateFormat(blob); err != nil {
			return fmt.Errorf("mbtiles: write %s: %w", key, err)
		}
		return s.writeTileEntry(key, level, x, tmsY, blob, metadata)
	}
	return s.writeKVEntry(key, blob, metadata)
}

func (s *Store) writeTileEntry(key string, level, x, tmsY int, blob []byte, metadata *config.Config) error {
	compressed, err := gzipCompress(blob)
	if err != nil {
		return err
	}
	metaBytes, err := metadata.ToJSON()
	if err != nil {
		return err
	}
	lastModified := lastModifiedFromMetadata(metadata)
	now := time.Now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("mbtiles: write %s: %w", key, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(
		`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data=excluded.tile_data`,
		level, x, tmsY, compressed,
	); err != nil {
		return fmt.Errorf("mbtiles: write %s: %w", key, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO tile_cache_meta (zoom_level, tile_column, tile_row, cache_key, metadata, timestamp, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET
			cache_key=excluded.cache_key, metadata=excluded.metadata,
			timestamp=excluded.timestamp, last_modified=excluded.last_modified`,
		level, x, tmsY, key, metaBytes, now, lastModified,
	); err != nil {
		return fmt.Errorf("mbtiles: write %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mbtiles: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) writeKVEntry(key string, blob []byte, metadata *config.Config) error {
	compressed, err := gzipCompress(blob)
	if err != nil {
		return err
	}
	metaBytes, err := metadata.ToJSON()
	if err != nil {
		return err
	}
	lastModified := lastModifiedFromMetadata(metadata)

	_, err = s.db.Exec(
		`INSERT INTO kv_entries (key, data, metadata, timestamp, last_modified)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			data=excluded.data, metadata=excluded.metadata, timestamp=excluded.timestamp, last_modified=excluded.last_modified`,
		key, compressed, metaBytes, time.Now().Unix(), lastModified,
	)
	if err != nil {
		return fmt.Errorf("mbtiles: write %s: %w", key, err)
	}
	return nil
}

func lastModifiedFromMetadata(metadata *config.Config) sql.NullInt64 {
	var lm string
	if metadata.Get("last-modified", &lm) {
		if t, err := time.Parse(time.RFC1123, lm); err == nil {
			return sql.NullInt64{Int64: t.Unix(), Valid: true}
		}
	}
	return sql.NullInt64{}
}

// validateFormat confirms blob decodes under the store's configured
// tile format, catching data that was about to be written under the
// wrong format, or was stored incorrectly by something else, before it
// reaches a caller as if it were valid image data.
func (s *Store) validateFormat(blob []byte) error {
	mime := mimeForFormat(s.format)
	if mime == "" {
		return nil
	}
	// Resolve with no URL or MIME hint so only the leading-byte sniff
	// phase can match; a blob that merely claims to be this format
	// without the right magic bytes must fail here, not at serve time.
	d, err := s.decoders.Resolve(blob, "", "")
	if err != nil {
		return fmt.Errorf("blob does not sniff as %s: %w", s.format, err)
	}
	for _, m := range d.MIMETypes() {
		if m == mime {
			return nil
		}
	}
	return fmt.Errorf("blob sniffed as a different format than declared %s", s.format)
}

func mimeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return ""
	}
}

// Touch implements cachebin.Bin: a no-op if key is absent.
func (s *Store) Touch(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	level, x, tmsY, hasCoord := parseTileKey(key)
	if hasCoord {
		_, err := s.db.Exec(
			"UPDATE tile_cache_meta SET timestamp = ? WHERE zoom_level=? AND tile_column=? AND tile_row=?",
			time.Now().Unix(), level, x, tmsY,
		)
		if err != nil {
			return fmt.Errorf("mbtiles: touch %s: %w", key, err)
		}
		return nil
	}

	_, err := s.db.Exec("UPDATE kv_entries SET timestamp = ? WHERE key = ?", time.Now().Unix(), key)
	if err != nil {
		return fmt.Errorf("mbtiles: touch %s: %w", key, err)
	}
	return nil
}

// Metadata reads the dataset-level metadata table (name/format/bounds/
// zoom range).
func (s *Store) Metadata() (Metadata, error) {
	rows, err := s.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("mbtiles: query metadata: %w", err)
	}
	defer rows.Close()

	metaMap := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, fmt.Errorf("mbtiles: scan metadata row: %w", err)
		}
		metaMap[name] = value
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("mbtiles: iterate metadata: %w", err)
	}

	return metadataFromMap(metaMap), nil
}

// SetMetadata overwrites the dataset-level metadata table.
func (s *Store) SetMetadata(meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM metadata"); err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, v := range meta.ToMap() {
		if _, err := stmt.Exec(k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReadTile is a convenience lookup by explicit XYZ coordinate against
// the standard MBTiles "tiles" table, used by the MBTiles HTTP handler
// and any tooling that enumerates the store by zoom/x/y rather than by
// opaque cache key. It works against archives this package never wrote,
// since "tiles" is the only table a plain MBTiles reader needs.
func (s *Store) ReadTile(z, x, y int) ([]byte, error) {
	tmsY := (1 << uint(z)) - 1 - y
	var compressed []byte
	err := s.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsY,
	).Scan(&compressed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mbtiles: tile not found: %d/%d/%d", z, x, y)
	}
	if err != nil {
		return nil, fmt.Errorf("mbtiles: query tile: %w", err)
	}
	return gzipDecompress(compressed)
}

// computeLevels scans the distinct zoom levels present in the store,
// rather than relying on minzoom/maxzoom recorded once at creation time.
func (s *Store) computeLevels() ([]int, error) {
	rows, err := s.db.Query("SELECT DISTINCT zoom_level FROM tiles ORDER BY zoom_level")
	if err != nil {
		return nil, fmt.Errorf("mbtiles: scan levels: %w", err)
	}
	defer rows.Close()

	var levels []int
	for rows.Next() {
		var z int
		if err := rows.Scan(&z); err != nil {
			return nil, err
		}
		levels = append(levels, z)
	}
	return levels, rows.Err()
}

// Levels is the exported form of computeLevels, for tooling that
// inspects a store from outside the package.
func (s *Store) Levels() ([]int, error) {
	return s.computeLevels()
}

// TileRef names one tile actually present in the store, in XYZ form.
type TileRef struct {
	Z, X, Y int
}

// TileRefs lists every tile in the store's "tiles" table, for tooling
// that walks the archive's actual contents rather than guessing at a
// z/x/y quadrant.
func (s *Store) TileRefs() ([]TileRef, error) {
	rows, err := s.db.Query("SELECT zoom_level, tile_column, tile_row FROM tiles ORDER BY zoom_level, tile_column, tile_row")
	if err != nil {
		return nil, fmt.Errorf("mbtiles: scan tile refs: %w", err)
	}
	defer rows.Close()

	var refs []TileRef
	for rows.Next() {
		var z, x, tmsY int
		if err := rows.Scan(&z, &x, &tmsY); err != nil {
			return nil, err
		}
		refs = append(refs, TileRef{Z: z, X: x, Y: (1 << uint(z)) - 1 - tmsY})
	}
	return refs, rows.Err()
}

// TileCount returns the number of tiles in the store.
func (s *Store) TileCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("mbtiles: count tiles: %w", err)
	}
	return count, nil
}

// Path returns the filesystem path the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// parseTileKey recognizes the "<profile>/<level>/<x>/<y>" shape
// tilepipeline.Key.String() produces and converts the XYZ row to TMS.
func parseTileKey(key string) (level, x, y int, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 {
		return 0, 0, 0, false
	}
	level, errZ := strconv.Atoi(parts[1])
	x, errX := strconv.Atoi(parts[2])
	rawY, errY := strconv.Atoi(parts[3])
	if errZ != nil || errX != nil || errY != nil {
		return 0, 0, 0, false
	}
	return level, x, (1 << uint(level)) - 1 - rawY, true
}

func metadataFromBytes(data []byte) (*config.Config, error) {
	if len(data) == 0 {
		return config.New("metadata"), nil
	}
	cfg, err := config.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("mbtiles: decode metadata: %w", err)
	}
	return cfg, nil
}

func metadataFromMap(m map[string]string) Metadata {
	meta := Metadata{
		Name:        m["name"],
		Format:      m["format"],
		Attribution: m["attribution"],
		Description: m["description"],
		Type:        m["type"],
		Version:     m["version"],
	}
	if v, ok := m["minzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MinZoom = i
		}
	}
	if v, ok := m["maxzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MaxZoom = i
		}
	}
	if v, ok := m["bounds"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 4 {
			for i, part := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
					meta.Bounds[i] = f
				}
			}
		}
	}
	if v, ok := m["center"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 3 {
			for i, part := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
					meta.Center[i] = f
				}
			}
		}
	}
	return meta
}

func gzipDecompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ cachebin.Bin = (*Store)(nil)
