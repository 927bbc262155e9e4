// Package extstore persists a CellExtraction to a hierarchical SQLite
// container and restores it.
//
// The container mirrors the three groups of the lab's long-standing HDF5
// layout: fov_metadata (scalar attributes), acquisition (named arrays), and
// cells (one block per cell, ordered by a positional index). The schema is a
// fixed, versioned field list per entity; nothing is discovered by
// reflection, so the on-disk format stays stable and typed.
package extstore

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/SarvestaniLab/Ophys/internal/fov"
	"github.com/SarvestaniLab/Ophys/internal/monitoring"
	"github.com/SarvestaniLab/Ophys/internal/ophys"
)

// Store is an open extraction container.
type Store struct {
	db   *sql.DB
	path string
}

const schemaDDL = `
	CREATE TABLE IF NOT EXISTS fov_metadata (
		key               TEXT PRIMARY KEY,
		value             TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS acquisition (
		name              TEXT PRIMARY KEY,
		length            INTEGER NOT NULL,
		data              BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS cells (
		cell_index        INTEGER PRIMARY KEY,
		x_pos             REAL NOT NULL,
		y_pos             REAL NOT NULL,
		responsive        INTEGER NOT NULL DEFAULT 0,
		dropped_trials    INTEGER NOT NULL DEFAULT 0,
		pref_dir_fit      REAL,
		pref_ort_fit      REAL,
		dti_fit           REAL,
		oti_fit           REAL,
		fit_bandwidth     REAL,
		fit_r             REAL
	);
	CREATE TABLE IF NOT EXISTS cell_arrays (
		cell_index        INTEGER NOT NULL,
		name              TEXT NOT NULL,
		length            INTEGER NOT NULL,
		data              BLOB NOT NULL,
		PRIMARY KEY (cell_index, name)
	);
	CREATE TABLE IF NOT EXISTS cell_cyc (
		cell_index        INTEGER NOT NULL,
		condition_index   INTEGER NOT NULL,
		repeats           INTEGER NOT NULL,
		samples           INTEGER NOT NULL,
		data              BLOB NOT NULL,
		PRIMARY KEY (cell_index, condition_index)
	);
`

// Open opens (or creates) a container at path and ensures the base schema.
// Write paths only: the load path uses openExisting so a broken container
// surfaces as an error instead of being silently re-initialised.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening container %s: %w", path, err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising container schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// openExisting opens a container that must already exist, without touching
// its schema.
func openExisting(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening container %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening container %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the container.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the container's filesystem path.
func (s *Store) Path() string { return s.path }

// Save writes a fully formed extraction to path. The container is built at a
// temporary location and renamed into place on success, so a failed save
// never leaves a corrupt file behind.
func Save(ce *ophys.CellExtraction, path string) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing stale temp container: %w", err)
	}

	s, err := Open(tmp)
	if err != nil {
		return err
	}
	if err := s.write(ce); err != nil {
		s.Close()
		os.Remove(tmp)
		return err
	}
	if err := s.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing container: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing container: %w", err)
	}

	monitoring.Logf("saved extraction %s (%d cells) to %s", ce.ExtractionID, len(ce.Cells), path)
	return nil
}

func (s *Store) write(ce *ophys.CellExtraction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting save transaction: %w", err)
	}
	defer tx.Rollback()

	// FOV metadata group. The extraction identifier travels with it.
	attrs := ce.FOV.ExportAttrs()
	if attrs == nil {
		attrs = map[string]string{}
	}
	if ce.ExtractionID != "" {
		attrs["extraction_id"] = ce.ExtractionID
	}
	for key, val := range attrs {
		if _, err := tx.Exec(`INSERT INTO fov_metadata (key, value) VALUES (?, ?)`, key, val); err != nil {
			return fmt.Errorf("writing fov_metadata %q: %w", key, err)
		}
	}

	// Acquisition group. Absent arrays are omitted, not stored as null.
	acq := []struct {
		name string
		vals []float64
	}{
		{"twophotontimes", ce.TwoPhotonTimes},
		{"stimOn", ce.StimOn},
		{"stimID", ce.StimID},
		{"uniqStims", ce.UniqStims},
		{"regOffsets", flattenOffsets(ce.RegOffsets)},
	}
	for _, a := range acq {
		if len(a.vals) == 0 {
			continue
		}
		if err := insertArray(tx, `INSERT INTO acquisition (name, length, data) VALUES (?, ?, ?)`, a.name, a.vals); err != nil {
			return err
		}
	}

	// Cells group, keyed by positional index.
	for i, c := range ce.Cells {
		if err := writeCell(tx, i, c); err != nil {
			return fmt.Errorf("writing cell %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing save: %w", err)
	}
	return nil
}

func writeCell(tx *sql.Tx, idx int, c *ophys.Cell) error {
	var prefDir, prefOrt, dti, oti, bandwidth, fitR interface{}
	if t := c.Tuning; t != nil {
		prefDir, prefOrt = t.PrefDirFit, t.PrefOrtFit
		dti, oti, fitR = t.DTIFit, t.OTIFit, t.FitR
		bandwidth = nullableFloat(t.FitBandwidth)
	}
	_, err := tx.Exec(`
		INSERT INTO cells (cell_index, x_pos, y_pos, responsive, dropped_trials,
			pref_dir_fit, pref_ort_fit, dti_fit, oti_fit, fit_bandwidth, fit_r)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idx, c.XPos, c.YPos, boolToInt(c.Responsive), c.DroppedTrials,
		prefDir, prefOrt, dti, oti, bandwidth, fitR,
	)
	if err != nil {
		return err
	}

	arrays := []struct {
		name string
		vals []float64
	}{
		{"raw", c.Raw},
		{"uniqStims", c.UniqStims},
		{"condition_response", c.ConditionResponse},
		{"repeat_counts", intsToFloats(c.RepeatCounts)},
	}
	for _, a := range arrays {
		if len(a.vals) == 0 {
			continue
		}
		if err := insertCellArray(tx, idx, a.name, a.vals); err != nil {
			return err
		}
	}

	// The trial tensor is ragged across conditions, so each condition is
	// its own rectangular block.
	for cond, repeats := range c.Cyc {
		if len(repeats) == 0 {
			continue
		}
		samples := len(repeats[0])
		flat := make([]float64, 0, len(repeats)*samples)
		for _, epoch := range repeats {
			flat = append(flat, epoch...)
		}
		blob, err := encodeFloats(flat)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			INSERT INTO cell_cyc (cell_index, condition_index, repeats, samples, data)
			VALUES (?, ?, ?, ?, ?)`,
			idx, cond, len(repeats), samples, blob,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func insertArray(tx *sql.Tx, query, name string, vals []float64) error {
	blob, err := encodeFloats(vals)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(query, name, len(vals), blob); err != nil {
		return fmt.Errorf("writing array %q: %w", name, err)
	}
	return nil
}

func insertCellArray(tx *sql.Tx, idx int, name string, vals []float64) error {
	blob, err := encodeFloats(vals)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO cell_arrays (cell_index, name, length, data) VALUES (?, ?, ?, ?)`,
		idx, name, len(vals), blob)
	if err != nil {
		return fmt.Errorf("writing cell array %q: %w", name, err)
	}
	return nil
}

// Load reads a whole extraction back from path.
func Load(path string) (*ophys.CellExtraction, error) {
	s, err := openExisting(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Load()
}

// Load reads the extraction from an open container. Missing optional arrays
// come back nil; a container without a cells table at all is structurally
// broken and fails rather than fabricating an empty extraction.
func (s *Store) Load() (*ophys.CellExtraction, error) {
	if err := s.requireTable("cells"); err != nil {
		return nil, err
	}

	ce := &ophys.CellExtraction{}

	attrs, err := s.readAttrs()
	if err != nil {
		return nil, err
	}
	ce.ExtractionID = attrs["extraction_id"]
	delete(attrs, "extraction_id")
	ce.FOV = fov.FromAttrs(attrs)

	arrays, err := s.readAcquisition()
	if err != nil {
		return nil, err
	}
	ce.TwoPhotonTimes = arrays["twophotontimes"]
	ce.StimOn = arrays["stimOn"]
	ce.StimID = arrays["stimID"]
	ce.UniqStims = arrays["uniqStims"]
	ce.RegOffsets = unflattenOffsets(arrays["regOffsets"])
	if ce.UniqStims == nil && ce.StimID != nil {
		// uniqStims is derivable; tolerate containers that predate it.
		ce.UniqStims = uniqueSorted(ce.StimID)
	}

	cells, err := s.readCells()
	if err != nil {
		return nil, err
	}
	ce.Cells = cells

	monitoring.Logf("loaded extraction %s (%d cells) from %s", ce.ExtractionID, len(ce.Cells), s.path)
	return ce, nil
}

func (s *Store) requireTable(name string) error {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspecting container: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("container %s has no %s table: not an extraction container", s.path, name)
	}
	return nil
}

func (s *Store) readAttrs() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM fov_metadata`)
	if err != nil {
		return nil, fmt.Errorf("reading fov_metadata: %w", err)
	}
	defer rows.Close()

	attrs := map[string]string{}
	for rows.Next() {
		var key, val string
		if err := rows.Scan(&key, &val); err != nil {
			return nil, fmt.Errorf("scanning fov_metadata row: %w", err)
		}
		attrs[key] = val
	}
	return attrs, rows.Err()
}

func (s *Store) readAcquisition() (map[string][]float64, error) {
	rows, err := s.db.Query(`SELECT name, length, data FROM acquisition`)
	if err != nil {
		return nil, fmt.Errorf("reading acquisition group: %w", err)
	}
	defer rows.Close()

	arrays := map[string][]float64{}
	for rows.Next() {
		var name string
		var length int
		var blob []byte
		if err := rows.Scan(&name, &length, &blob); err != nil {
			return nil, fmt.Errorf("scanning acquisition row: %w", err)
		}
		vals, err := decodeFloats(blob, length)
		if err != nil {
			return nil, fmt.Errorf("decoding acquisition array %q: %w", name, err)
		}
		arrays[name] = vals
	}
	return arrays, rows.Err()
}

func (s *Store) readCells() ([]*ophys.Cell, error) {
	rows, err := s.db.Query(`
		SELECT cell_index, x_pos, y_pos, responsive, dropped_trials,
		       pref_dir_fit, pref_ort_fit, dti_fit, oti_fit, fit_bandwidth, fit_r
		FROM cells ORDER BY cell_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading cells group: %w", err)
	}
	defer rows.Close()

	var cells []*ophys.Cell
	var indices []int
	for rows.Next() {
		var idx, responsive, droppedTrials int
		var c ophys.Cell
		var prefDir, prefOrt, dti, oti, bandwidth, fitR sql.NullFloat64
		if err := rows.Scan(&idx, &c.XPos, &c.YPos, &responsive, &droppedTrials,
			&prefDir, &prefOrt, &dti, &oti, &bandwidth, &fitR); err != nil {
			return nil, fmt.Errorf("scanning cell row: %w", err)
		}
		c.Responsive = responsive != 0
		c.DroppedTrials = droppedTrials
		if prefDir.Valid {
			c.Tuning = &ophys.TuningResult{
				PrefDirFit:   prefDir.Float64,
				PrefOrtFit:   prefOrt.Float64,
				DTIFit:       dti.Float64,
				OTIFit:       oti.Float64,
				FitBandwidth: floatOrNaN(bandwidth),
				FitR:         fitR.Float64,
			}
		}
		cells = append(cells, &c)
		indices = append(indices, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, c := range cells {
		if err := s.loadCellBlocks(indices[i], c); err != nil {
			return nil, fmt.Errorf("loading cell %d: %w", indices[i], err)
		}
	}
	return cells, nil
}

func (s *Store) loadCellBlocks(idx int, c *ophys.Cell) error {
	rows, err := s.db.Query(`SELECT name, length, data FROM cell_arrays WHERE cell_index = ?`, idx)
	if err != nil {
		return fmt.Errorf("reading cell arrays: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var length int
		var blob []byte
		if err := rows.Scan(&name, &length, &blob); err != nil {
			return fmt.Errorf("scanning cell array row: %w", err)
		}
		vals, err := decodeFloats(blob, length)
		if err != nil {
			return fmt.Errorf("decoding cell array %q: %w", name, err)
		}
		switch name {
		case "raw":
			c.Raw = vals
		case "uniqStims":
			c.UniqStims = vals
		case "condition_response":
			c.ConditionResponse = vals
		case "repeat_counts":
			c.RepeatCounts = floatsToInts(vals)
		default:
			// Unknown arrays from a newer writer are skipped, not fatal.
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return s.loadCyc(idx, c)
}

func (s *Store) loadCyc(idx int, c *ophys.Cell) error {
	rows, err := s.db.Query(`
		SELECT condition_index, repeats, samples, data
		FROM cell_cyc WHERE cell_index = ? ORDER BY condition_index ASC`, idx)
	if err != nil {
		return fmt.Errorf("reading cyc blocks: %w", err)
	}
	defer rows.Close()

	type block struct {
		cond, repeats, samples int
		flat                   []float64
	}
	var blocks []block
	maxCond := -1
	for rows.Next() {
		var b block
		var blob []byte
		if err := rows.Scan(&b.cond, &b.repeats, &b.samples, &blob); err != nil {
			return fmt.Errorf("scanning cyc block: %w", err)
		}
		b.flat, err = decodeFloats(blob, b.repeats*b.samples)
		if err != nil {
			return fmt.Errorf("decoding cyc block for condition %d: %w", b.cond, err)
		}
		blocks = append(blocks, b)
		if b.cond > maxCond {
			maxCond = b.cond
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if blocks == nil {
		return nil
	}

	nConds := maxCond + 1
	if len(c.UniqStims) > nConds {
		// Trailing conditions with zero valid repeats have no block but
		// still occupy a slot.
		nConds = len(c.UniqStims)
	}
	cyc := make([][][]float64, nConds)
	for i := range cyc {
		cyc[i] = [][]float64{}
	}
	for _, b := range blocks {
		repeats := make([][]float64, b.repeats)
		for r := 0; r < b.repeats; r++ {
			repeats[r] = b.flat[r*b.samples : (r+1)*b.samples]
		}
		cyc[b.cond] = repeats
	}
	c.Cyc = cyc
	return nil
}

func flattenOffsets(offsets [][2]float64) []float64 {
	if offsets == nil {
		return nil
	}
	flat := make([]float64, 0, 2*len(offsets))
	for _, p := range offsets {
		flat = append(flat, p[0], p[1])
	}
	return flat
}

func unflattenOffsets(flat []float64) [][2]float64 {
	if flat == nil {
		return nil
	}
	offsets := make([][2]float64, len(flat)/2)
	for i := range offsets {
		offsets[i] = [2]float64{flat[2*i], flat[2*i+1]}
	}
	return offsets
}

func intsToFloats(ints []int) []float64 {
	if ints == nil {
		return nil
	}
	out := make([]float64, len(ints))
	for i, v := range ints {
		out[i] = float64(v)
	}
	return out
}

func floatsToInts(vals []float64) []int {
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v)
	}
	return out
}

func uniqueSorted(vals []float64) []float64 {
	seen := map[float64]struct{}{}
	var out []float64
	for _, v := range vals {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableFloat maps NaN to SQL NULL so an absent bandwidth is stored as
// absent, not as a sentinel.
func nullableFloat(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
