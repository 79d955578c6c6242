package segment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/szibis/diskqueue/internal/logging"
)

const (
	// ManifestFileName is the file holding the segment order and read
	// positions.
	ManifestFileName = "diskqueue.meta"
	manifestVersion  = 1
)

// Manifest is the persisted shape of the segment chain.
type Manifest struct {
	Version     int              `json:"version"`
	SegmentSize int64            `json:"segment_size"`
	NextSeq     uint64           `json:"next_seq"`
	Active      []ManifestActive `json:"active"`
	Inactive    []ManifestParked `json:"inactive,omitempty"`

	// capture orders manifests taken by Capture; zero for hand-built ones.
	capture uint64
}

// ManifestActive records one active segment and its read cursor.
type ManifestActive struct {
	Name         string `json:"name"`
	ReadPosition int    `json:"read_position"`
}

// ManifestParked records one inactive segment. WritePosition is non-zero
// for a segment retired while an iterator still pinned it, whose bytes
// are stale rather than pending.
type ManifestParked struct {
	Name          string `json:"name"`
	WritePosition int    `json:"write_position,omitempty"`
}

// Capture records the current chain. The caller must hold both queue
// locks so read positions and segment order agree.
func (f *Factory) Capture() Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureLocked()
}

func (f *Factory) captureLocked() Manifest {
	f.captures++
	m := Manifest{
		capture:     f.captures,
		Version:     manifestVersion,
		SegmentSize: f.cfg.SegmentSize,
		NextSeq:     f.nextSeq,
		Active:      make([]ManifestActive, 0, len(f.active)),
	}
	for _, s := range f.active {
		m.Active = append(m.Active, ManifestActive{Name: s.name, ReadPosition: s.ReadPosition()})
	}
	for _, s := range f.inactive {
		p := ManifestParked{Name: s.name}
		if s.dirty {
			p.WritePosition = s.WritePosition()
		}
		m.Inactive = append(m.Inactive, p)
	}
	return m
}

// WriteManifest persists m atomically: temp file, fsync, rename, then an
// fsync of the directory. A captured manifest older than the last one
// written is skipped.
func (f *Factory) WriteManifest(m Manifest) error {
	f.metaMu.Lock()
	defer f.metaMu.Unlock()
	if m.capture != 0 && m.capture <= f.written {
		return nil
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(f.cfg.Dir, ManifestFileName+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(f.cfg.Dir, ManifestFileName)); err != nil {
		return err
	}

	if m.capture != 0 {
		f.written = m.capture
	}

	dir, err := os.Open(f.cfg.Dir)
	if err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}

// ReadManifest loads the manifest in dir. A missing manifest returns
// os.ErrNotExist.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return m, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return m, nil
}

// segmentFiles lists segment file names in dir by ascending sequence.
func segmentFiles(dir string) (map[string]uint64, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list queue directory: %w", err)
	}
	seqs := make(map[string]uint64)
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		seq, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}
		seqs[entry.Name()] = seq
		names = append(names, entry.Name())
	}
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case seqs[a] < seqs[b]:
			return -1
		case seqs[a] > seqs[b]:
			return 1
		}
		return 0
	})
	return seqs, names, nil
}

// recover rebuilds the chain from the manifest and the files on disk.
//
// Segments the manifest lists as active come first, in manifest order,
// at their recorded read positions. Segments created or reused after the
// last manifest write follow in sequence order from offset 0; reuse
// renames a segment to the next sequence number, so sequence order is
// write order and a reused file never matches a stale manifest entry.
// Any other segment file is an orphan and is removed. Read positions can lag the
// last consumed entry, so delivery across a crash is at-least-once.
func (f *Factory) recover(onLive func([]byte)) (int, error) {
	seqs, names, err := segmentFiles(f.cfg.Dir)
	if err != nil {
		return 0, err
	}
	for _, name := range names {
		if seqs[name] >= f.nextSeq {
			f.nextSeq = seqs[name] + 1
		}
	}

	m, err := ReadManifest(f.cfg.Dir)
	haveManifest := err == nil
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return 0, err
	case m.SegmentSize != f.cfg.SegmentSize:
		return 0, fmt.Errorf("%w: manifest has %d, configured %d", ErrSizeMismatch, m.SegmentSize, f.cfg.SegmentSize)
	}

	opened := make(map[string]bool, len(names))
	openOne := func(name string) (*Segment, error) {
		opened[name] = true
		return open(f.cfg.Dir, name, f.cfg.SegmentSize, f.mapper)
	}

	var late []*Segment
	if haveManifest {
		if m.NextSeq > f.nextSeq {
			f.nextSeq = m.NextSeq
		}
		for _, a := range m.Active {
			if _, ok := seqs[a.Name]; !ok || opened[a.Name] {
				logging.Warn("manifest segment missing on disk", logging.F("segment", a.Name))
				continue
			}
			s, err := openOne(a.Name)
			if err != nil {
				return 0, err
			}
			s.SetReadPosition(a.ReadPosition)
			f.active = append(f.active, s)
		}
		for _, p := range m.Inactive {
			if _, ok := seqs[p.Name]; !ok || opened[p.Name] {
				continue
			}
			s, err := openOne(p.Name)
			if err != nil {
				return 0, err
			}
			switch w := s.WritePosition(); {
			case w == 0:
				f.inactive = append(f.inactive, s)
			case w == p.WritePosition:
				if err := s.Recycle(); err != nil {
					s.Close()
					return 0, err
				}
				f.inactive = append(f.inactive, s)
			default:
				// Written after the manifest; it belongs at the tail.
				late = append(late, s)
			}
		}
	}

	for _, name := range names {
		if opened[name] {
			continue
		}
		if haveManifest && seqs[name] < m.NextSeq {
			logging.Warn("removing orphan segment", logging.F("segment", name))
			if err := os.Remove(filepath.Join(f.cfg.Dir, name)); err != nil && !os.IsNotExist(err) {
				return 0, fmt.Errorf("failed to remove orphan segment: %w", err)
			}
			continue
		}
		s, err := openOne(name)
		if err != nil {
			return 0, err
		}
		late = append(late, s)
	}

	slices.SortFunc(late, func(a, b *Segment) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	for _, s := range late {
		if s.WritePosition() == 0 {
			f.inactive = append(f.inactive, s)
			continue
		}
		f.active = append(f.active, s)
	}
	if len(f.active) == 0 && len(f.inactive) > 0 {
		f.active = append(f.active, f.inactive[0])
		f.inactive = slices.Delete(f.inactive, 0, 1)
	}

	count := 0
	for _, s := range f.active {
		n, err := s.LiveEntries(onLive)
		if err != nil {
			return 0, err
		}
		count += n
	}

	if len(f.active) > 0 {
		if reserved := f.reservedLocked(); reserved > f.cfg.MaxBytes {
			logging.Warn("recovered segments exceed max bytes", logging.F(
				"reserved_bytes", reserved,
				"max_bytes", f.cfg.MaxBytes,
			))
		}
		logging.Info("recovered queue segments", logging.F(
			"dir", f.cfg.Dir,
			"active", len(f.active),
			"inactive", len(f.inactive),
			"entries", count,
		))
	}
	return count, nil
}
